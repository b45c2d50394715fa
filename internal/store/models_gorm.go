package store

type runRow struct {
	ID           string  `gorm:"column:id;primaryKey"`
	Bucket       string  `gorm:"column:bucket"`
	ObjectKey    string  `gorm:"column:object_key"`
	Table        *string `gorm:"column:table_name"`
	Trigger      string  `gorm:"column:trigger_source"`
	Status       string  `gorm:"column:status"`
	ErrorKind    *string `gorm:"column:error_kind"`
	Error        *string `gorm:"column:error"`
	RowsWritten  int64   `gorm:"column:rows_written"`
	DurationMs   int64   `gorm:"column:duration_ms"`
	ProcessingID *string `gorm:"column:processing_id"`
	CreatedAt    string  `gorm:"column:created_at"`
	StartedAt    *string `gorm:"column:started_at"`
	FinishedAt   *string `gorm:"column:finished_at"`
}

func (runRow) TableName() string { return "ingestion_runs" }
