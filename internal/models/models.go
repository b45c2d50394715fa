package models

type ErrorResponse struct {
	Status string   `json:"status,omitempty"`
	Error  APIError `json:"error"`
}

// NormalizedError is a stable classification meant for clients deciding whether
// to resubmit.
type NormalizedError struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

type APIError struct {
	Code            string           `json:"code"`
	Message         string           `json:"message"`
	NormalizedError *NormalizedError `json:"normalizedError,omitempty"`
	Details         map[string]any   `json:"details,omitempty"`
}

// IngestRequest identifies one object to ingest.
type IngestRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (r IngestRequest) URI() string {
	return "s3://" + r.Bucket + "/" + r.Key
}

type Trigger string

const (
	TriggerDirect     Trigger = "direct"
	TriggerEvent      Trigger = "event"
	TriggerQueue      Trigger = "queue"
	TriggerSingleFile Trigger = "single_file"
)

type IngestResult struct {
	RunID        string `json:"runId"`
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	Table        string `json:"table"`
	Rows         int64  `json:"rows"`
	ProcessingID string `json:"processingId"`
	DurationMs   int64  `json:"durationMs"`
}

type ProcessRequest struct {
	Bucket string `json:"bucket,omitempty" validate:"omitempty,min=3,max=63,s3bucket"`
	Key    string `json:"key" validate:"required,max=1024,s3key"`
}

type ProcessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	File    string `json:"file"`
	Table   string `json:"table"`
	Rows    int64  `json:"rows"`
	RunID   string `json:"runId"`
}

type EventRecordResult struct {
	Bucket  string    `json:"bucket"`
	Key     string    `json:"key"`
	Status  string    `json:"status"`
	Table   string    `json:"table,omitempty"`
	Rows    int64     `json:"rows,omitempty"`
	RunID   string    `json:"runId,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Skipped string    `json:"skipped,omitempty"`
}

type EventResponse struct {
	Processed int                 `json:"processed"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Results   []EventRecordResult `json:"results"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
}

type StatusResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database,omitempty"`
	DBVersion string `json:"db_version,omitempty"`
	S3Bucket  string `json:"s3_bucket,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

type Run struct {
	ID           string    `json:"id"`
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Table        string    `json:"table,omitempty"`
	Trigger      Trigger   `json:"trigger"`
	Status       RunStatus `json:"status"`
	ErrorKind    *string   `json:"errorKind,omitempty"`
	Error        *string   `json:"error,omitempty"`
	RowsWritten  int64     `json:"rowsWritten"`
	DurationMs   int64     `json:"durationMs"`
	ProcessingID *string   `json:"processingId,omitempty"`
	CreatedAt    string    `json:"createdAt"`
	StartedAt    *string   `json:"startedAt,omitempty"`
	FinishedAt   *string   `json:"finishedAt,omitempty"`
}

type RunsListResponse struct {
	Items      []Run   `json:"items"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

type MetaResponse struct {
	Version             string  `json:"version"`
	ServerAddr          string  `json:"serverAddr"`
	ProcessingMode      string  `json:"processingMode"`
	S3Bucket            string  `json:"s3Bucket,omitempty"`
	TablePrefix         string  `json:"tablePrefix"`
	RejectEmptyFeatures bool    `json:"rejectEmptyFeatures"`
	StageTimeoutSeconds int64   `json:"stageTimeoutSeconds"`
	QueueEnabled        bool    `json:"queueEnabled"`
	EventKeySuffix      string  `json:"eventKeySuffix"`
	MaxObjectBytes      int64   `json:"maxObjectBytes"`
	APITokenEnabled     bool    `json:"apiTokenEnabled"`
	CredentialSource    string  `json:"credentialSource"`
	RateLimitRPS        float64 `json:"rateLimitRps"`
}
