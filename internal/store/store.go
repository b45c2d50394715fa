// Package store keeps the ledger of ingestion runs.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"geoingest/internal/models"
)

type Store struct {
	db *gorm.DB
}

func New(sqlDB *gorm.DB) (*Store, error) {
	if sqlDB == nil {
		return nil, errors.New("store: nil database")
	}
	return &Store{db: sqlDB}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type CreateRunInput struct {
	Bucket  string
	Key     string
	Table   string
	Trigger models.Trigger
}

// CreateRun records a run in the running state.
func (s *Store) CreateRun(ctx context.Context, in CreateRunInput) (models.Run, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	id := ulid.Make().String()

	row := runRow{
		ID:        id,
		Bucket:    in.Bucket,
		ObjectKey: in.Key,
		Trigger:   string(in.Trigger),
		Status:    string(models.RunStatusRunning),
		CreatedAt: now,
		StartedAt: &now,
	}
	if in.Table != "" {
		table := in.Table
		row.Table = &table
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Run{}, err
	}
	return runFromRow(row), nil
}

type FinishRunInput struct {
	Status       models.RunStatus
	Table        string
	RowsWritten  int64
	DurationMs   int64
	ProcessingID string
	ErrorKind    string
	Error        string
}

func (s *Store) FinishRun(ctx context.Context, runID string, in FinishRunInput) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	updates := map[string]any{
		"status":       string(in.Status),
		"rows_written": in.RowsWritten,
		"duration_ms":  in.DurationMs,
		"finished_at":  now,
	}
	if in.Table != "" {
		updates["table_name"] = in.Table
	}
	if in.ProcessingID != "" {
		updates["processing_id"] = in.ProcessingID
	}
	if in.ErrorKind != "" {
		updates["error_kind"] = in.ErrorKind
	}
	if in.Error != "" {
		updates["error"] = in.Error
	}

	res := s.db.WithContext(ctx).
		Model(&runRow{}).
		Where("id = ?", runID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

type RunFilter struct {
	Status *models.RunStatus
	Bucket *string
	Table  *string
	Limit  int
	Cursor *string
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) (models.RunsListResponse, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := s.db.WithContext(ctx).Model(&runRow{})
	if f.Status != nil {
		query = query.Where("status = ?", string(*f.Status))
	}
	if f.Bucket != nil && strings.TrimSpace(*f.Bucket) != "" {
		query = query.Where("bucket = ?", strings.TrimSpace(*f.Bucket))
	}
	if f.Table != nil && strings.TrimSpace(*f.Table) != "" {
		query = query.Where("table_name = ?", strings.TrimSpace(*f.Table))
	}
	if f.Cursor != nil && *f.Cursor != "" {
		query = query.Where("id < ?", *f.Cursor)
	}

	var rows []runRow
	if err := query.
		Order("id DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		return models.RunsListResponse{}, err
	}

	resp := models.RunsListResponse{Items: make([]models.Run, 0, min(len(rows), limit))}
	for i, row := range rows {
		if i == limit {
			last := resp.Items[len(resp.Items)-1].ID
			resp.NextCursor = &last
			break
		}
		resp.Items = append(resp.Items, runFromRow(row))
	}
	return resp, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (models.Run, bool, error) {
	var row runRow
	if err := s.db.WithContext(ctx).
		Where("id = ?", runID).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Run{}, false, nil
		}
		return models.Run{}, false, err
	}
	return runFromRow(row), true, nil
}

// MarkRunningRunsFailed closes runs left open by a previous process.
func (s *Store) MarkRunningRunsFailed(ctx context.Context, errorKind, errorMessage string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res := s.runs(ctx).
		Where("status = ?", string(models.RunStatusRunning)).
		Updates(map[string]any{
			"status":      string(models.RunStatusFailed),
			"error_kind":  errorKind,
			"error":       errorMessage,
			"finished_at": now,
		})
	return res.RowsAffected, res.Error
}

// DeleteFinishedRunsBefore prunes the ledger; it returns how many rows went.
func (s *Store) DeleteFinishedRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Format(time.RFC3339Nano)
	res := s.runs(ctx).
		Where("status <> ? AND finished_at IS NOT NULL AND finished_at < ?", string(models.RunStatusRunning), cutoff).
		Delete(&runRow{})
	return res.RowsAffected, res.Error
}

func (s *Store) CountRunsByStatus(ctx context.Context, status models.RunStatus) (int64, error) {
	var n int64
	err := s.runs(ctx).Where("status = ?", string(status)).Count(&n).Error
	return n, err
}

func (s *Store) runs(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&runRow{})
}

func runFromRow(row runRow) models.Run {
	run := models.Run{
		ID:           row.ID,
		Bucket:       row.Bucket,
		Key:          row.ObjectKey,
		Trigger:      models.Trigger(row.Trigger),
		Status:       models.RunStatus(row.Status),
		ErrorKind:    row.ErrorKind,
		Error:        row.Error,
		RowsWritten:  row.RowsWritten,
		DurationMs:   row.DurationMs,
		ProcessingID: row.ProcessingID,
		CreatedAt:    row.CreatedAt,
		StartedAt:    row.StartedAt,
		FinishedAt:   row.FinishedAt,
	}
	if row.Table != nil {
		run.Table = *row.Table
	}
	return run
}
