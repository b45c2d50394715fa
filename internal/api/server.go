package api

import (
	"context"

	"github.com/go-playground/validator/v10"

	"geoingest/internal/config"
	"geoingest/internal/events"
	"geoingest/internal/logging"
	"geoingest/internal/metrics"
	"geoingest/internal/models"
	"geoingest/internal/store"
	"geoingest/internal/ws"
)

// Processor runs one ingestion; *pipeline.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, req models.IngestRequest, trigger models.Trigger) (models.IngestResult, error)
}

// DatabaseProber performs one round trip to the target database.
type DatabaseProber interface {
	Ping(ctx context.Context) (string, error)
}

// RunLedger is the read side of the run ledger.
type RunLedger interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, f store.RunFilter) (models.RunsListResponse, error)
	GetRun(ctx context.Context, id string) (models.Run, bool, error)
}

type server struct {
	cfg        config.Config
	processor  Processor
	dispatcher *events.Dispatcher
	database   DatabaseProber
	ledger     RunLedger
	hub        *ws.Hub
	metrics    *metrics.Metrics
	validate   *validator.Validate
	serverAddr string
	log        *logging.Logger

	processLimit *requestLimiter
}
