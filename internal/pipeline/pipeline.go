// Package pipeline runs one ingestion request through fetch, validate and
// load. Every failure is terminal for the request; callers decide whether to
// re-invoke.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"geoingest/internal/geojson"
	"geoingest/internal/ingesterrors"
	"geoingest/internal/loader"
	"geoingest/internal/logging"
	"geoingest/internal/metrics"
	"geoingest/internal/models"
	"geoingest/internal/store"
	"geoingest/internal/ws"
)

const DefaultStageTimeout = 60 * time.Second

type Stage string

const (
	StageFetching   Stage = "fetching"
	StageValidating Stage = "validating"
	StageLoading    Stage = "loading"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

type Loader interface {
	TableName(key string) string
	Load(ctx context.Context, key string, features []geojson.Feature) (loader.Result, error)
}

// Ledger records runs; *store.Store implements it.
type Ledger interface {
	CreateRun(ctx context.Context, in store.CreateRunInput) (models.Run, error)
	FinishRun(ctx context.Context, runID string, in store.FinishRunInput) error
}

type Publisher interface {
	Publish(evt ws.Event)
}

type Options struct {
	StageTimeout time.Duration
	Validation   geojson.Options
}

type Dependencies struct {
	Fetcher Fetcher
	Loader  Loader
	Ledger  Ledger
	Hub     Publisher
	Metrics *metrics.Metrics
	Options Options
}

type Pipeline struct {
	fetcher Fetcher
	loader  Loader
	ledger  Ledger
	hub     Publisher
	metrics *metrics.Metrics
	opts    Options
	log     *logging.Logger
}

func New(deps Dependencies) *Pipeline {
	opts := deps.Options
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	return &Pipeline{
		fetcher: deps.Fetcher,
		loader:  deps.Loader,
		ledger:  deps.Ledger,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		opts:    opts,
		log:     logging.Default().With("pipeline"),
	}
}

type run struct {
	id      string
	req     models.IngestRequest
	trigger models.Trigger
	table   string
	started time.Time
}

// Process ingests one object. The returned error always carries an
// ingesterrors kind.
func (p *Pipeline) Process(ctx context.Context, req models.IngestRequest, trigger models.Trigger) (models.IngestResult, error) {
	req.Bucket = strings.TrimSpace(req.Bucket)
	if req.Bucket == "" || req.Key == "" {
		return models.IngestResult{}, ingesterrors.New(ingesterrors.KindInvalidRequest, "bucket and key are required")
	}

	r := &run{req: req, trigger: trigger, table: p.loader.TableName(req.Key), started: time.Now()}
	r.id = p.openRun(ctx, r)
	p.metrics.IncIngestStarted(string(trigger))
	p.publish(ws.Event{Type: ws.EventIngestStarted, RunID: r.id, Payload: map[string]any{
		"bucket": req.Bucket, "key": req.Key, "table": r.table, "trigger": trigger,
	}})
	p.log.Infof("run %s: %s started (trigger=%s table=%s)", r.id, req.URI(), trigger, r.table)

	result, err := p.execute(ctx, r)
	if err != nil {
		p.fail(ctx, r, err)
		return models.IngestResult{RunID: r.id, Bucket: req.Bucket, Key: req.Key, Table: r.table}, err
	}
	p.succeed(ctx, r, result)

	return models.IngestResult{
		RunID:        r.id,
		Bucket:       req.Bucket,
		Key:          req.Key,
		Table:        result.Table,
		Rows:         result.Rows,
		ProcessingID: result.ProcessingID,
		DurationMs:   time.Since(r.started).Milliseconds(),
	}, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run) (loader.Result, error) {
	var body []byte
	err := p.stage(ctx, r, StageFetching, func(sctx context.Context) error {
		var err error
		body, err = p.fetcher.Fetch(sctx, r.req.Bucket, r.req.Key)
		return err
	})
	if err != nil {
		return loader.Result{}, err
	}
	p.metrics.AddFetchedBytes(len(body))

	var doc *geojson.Document
	err = p.stage(ctx, r, StageValidating, func(context.Context) error {
		var err error
		doc, err = geojson.Validate(body, p.opts.Validation)
		return err
	})
	if err != nil {
		return loader.Result{}, err
	}

	var result loader.Result
	err = p.stage(ctx, r, StageLoading, func(sctx context.Context) error {
		var err error
		result, err = p.loader.Load(sctx, r.req.Key, doc.Features)
		return err
	})
	return result, err
}

func (p *Pipeline) stage(ctx context.Context, r *run, stage Stage, fn func(context.Context) error) error {
	p.log.Debugf("run %s: %s", r.id, stage)
	p.publish(ws.Event{Type: ws.EventIngestStage, RunID: r.id, Payload: map[string]any{"stage": stage}})

	sctx, cancel := context.WithTimeout(ctx, p.opts.StageTimeout)
	defer cancel()

	start := time.Now()
	err := fn(sctx)
	p.metrics.ObserveStage(string(stage), time.Since(start))
	if err == nil {
		return nil
	}

	kind := ingesterrors.KindOf(err)
	if kind != ingesterrors.KindTimeout && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return ingesterrors.Wrap(ingesterrors.KindTimeout, string(stage)+" exceeded "+p.opts.StageTimeout.String(), err)
	}
	if kind == ingesterrors.KindUnknown {
		return ingesterrors.Wrap(ingesterrors.KindUnknown, string(stage)+" failed", err)
	}
	return err
}

func (p *Pipeline) publish(evt ws.Event) {
	if p.hub != nil {
		p.hub.Publish(evt)
	}
}

func (p *Pipeline) openRun(ctx context.Context, r *run) string {
	if p.ledger != nil {
		rec, err := p.ledger.CreateRun(ctx, store.CreateRunInput{
			Bucket:  r.req.Bucket,
			Key:     r.req.Key,
			Table:   r.table,
			Trigger: r.trigger,
		})
		if err == nil {
			return rec.ID
		}
		p.log.Warnf("record run for %s: %v", r.req.URI(), err)
	}
	return ulid.Make().String()
}

func (p *Pipeline) finishRun(ctx context.Context, runID string, in store.FinishRunInput) {
	if p.ledger == nil {
		return
	}
	// The ledger write must land even when the caller has gone away.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.ledger.FinishRun(fctx, runID, in); err != nil {
		p.log.Warnf("run %s: update ledger: %v", runID, err)
	}
}

func (p *Pipeline) succeed(ctx context.Context, r *run, result loader.Result) {
	elapsed := time.Since(r.started)
	p.finishRun(ctx, r.id, store.FinishRunInput{
		Status:       models.RunStatusSucceeded,
		Table:        result.Table,
		RowsWritten:  result.Rows,
		DurationMs:   elapsed.Milliseconds(),
		ProcessingID: result.ProcessingID,
	})
	p.metrics.AddRowsWritten(result.Rows)
	p.metrics.ObserveIngestCompleted(string(r.trigger), string(models.RunStatusSucceeded), "", elapsed)
	p.publish(ws.Event{Type: ws.EventIngestSucceeded, RunID: r.id, Payload: map[string]any{
		"bucket": r.req.Bucket, "key": r.req.Key, "table": result.Table, "rows": result.Rows,
		"processingId": result.ProcessingID, "durationMs": elapsed.Milliseconds(),
	}})
	p.log.Infof("run %s: %s done: %d rows into %s in %s", r.id, r.req.URI(), result.Rows, result.Table, elapsed.Round(time.Millisecond))
}

func (p *Pipeline) fail(ctx context.Context, r *run, err error) {
	elapsed := time.Since(r.started)
	kind := ingesterrors.KindOf(err)
	message := ingesterrors.FormatMessage(err.Error(), kind)

	p.finishRun(ctx, r.id, store.FinishRunInput{
		Status:     models.RunStatusFailed,
		DurationMs: elapsed.Milliseconds(),
		ErrorKind:  string(kind),
		Error:      err.Error(),
	})
	p.metrics.ObserveIngestCompleted(string(r.trigger), string(models.RunStatusFailed), string(kind), elapsed)

	payload := map[string]any{"bucket": r.req.Bucket, "key": r.req.Key, "errorKind": kind, "error": err.Error()}
	if idx, ok := ingesterrors.FeatureIndexOf(err); ok {
		payload["featureIndex"] = idx
	}
	p.publish(ws.Event{Type: ws.EventIngestFailed, RunID: r.id, Payload: payload})

	if ingesterrors.IsOperational(kind) {
		p.log.Errorf("run %s: %s %s: %s", r.id, r.req.URI(), StageFailed, message)
		return
	}
	p.log.Warnf("run %s: %s %s: %s", r.id, r.req.URI(), StageFailed, message)
}
