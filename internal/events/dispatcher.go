package events

import (
	"context"

	"geoingest/internal/ingesterrors"
	"geoingest/internal/logging"
	"geoingest/internal/metrics"
	"geoingest/internal/models"
)

type Processor interface {
	Process(ctx context.Context, req models.IngestRequest, trigger models.Trigger) (models.IngestResult, error)
}

const (
	RecordStatusSuccess = "success"
	RecordStatusError   = "error"
	RecordStatusSkipped = "skipped"
)

// Dispatcher feeds the records of one notification through a Processor.
type Dispatcher struct {
	processor Processor
	filter    Filter
	metrics   *metrics.Metrics
	log       *logging.Logger
}

func NewDispatcher(processor Processor, filter Filter, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		processor: processor,
		filter:    filter,
		metrics:   m,
		log:       logging.Default().With("events"),
	}
}

// Dispatch processes every eligible record in order. retry is true when at
// least one record failed for an operational reason, meaning redelivery of
// the notification may succeed.
func (d *Dispatcher) Dispatch(ctx context.Context, records []Record, trigger models.Trigger) (resp models.EventResponse, retry bool) {
	resp.Results = make([]models.EventRecordResult, 0, len(records))
	for _, rec := range records {
		result := models.EventRecordResult{Bucket: rec.Bucket, Key: rec.Key}

		reason := rec.SkipReason
		if reason == "" {
			reason = d.filter.SkipReason(rec.Key)
		}
		if reason != "" {
			d.log.Infof("skip s3://%s/%s: %s", rec.Bucket, rec.Key, reason)
			result.Status = RecordStatusSkipped
			result.Skipped = reason
			resp.Skipped++
			resp.Results = append(resp.Results, result)
			d.metrics.IncEventRecords(RecordStatusSkipped)
			continue
		}

		res, err := d.processor.Process(ctx, models.IngestRequest{Bucket: rec.Bucket, Key: rec.Key}, trigger)
		result.RunID = res.RunID
		result.Table = res.Table
		if err != nil {
			apiErr := ingesterrors.ToAPIError(err)
			result.Status = RecordStatusError
			result.Error = &apiErr
			resp.Failed++
			if ingesterrors.IsOperational(ingesterrors.KindOf(err)) {
				retry = true
			}
			d.metrics.IncEventRecords(RecordStatusError)
		} else {
			result.Status = RecordStatusSuccess
			result.Rows = res.Rows
			resp.Processed++
			d.metrics.IncEventRecords(RecordStatusSuccess)
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, retry
}
