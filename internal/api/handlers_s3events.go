package api

import (
	"io"
	"net/http"

	"geoingest/internal/events"
	"geoingest/internal/ingesterrors"
	"geoingest/internal/models"
)

// handleS3Event accepts an S3 notification (optionally SNS wrapped) and
// processes each record in order. The response is 200 unless a record failed
// operationally, in which case 503 asks the sender to redeliver.
func (s *server) handleS3Event(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "read body: "+err.Error(), nil)
		return
	}

	records, err := events.ParseS3Event(body)
	if err != nil {
		writeIngestError(w, err)
		return
	}

	resp, retry := s.dispatcher.Dispatch(r.Context(), records, models.TriggerEvent)
	status := http.StatusOK
	if retry {
		status = statusForKind(ingesterrors.KindStorageUnavailable)
	}
	writeJSON(w, status, resp)
}
