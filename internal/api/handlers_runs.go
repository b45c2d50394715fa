package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"geoingest/internal/models"
	"geoingest/internal/store"
)

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.RunFilter

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := models.RunStatus(raw)
		switch status {
		case models.RunStatusRunning, models.RunStatusSucceeded, models.RunStatusFailed:
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid status", map[string]any{"status": raw})
			return
		}
		f.Status = &status
	}
	if raw := strings.TrimSpace(q.Get("bucket")); raw != "" {
		f.Bucket = &raw
	}
	if raw := strings.TrimSpace(q.Get("table")); raw != "" {
		f.Table = &raw
	}
	if raw := strings.TrimSpace(q.Get("cursor")); raw != "" {
		f.Cursor = &raw
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", map[string]any{"limit": raw})
			return
		}
		f.Limit = limit
	}

	resp, err := s.ledger.ListRuns(r.Context(), f)
	if err != nil {
		s.log.Errorf("list runs: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs", nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	run, ok, err := s.ledger.GetRun(r.Context(), runID)
	if err != nil {
		s.log.Errorf("get run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run not found", map[string]any{"runId": runID})
		return
	}
	writeJSON(w, http.StatusOK, run)
}
