package api

import (
	"context"
	"net/http"
	"time"

	"geoingest/internal/ingesterrors"
	"geoingest/internal/models"
)

const serviceName = "geojson-processor"

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Timestamp: nowRFC3339(),
		Service:   serviceName,
	})
}

// handleStatus makes one round trip to the target database.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.database == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.StatusResponse{
			Status:    "degraded",
			Error:     "database is not configured",
			Timestamp: nowRFC3339(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	version, err := s.database.Ping(ctx)
	if err != nil {
		s.log.Warnf("status probe: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, models.StatusResponse{
			Status:    "degraded",
			Error:     ingesterrors.FormatMessage(err.Error(), ingesterrors.KindOf(err)),
			Timestamp: nowRFC3339(),
		})
		return
	}

	writeJSON(w, http.StatusOK, models.StatusResponse{
		Status:    "operational",
		Database:  "connected",
		DBVersion: version,
		S3Bucket:  s.cfg.S3Bucket,
		Timestamp: nowRFC3339(),
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// handleReadyz checks the local run ledger only; /status covers PostGIS.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("ledger_unavailable\n"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ledger.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("db_error\n"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
