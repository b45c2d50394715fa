package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"geoingest/internal/ingesterrors"
	"geoingest/internal/models"
)

const maxRequestBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	resp := models.ErrorResponse{
		Status: "error",
		Error: models.APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	if normalized, ok := normalizeErrorCode(code); ok {
		resp.Error.NormalizedError = &normalized
		if status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", "2")
		}
	}
	writeJSON(w, status, resp)
}

// writeIngestError renders a pipeline failure with the status its kind maps to.
func writeIngestError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForKind(ingesterrors.KindOf(err)), models.ErrorResponse{
		Status: "error",
		Error:  ingesterrors.ToAPIError(err),
	})
}

func statusForKind(kind ingesterrors.Kind) int {
	switch {
	case kind == ingesterrors.KindNotFound:
		return http.StatusNotFound
	case kind == ingesterrors.KindAccessDenied:
		return http.StatusForbidden
	case kind == ingesterrors.KindTimeout:
		return http.StatusGatewayTimeout
	case ingesterrors.IsCallerFixable(kind):
		return http.StatusBadRequest
	case kind == ingesterrors.KindUnknown:
		return http.StatusInternalServerError
	case ingesterrors.IsOperational(kind):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func normalizeErrorCode(code string) (models.NormalizedError, bool) {
	switch code {
	case "rate_limited":
		return models.NormalizedError{Code: code, Retryable: true}, true
	case "unauthorized", "invalid_request", "not_found":
		return models.NormalizedError{Code: code, Retryable: false}, true
	default:
		return models.NormalizedError{}, false
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
