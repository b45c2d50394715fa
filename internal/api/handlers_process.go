package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"geoingest/internal/ingesterrors"
	"geoingest/internal/models"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("s3bucket", func(fl validator.FieldLevel) bool {
		return bucketNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("s3key", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if strings.HasSuffix(key, "/") {
			return false
		}
		return strings.IndexFunc(key, unicode.IsControl) < 0
	})
	return v
}

func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req models.ProcessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error(), nil)
		return
	}
	if req.Bucket == "" {
		req.Bucket = s.cfg.S3Bucket
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing key parameter", nil)
		return
	}
	if req.Bucket == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing bucket parameter and no default bucket is configured", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request", validationDetails(err))
		return
	}

	release, ok := s.acquireProcessSlot(w)
	if !ok {
		return
	}
	defer release()

	in := models.IngestRequest{Bucket: req.Bucket, Key: req.Key}
	res, err := s.processor.Process(r.Context(), in, models.TriggerDirect)
	if err != nil {
		apiErr := ingesterrors.ToAPIError(err)
		if apiErr.Details == nil {
			apiErr.Details = map[string]any{}
		}
		apiErr.Details["file"] = in.URI()
		if res.RunID != "" {
			apiErr.Details["runId"] = res.RunID
		}
		writeJSON(w, statusForKind(ingesterrors.KindOf(err)), models.ErrorResponse{Status: "error", Error: apiErr})
		return
	}

	writeJSON(w, http.StatusOK, models.ProcessResponse{
		Status:  "success",
		Message: fmt.Sprintf("Processed %d features", res.Rows),
		File:    in.URI(),
		Table:   res.Table,
		Rows:    res.Rows,
		RunID:   res.RunID,
	})
}

func validationDetails(err error) map[string]any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]any{"error": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return map[string]any{"fields": fields}
}
