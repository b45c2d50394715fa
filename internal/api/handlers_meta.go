package api

import (
	"net/http"

	"geoingest/internal/models"
	"geoingest/internal/version"
)

func (s *server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	credentialSource := "none"
	switch {
	case s.cfg.DBSecretARN != "":
		credentialSource = "secretsmanager"
	case s.cfg.DatabaseURL != "":
		credentialSource = "database_url"
	}

	writeJSON(w, http.StatusOK, models.MetaResponse{
		Version:             version.Version,
		ServerAddr:          s.serverAddr,
		ProcessingMode:      s.cfg.ProcessingMode,
		S3Bucket:            s.cfg.S3Bucket,
		TablePrefix:         s.cfg.TablePrefix,
		RejectEmptyFeatures: s.cfg.RejectEmptyFeatures,
		StageTimeoutSeconds: int64(s.cfg.StageTimeout.Seconds()),
		QueueEnabled:        s.cfg.SQSQueueURL != "",
		EventKeySuffix:      s.cfg.EventKeySuffix,
		MaxObjectBytes:      s.cfg.MaxObjectBytes,
		APITokenEnabled:     s.cfg.APIToken != "",
		CredentialSource:    credentialSource,
		RateLimitRPS:        s.cfg.RateLimitRPS,
	})
}
