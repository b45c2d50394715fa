package config

import "time"

const (
	ProcessingModeServer     = "server"
	ProcessingModeSingleFile = "single_file"
)

type Config struct {
	Addr      string
	DataDir   string
	LogFormat string
	LogLevel  string
	APIToken  string

	ProcessingMode string

	AWSRegion        string
	S3Endpoint       string
	S3ForcePathStyle bool
	S3Bucket         string
	S3Key            string
	MaxObjectBytes   int64

	DBSecretARN       string
	DatabaseURL       string
	SecretCacheTTL    time.Duration
	DBCredentialsTTL  time.Duration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime time.Duration

	LedgerBackend     string
	LedgerDatabaseURL string

	// LedgerRetention prunes finished runs older than this; 0 keeps them.
	LedgerRetention time.Duration

	TablePrefix         string
	RejectEmptyFeatures bool
	StageTimeout        time.Duration

	SQSQueueURL    string
	SQSConcurrency int
	EventKeySuffix string

	ProcessMaxConcurrent int
	RateLimitRPS         float64
	RateLimitBurst       int
}
