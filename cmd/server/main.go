package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"geoingest/internal/app"
	"geoingest/internal/config"
	"geoingest/internal/logging"
	"geoingest/internal/version"
)

func main() {
	var cfg config.Config
	var showVersion bool

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&cfg.Addr, "addr", getEnv("ADDR", "0.0.0.0:8080"), "listen address")
	flag.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", "./data"), "data directory (sqlite run ledger)")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (text or json)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.APIToken, "api-token", getEnv("API_TOKEN", ""), "optional API token (X-Api-Token or Bearer)")
	flag.StringVar(&cfg.ProcessingMode, "processing-mode", getEnv("PROCESSING_MODE", config.ProcessingModeServer), "server or single_file")

	flag.StringVar(&cfg.AWSRegion, "aws-region", getEnv("AWS_REGION", "us-east-1"), "AWS region for S3, SQS and Secrets Manager")
	flag.StringVar(&cfg.S3Endpoint, "s3-endpoint", getEnv("S3_ENDPOINT", ""), "custom S3 endpoint (MinIO, LocalStack)")
	flag.BoolVar(&cfg.S3ForcePathStyle, "s3-force-path-style", getEnvBool("S3_FORCE_PATH_STYLE", false), "use path-style S3 addressing")
	flag.StringVar(&cfg.S3Bucket, "s3-bucket", getEnv("S3_BUCKET", ""), "default bucket for /process and single_file mode")
	flag.StringVar(&cfg.S3Key, "s3-key", getEnv("S3_KEY", ""), "object key processed in single_file mode")
	flag.Int64Var(&cfg.MaxObjectBytes, "max-object-bytes", getEnvInt64("MAX_OBJECT_BYTES", 0), "largest object fetched, in bytes (0=default 256 MiB)")

	flag.StringVar(&cfg.DBSecretARN, "db-secret-arn", getEnv("DB_SECRET_ARN", ""), "Secrets Manager secret holding PostGIS credentials")
	flag.StringVar(&cfg.DatabaseURL, "database-url", getEnv("DATABASE_URL", ""), "PostGIS connection string (used when no secret is configured)")
	flag.DurationVar(&cfg.SecretCacheTTL, "secret-cache-ttl", getEnvDuration("SECRET_CACHE_TTL", 0), "how long resolved credentials are cached (0=default 5m)")
	flag.DurationVar(&cfg.DBCredentialsTTL, "db-credentials-ttl", getEnvDuration("DB_CREDENTIALS_TTL", 0), "how long one PostGIS pool lives before credentials are re-resolved (0=default 15m)")
	flag.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", getEnvInt("DB_MAX_OPEN_CONNS", 0), "max open PostGIS connections (0=default)")
	flag.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", getEnvInt("DB_MAX_IDLE_CONNS", 0), "max idle PostGIS connections (0=default)")
	flag.DurationVar(&cfg.DBConnMaxIdleTime, "db-conn-max-idle-time", getEnvDuration("DB_CONN_MAX_IDLE_TIME", 0), "max PostGIS connection idle time (0=default)")

	flag.StringVar(&cfg.LedgerBackend, "ledger-backend", getEnv("LEDGER_BACKEND", "sqlite"), "run ledger backend (sqlite or postgres)")
	flag.StringVar(&cfg.LedgerDatabaseURL, "ledger-database-url", getEnv("LEDGER_DATABASE_URL", ""), "postgres connection string for the run ledger")
	flag.DurationVar(&cfg.LedgerRetention, "ledger-retention", getEnvDuration("LEDGER_RETENTION", 0), "delete finished runs older than this duration (0=keep forever)")

	flag.StringVar(&cfg.TablePrefix, "table-prefix", getEnv("TABLE_PREFIX", ""), "prefix for derived table names (empty=default geojson_)")
	flag.BoolVar(&cfg.RejectEmptyFeatures, "reject-empty-features", getEnvBool("REJECT_EMPTY_FEATURES", false), "treat an empty features array as a schema violation")
	flag.DurationVar(&cfg.StageTimeout, "stage-timeout", getEnvDuration("STAGE_TIMEOUT", 0), "per-stage pipeline timeout (0=default 60s)")

	flag.StringVar(&cfg.SQSQueueURL, "sqs-queue-url", getEnv("SQS_QUEUE_URL", ""), "SQS queue carrying S3 notifications (empty disables the consumer)")
	flag.IntVar(&cfg.SQSConcurrency, "sqs-concurrency", getEnvInt("SQS_CONCURRENCY", 0), "concurrent pipelines for queued notifications (0=default 4)")
	flag.StringVar(&cfg.EventKeySuffix, "event-key-suffix", getEnv("EVENT_KEY_SUFFIX", ""), "object key suffix accepted from events (default .geojson)")

	flag.IntVar(&cfg.ProcessMaxConcurrent, "process-max-concurrent", getEnvInt("PROCESS_MAX_CONCURRENT", 4), "max concurrent /process requests (0=unlimited)")
	flag.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", getEnvFloat("RATE_LIMIT_RPS", 0), "per-client requests per second on trigger endpoints (0=disabled)")
	flag.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", getEnvInt("RATE_LIMIT_BURST", 0), "per-client burst on trigger endpoints")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Version)
		return
	}

	logger, err := logging.Setup(cfg.LogFormat)
	if err != nil {
		log.Fatalf("invalid LOG_FORMAT %q: %v", cfg.LogFormat, err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid LOG_LEVEL %q: %v", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		logging.Fatalf("geoingest: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}
