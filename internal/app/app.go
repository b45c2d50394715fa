package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"gorm.io/gorm"

	"geoingest/internal/api"
	"geoingest/internal/config"
	"geoingest/internal/db"
	"geoingest/internal/dirlock"
	"geoingest/internal/events"
	"geoingest/internal/geojson"
	"geoingest/internal/ingesterrors"
	"geoingest/internal/loader"
	"geoingest/internal/logging"
	"geoingest/internal/metrics"
	"geoingest/internal/models"
	"geoingest/internal/pipeline"
	"geoingest/internal/s3client"
	"geoingest/internal/secrets"
	"geoingest/internal/store"
	"geoingest/internal/version"
	"geoingest/internal/ws"
)

const (
	ledgerFileName         = "geoingest.db"
	interruptedRunMessage  = "interrupted by restart"
	retentionSweepInterval = time.Hour
	shutdownTimeout        = 10 * time.Second
)

// components is everything one process needs, in either processing mode.
type components struct {
	ledger    *store.Store
	connector *db.Connector
	pipeline  *pipeline.Pipeline
	hub       *ws.Hub
	metrics   *metrics.Metrics
	awsConfig aws.Config
}

func Run(ctx context.Context, cfg config.Config) error {
	applySafeDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return err
	}
	log := logging.Default().With("app")

	backend, err := db.ParseBackend(cfg.LedgerBackend)
	if err != nil {
		return err
	}
	if backend == db.BackendSQLite {
		lock, err := dirlock.Acquire(cfg.DataDir, cfg.ProcessingMode)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	ledgerDB, err := openLedger(cfg, backend)
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	defer closeGorm(ledgerDB)

	ledger, err := store.New(ledgerDB)
	if err != nil {
		return err
	}
	if n, err := ledger.MarkRunningRunsFailed(ctx, string(ingesterrors.KindUnknown), interruptedRunMessage); err != nil {
		return fmt.Errorf("recover run ledger: %w", err)
	} else if n > 0 {
		log.Warnf("marked %d interrupted run(s) as failed", n)
	}

	comp, err := buildComponents(ctx, cfg, ledger)
	if err != nil {
		return err
	}
	defer func() { _ = comp.connector.Close() }()

	log.Infof("geoingest %s starting (mode=%s ledger=%s credentials=%s)", version.Version, cfg.ProcessingMode, backend, credentialSource(cfg))

	if cfg.ProcessingMode == config.ProcessingModeSingleFile {
		return runSingleFile(ctx, cfg, comp)
	}
	return serve(ctx, cfg, comp)
}

func buildComponents(ctx context.Context, cfg config.Config, ledger *store.Store) (*components, error) {
	s3Opts := s3client.Options{
		Region:         cfg.AWSRegion,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
	}
	awsCfg, err := s3client.LoadAWSConfig(ctx, s3Opts)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	resolver, err := newResolver(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	connector := db.NewConnector(resolver, db.OpenPostgres, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		CredentialsTTL:  cfg.DBCredentialsTTL,
	})

	m := metrics.New()
	hub := ws.NewHub()
	pipe := pipeline.New(pipeline.Dependencies{
		Fetcher: s3client.NewFetcher(s3client.NewFromConfig(awsCfg, s3Opts), cfg.MaxObjectBytes),
		Loader:  loader.New(connector, loader.Options{TablePrefix: cfg.TablePrefix}),
		Ledger:  ledger,
		Hub:     hub,
		Metrics: m,
		Options: pipeline.Options{
			StageTimeout: cfg.StageTimeout,
			Validation:   geojson.Options{RejectEmptyFeatures: cfg.RejectEmptyFeatures},
		},
	})

	return &components{
		ledger:    ledger,
		connector: connector,
		pipeline:  pipe,
		hub:       hub,
		metrics:   m,
		awsConfig: awsCfg,
	}, nil
}

// newResolver prefers Secrets Manager; DATABASE_URL is the local fallback.
func newResolver(cfg config.Config, awsCfg aws.Config) (secrets.Resolver, error) {
	if cfg.DBSecretARN != "" {
		client := secretsmanager.NewFromConfig(awsCfg)
		return secrets.NewSecretsManagerResolver(client, cfg.DBSecretARN, cfg.SecretCacheTTL), nil
	}
	resolver, err := secrets.NewStaticResolver(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("DATABASE_URL: %w", err)
	}
	return resolver, nil
}

func runSingleFile(ctx context.Context, cfg config.Config, comp *components) error {
	log := logging.Default().With("app")
	req := models.IngestRequest{Bucket: cfg.S3Bucket, Key: cfg.S3Key}

	res, err := comp.pipeline.Process(ctx, req, models.TriggerSingleFile)
	if err != nil {
		log.Errorf("processing %s failed: %s", req.URI(), ingesterrors.FormatMessage(err.Error(), ingesterrors.KindOf(err)))
		return fmt.Errorf("process %s: %w", req.URI(), err)
	}
	log.Infof("processed %s: %d feature(s) into %s in %dms (run=%s)", req.URI(), res.Rows, res.Table, res.DurationMs, res.RunID)
	return nil
}

func serve(ctx context.Context, cfg config.Config, comp *components) error {
	log := logging.Default().With("app")

	dispatcher := events.NewDispatcher(comp.pipeline, events.NewFilter(cfg.EventKeySuffix), comp.metrics)

	var consumer *events.Consumer
	if cfg.SQSQueueURL != "" {
		consumer = events.NewConsumer(ctx, sqs.NewFromConfig(comp.awsConfig), dispatcher, events.ConsumerOptions{
			QueueURL:    cfg.SQSQueueURL,
			Concurrency: cfg.SQSConcurrency,
		}, comp.metrics)
		consumer.Start()
		log.Infof("consuming S3 notifications from %s (concurrency=%d)", cfg.SQSQueueURL, cfg.SQSConcurrency)
	}

	if cfg.LedgerRetention > 0 {
		go runRetention(ctx, comp.ledger, cfg.LedgerRetention)
	}

	handler := api.New(api.Dependencies{
		Config:     cfg,
		Processor:  comp.pipeline,
		Dispatcher: dispatcher,
		Database:   comp.connector,
		Ledger:     comp.ledger,
		Hub:        comp.hub,
		Metrics:    comp.metrics,
		ServerAddr: cfg.Addr,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on http://%s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	if consumer != nil {
		if err := consumer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("queue consumer shutdown: %v", err)
		}
	}
	return serveErr
}

func runRetention(ctx context.Context, ledger *store.Store, retention time.Duration) {
	log := logging.Default().With("retention")
	sweep := func() {
		n, err := ledger.DeleteFinishedRunsBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("prune run ledger: %v", err)
			}
			return
		}
		if n > 0 {
			log.Infof("pruned %d finished run(s) older than %s", n, retention)
		}
	}

	sweep()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func openLedger(cfg config.Config, backend db.Backend) (*gorm.DB, error) {
	switch backend {
	case db.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
		dbPath := filepath.Join(cfg.DataDir, ledgerFileName)
		gdb, err := db.Open(db.Config{Backend: backend, SQLitePath: dbPath})
		if err != nil {
			return nil, err
		}
		_ = os.Chmod(dbPath, 0o600)
		return gdb, nil
	case db.BackendPostgres:
		return db.Open(db.Config{Backend: backend, DatabaseURL: cfg.LedgerDatabaseURL})
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", backend)
	}
}

func closeGorm(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func credentialSource(cfg config.Config) string {
	switch {
	case cfg.DBSecretARN != "":
		return "secretsmanager"
	case cfg.DatabaseURL != "":
		return "database_url"
	default:
		return "none"
	}
}

func applySafeDefaults(cfg *config.Config) {
	cfg.ProcessingMode = strings.ToLower(strings.TrimSpace(cfg.ProcessingMode))
	if cfg.ProcessingMode == "" {
		cfg.ProcessingMode = config.ProcessingModeServer
	}
	if strings.TrimSpace(cfg.LedgerBackend) == "" {
		cfg.LedgerBackend = string(db.BackendSQLite)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	cfg.S3Key = strings.TrimPrefix(cfg.S3Key, "/")
	cfg.TablePrefix = strings.TrimSpace(cfg.TablePrefix)
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = loader.DefaultTablePrefix
	}

	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = s3client.DefaultMaxObjectBytes
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = pipeline.DefaultStageTimeout
	}
	if cfg.SecretCacheTTL <= 0 {
		cfg.SecretCacheTTL = secrets.DefaultCacheTTL
	}
	if cfg.DBCredentialsTTL <= 0 {
		cfg.DBCredentialsTTL = db.DefaultCredentialsTTL
	}
	cfg.DBMaxOpenConns = max(cfg.DBMaxOpenConns, 0)
	cfg.DBMaxIdleConns = max(cfg.DBMaxIdleConns, 0)
	cfg.DBConnMaxIdleTime = max(cfg.DBConnMaxIdleTime, 0)
	cfg.LedgerRetention = max(cfg.LedgerRetention, 0)

	if cfg.SQSConcurrency <= 0 {
		cfg.SQSConcurrency = events.DefaultConsumerConcurrency
	}
	if strings.TrimSpace(cfg.EventKeySuffix) == "" {
		cfg.EventKeySuffix = events.DefaultKeySuffix
	}
	cfg.ProcessMaxConcurrent = max(cfg.ProcessMaxConcurrent, 0)
	cfg.RateLimitRPS = max(cfg.RateLimitRPS, 0)
	cfg.RateLimitBurst = max(cfg.RateLimitBurst, 0)
}

func validateConfig(cfg config.Config) error {
	switch cfg.ProcessingMode {
	case config.ProcessingModeServer:
		if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
			return fmt.Errorf("invalid addr %q (expected host:port): %w", cfg.Addr, err)
		}
	case config.ProcessingModeSingleFile:
		if cfg.S3Bucket == "" || cfg.S3Key == "" {
			return errors.New("S3_BUCKET and S3_KEY are required when PROCESSING_MODE=single_file")
		}
	default:
		return fmt.Errorf("unsupported PROCESSING_MODE %q (expected server or single_file)", cfg.ProcessingMode)
	}
	if cfg.DBSecretARN == "" && cfg.DatabaseURL == "" {
		return errors.New("DB_SECRET_ARN or DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.AWSRegion) == "" {
		return errors.New("AWS_REGION is required")
	}
	return nil
}
