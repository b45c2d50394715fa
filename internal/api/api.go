package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"geoingest/internal/config"
	"geoingest/internal/events"
	"geoingest/internal/logging"
	"geoingest/internal/metrics"
	"geoingest/internal/ws"
)

type Dependencies struct {
	Config     config.Config
	Processor  Processor
	Dispatcher *events.Dispatcher
	Database   DatabaseProber
	Ledger     RunLedger
	Hub        *ws.Hub
	Metrics    *metrics.Metrics
	ServerAddr string
}

func New(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	hub := dep.Hub
	if hub == nil {
		hub = ws.NewHub()
	}
	dispatcher := dep.Dispatcher
	if dispatcher == nil && dep.Processor != nil {
		dispatcher = events.NewDispatcher(dep.Processor, events.NewFilter(dep.Config.EventKeySuffix), dep.Metrics)
	}

	api := &server{
		cfg:          dep.Config,
		processor:    dep.Processor,
		dispatcher:   dispatcher,
		database:     dep.Database,
		ledger:       dep.Ledger,
		hub:          hub,
		metrics:      dep.Metrics,
		validate:     newValidator(),
		serverAddr:   dep.ServerAddr,
		log:          logging.Default().With("api"),
		processLimit: newRequestLimiter(dep.Config.ProcessMaxConcurrent),
	}
	r.Use(api.observeRequests)

	rateLimit := newClientRateLimiter(dep.Config.RateLimitRPS, dep.Config.RateLimitBurst)

	r.Get("/health", api.handleHealth)
	r.Get("/status", api.handleStatus)
	r.Get("/healthz", api.handleHealthz)
	r.Get("/readyz", api.handleReadyz)
	r.Method(http.MethodGet, "/metrics", dep.Metrics.Handler())
	r.Get("/openapi.yml", serveOpenAPISpec)
	r.Get("/docs", serveOpenAPIDocs)

	r.Group(func(r chi.Router) {
		r.Use(api.requireAPIToken)
		r.Use(rateLimit.middleware)
		if api.processor != nil {
			r.Post("/process", api.handleProcess)
			r.Post("/events/s3", api.handleS3Event)
		}
	})

	apiRouter := chi.NewRouter()
	apiRouter.Use(api.requireAPIToken)
	apiRouter.Get("/meta", api.handleGetMeta)
	apiRouter.Get("/ws", api.handleWS)
	apiRouter.Get("/events", api.handleEventsSSE)
	if api.ledger != nil {
		apiRouter.Route("/runs", func(r chi.Router) {
			r.Get("/", api.handleListRuns)
			r.Get("/{runId}", api.handleGetRun)
		})
	}
	r.Mount("/api/v1", apiRouter)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("geoingest is running\n\nPOST /process {\"bucket\":\"...\",\"key\":\"...\"} to ingest a GeoJSON file; API docs at /docs\n"))
	})

	return r
}
