// Package api exposes the orchestrator's HTTP surface: scan lifecycle
// management for operators, the callback ingress for collectors, and a
// server-sent-events stream for live progress.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/dbsweep/dbsweep/internal/app/scanning"
	"github.com/dbsweep/dbsweep/internal/domain/events"
	"github.com/dbsweep/dbsweep/pkg/common"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
	"github.com/dbsweep/dbsweep/pkg/common/otel"
)

// Config carries the dependencies and settings for the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// CallbackToken is the shared secret collectors must present on callback
	// requests. Collectors are loosely trusted: the token gates the ingress
	// but payload content is still never trusted blindly.
	CallbackToken string

	// CallbackRPS and CallbackBurst bound per-collector callback throughput.
	CallbackRPS   float64
	CallbackBurst int

	// Readiness reports whether downstream dependencies can serve traffic.
	Readiness func(ctx context.Context) error

	Scans   *appscanning.ScanLifecycleService
	Tracker *appscanning.CollectorTracker
	Broker  events.Broker

	Logger *logger.Logger
	Tracer trace.Tracer
}

// Server is the orchestrator's HTTP front end.
type Server struct {
	cfg     Config
	logger  *logger.Logger
	tracer  trace.Tracer
	router  *chi.Mux
	scans   *appscanning.ScanLifecycleService
	tracker *appscanning.CollectorTracker
	broker  events.Broker

	callbackLimiter *common.KeyedRateLimiter
}

// NewServer wires the router, middleware stack and routes.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(cfg.Tracer))
	r.Use(loggerMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
	}))

	s := &Server{
		cfg:             cfg,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		router:          r,
		scans:           cfg.Scans,
		tracker:         cfg.Tracker,
		broker:          cfg.Broker,
		callbackLimiter: common.NewKeyedRateLimiter(cfg.CallbackRPS, cfg.CallbackBurst),
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.handleCreateScan)
			r.Get("/", s.handleListScans)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScan)
				r.Post("/start", s.handleStartScan)
				r.Post("/stop", s.handleStopScan)
				r.Post("/inspect", s.handleTriggerInspection)
				r.Get("/events", s.handleScanEvents)

				r.Route("/callbacks", func(r chi.Router) {
					r.Use(s.callbackAuth)
					r.Post("/progress", s.handleProgressCallback)
					r.Post("/complete", s.handleCompleteCallback)
				})
			})
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Readiness != nil {
		if err := s.cfg.Readiness(r.Context()); err != nil {
			s.logger.Error(r.Context(), "readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server",
		"addr", server.Addr,
		"service", "orchestrator",
	)

	return server.ListenAndServe()
}
