package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dbsweep/dbsweep/internal/api"
	"github.com/dbsweep/dbsweep/internal/api/debug"
	appscanning "github.com/dbsweep/dbsweep/internal/app/scanning"
	"github.com/dbsweep/dbsweep/internal/config"
	"github.com/dbsweep/dbsweep/internal/config/fileloader"
	"github.com/dbsweep/dbsweep/internal/domain/events"
	"github.com/dbsweep/dbsweep/internal/infra/collectors"
	"github.com/dbsweep/dbsweep/internal/infra/eventbus/kafka"
	"github.com/dbsweep/dbsweep/internal/infra/eventbus/memory"
	"github.com/dbsweep/dbsweep/internal/infra/storage"
	discoveryStore "github.com/dbsweep/dbsweep/internal/infra/storage/discovery/postgres"
	profileStore "github.com/dbsweep/dbsweep/internal/infra/storage/profiles/postgres"
	scanningStore "github.com/dbsweep/dbsweep/internal/infra/storage/scanning/postgres"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
	"github.com/dbsweep/dbsweep/pkg/common/otel"
)

const serviceType = "orchestrator"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"pod":      os.Getenv("POD_NAME"),
		"app":      serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	if err := run(logg, hostname, svcName); err != nil {
		logg.Error(context.Background(), "orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logg *logger.Logger, hostname, svcName string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/dbsweep/orchestrator.yaml"
	}
	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tracer, telemetryTeardown, err := setupTelemetry(ctx, logg, svcName, hostname)
	if err != nil {
		return err
	}
	defer telemetryTeardown(context.Background())

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer pool.Close()

	if err := storage.RunMigrations(pool); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logg.Info(ctx, "Migrations applied successfully. Starting application...")

	broker, err := setupBroker(cfg, hostname, logg, tracer)
	if err != nil {
		return err
	}
	defer broker.Close()

	scanRepo := scanningStore.NewScanRunStore(pool, tracer)
	collectorRepo := scanningStore.NewCollectorStateStore(pool, tracer)
	discoveries := discoveryStore.NewStore(pool, tracer)
	profiles := profileStore.NewStore(pool, tracer)

	endpoints := make(map[string]collectors.Endpoint, len(cfg.Dispatch.Collectors))
	for name, ep := range cfg.Dispatch.Collectors {
		endpoints[name] = collectors.Endpoint{BaseURL: ep.BaseURL}
	}
	registry := collectors.NewRegistry(endpoints)
	dispatcher := collectors.NewHTTPDispatcher(registry, cfg.Dispatch.Timeout, logg, tracer)
	inspector := collectors.NewHTTPInspectionDispatcher(
		collectors.Endpoint{BaseURL: cfg.Dispatch.Inspector.BaseURL}, cfg.Dispatch.Timeout, logg, tracer)

	metrics, err := appscanning.NewOrchestratorMetrics(otelglobal.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	broadcaster := appscanning.NewProgressBroadcaster(broker, logg, metrics, tracer)
	aggregator := appscanning.NewCompletionAggregator(scanRepo, collectorRepo, discoveries, broadcaster, logg, tracer)
	tracker := appscanning.NewCollectorTracker(scanRepo, collectorRepo, discoveries, aggregator, broadcaster, logg, metrics, tracer)
	scans := appscanning.NewScanLifecycleService(
		scanRepo, collectorRepo, profiles, dispatcher, inspector, aggregator, broadcaster,
		appscanning.NewCallbackURLs(cfg.Callbacks.BaseURL), logg, metrics, tracer,
	)

	server := api.NewServer(api.Config{
		Addr:            cfg.Web.Addr,
		ReadTimeout:     cfg.Web.ReadTimeout,
		WriteTimeout:    cfg.Web.WriteTimeout,
		IdleTimeout:     cfg.Web.IdleTimeout,
		ShutdownTimeout: cfg.Web.ShutdownTimeout,
		CallbackToken:   cfg.Callbacks.Token,
		CallbackRPS:     cfg.Callbacks.RPS,
		CallbackBurst:   cfg.Callbacks.Burst,
		Readiness:       pool.Ping,
		Scans:           scans,
		Tracker:         tracker,
		Broker:          broker,
		Logger:          logg,
		Tracer:          tracer,
	})

	debugMux, err := debug.Mux()
	if err != nil {
		return fmt.Errorf("failed to build debug mux: %w", err)
	}
	go func() {
		logg.Info(ctx, "starting debug server", "addr", cfg.Web.DebugAddr)
		if err := http.ListenAndServe(cfg.Web.DebugAddr, debugMux); err != nil {
			logg.Error(ctx, "debug server stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()
		<-errCh
		return nil

	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// setupTelemetry initializes the OTLP exporters when an endpoint is
// configured, and falls back to a no-op tracer for local runs.
func setupTelemetry(ctx context.Context, logg *logger.Logger, svcName, hostname string) (trace.Tracer, func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		logg.Info(ctx, "OTEL_EXPORTER_OTLP_ENDPOINT not set, telemetry disabled")
		return noop.NewTracerProvider().Tracer(serviceType), func(context.Context) {}, nil
	}

	prob := 0.05
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse OTEL_SAMPLING_RATIO: %w", err)
		}
		prob = parsed
	}

	tp, teardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return tp.Tracer(serviceType), teardown, nil
}

// setupBroker selects the event broker implementation. Memory serves a
// single instance; Kafka mirrors events across instances so SSE clients can
// connect to any of them.
func setupBroker(cfg *config.Config, hostname string, logg *logger.Logger, tracer trace.Tracer) (events.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerKindKafka:
		broker, err := kafka.ConnectWithRetry(&kafka.Config{
			Brokers:  cfg.Broker.Kafka.Brokers,
			Topic:    cfg.Broker.Kafka.Topic,
			GroupID:  cfg.Broker.Kafka.GroupID,
			ClientID: fmt.Sprintf("%s-%s", serviceType, hostname),
		}, logg, tracer)
		if err != nil {
			return nil, fmt.Errorf("failed to connect kafka broker: %w", err)
		}
		return broker, nil

	case config.BrokerKindMemory:
		return memory.NewBroker(), nil

	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
