// Command virtuous-cycle runs the Virtuous Cycle orchestrator as a
// standalone process: it wires C1 through C8 from environment-driven
// configuration, starts the background poller/scorer/monitor/coordinator
// tasks, and serves the control surface over HTTP.
//
// Environment Variables (see vcconfig.Config for the full list and defaults):
//
//	VC_OBSERVABILITY_BASE_URL  - observability API base URL (required)
//	VC_OBSERVABILITY_API_KEY   - observability API key header value (required)
//	VC_OBSERVABILITY_ORG_ID    - observability organization id header value (required)
//	VC_HTTP_PORT               - control surface port (default: 8080)
//	VC_LEARNING_REDIS_URL      - optional Redis mirror of learning-store patterns
//	VC_TELEMETRY_ENABLED       - enable OpenTelemetry metrics/tracing export
//	VC_ALERT_WEBHOOK_URL       - optional webhook sink for alerts
//
// Example usage:
//
//	export VC_OBSERVABILITY_BASE_URL="https://observability.internal"
//	export VC_OBSERVABILITY_API_KEY="..."
//	export VC_OBSERVABILITY_ORG_ID="..."
//	go run ./cmd/virtuous-cycle
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/TheCreditPros/virtuous-cycle/alertbus"
	"github.com/TheCreditPros/virtuous-cycle/deployment"
	"github.com/TheCreditPros/virtuous-cycle/learningstore"
	"github.com/TheCreditPros/virtuous-cycle/monitor"
	"github.com/TheCreditPros/virtuous-cycle/optimizer"
	"github.com/TheCreditPros/virtuous-cycle/orchestrator"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
	"github.com/TheCreditPros/virtuous-cycle/traceclient"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
)

func main() {
	cfg, err := vcconfig.New()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger := telemetry.NewProductionLogger("virtuouscycle")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NoOpMetrics()
	if cfg.Telemetry.Enabled {
		m, err := telemetry.NewMetrics(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.ExporterKind, cfg.Telemetry.Endpoint)
		if err != nil {
			logger.Warn("failed to initialize metrics exporter, continuing without telemetry", map[string]interface{}{"error": err.Error()})
		} else {
			metrics = m
		}
		if tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.ExporterKind, cfg.Telemetry.Endpoint); err != nil {
			logger.Warn("failed to initialize tracer provider", map[string]interface{}{"error": err.Error()})
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	orch, err := build(ctx, cfg, logger, metrics)
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	mux := http.NewServeMux()
	orchestrator.NewHandler(orch, logger, cfg.HTTP.ControlRateLimit).RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         portAddr(cfg.HTTP.Port),
		Handler:      otelhttp.NewHandler(mux, "virtuouscycle.control_surface"),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("control surface listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", map[string]interface{}{"error": err.Error()})
		}
	}()

	runDone := make(chan struct{})
	go func() {
		if err := orch.Run(ctx); err != nil {
			logger.Error("orchestrator run exited with error", map[string]interface{}{"error": err.Error()})
		}
		close(runDone)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		logger.Warn("orchestrator did not drain within shutdown grace period", nil)
	}
}

// build constructs every C1-C7 component and wires them into an
// Orchestrator, following the "component ownership, not global state"
// design: each package owns its own constructor and the caller (here)
// assembles the dependency graph explicitly.
func build(ctx context.Context, cfg *vcconfig.Config, logger *telemetry.ProductionLogger, metrics *telemetry.Metrics) (*orchestrator.Orchestrator, error) {
	traceClient := traceclient.New(traceclient.Config{
		BaseURL:          cfg.TraceClient.BaseURL,
		APIKey:           cfg.TraceClient.APIKey,
		OrgID:            cfg.TraceClient.OrgID,
		RequestsPerMin:   cfg.TraceClient.RequestsPerMin,
		RequestTimeout:   cfg.TraceClient.RequestTimeout,
		DedupCapacity:    cfg.TraceClient.DedupCapacity,
		MaxRetryAttempts: cfg.TraceClient.MaxRetryAttempts,
		Mode:             traceclient.ModeProject,
	}, logger, metrics)

	bus := alertbus.New(cfg.AlertBus.QueueCapacity, cfg.AlertBus.Cooldown, logger, metrics)
	bus.AddSink(alertbus.NewLogSink(logger))
	if path := os.Getenv("VC_ALERT_FILE_SINK_PATH"); path != "" {
		bus.AddSink(alertbus.NewFileSink(path))
	}
	if url := os.Getenv("VC_ALERT_WEBHOOK_URL"); url != "" {
		webhookClient := &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
		bus.AddSink(alertbus.NewWebhookSink(url, webhookClient))
	}

	mon := monitor.New(cfg.Monitor, bus, logger, metrics)

	store, err := learningstore.Open(learningstore.Config{
		StoragePath: cfg.Learning.StoragePath,
		MinSupport:  cfg.Learning.MinSupport,
		MaxEntries:  cfg.Learning.MaxEntries,
		RedisURL:    cfg.Learning.RedisURL,
	}, logger)
	if err != nil {
		return nil, err
	}

	deployer, err := deployment.NewManager(cfg.Deployment, deployment.DefaultGoldenTraces(), logger, metrics)
	if err != nil {
		return nil, err
	}

	buffer := orchestrator.NewTraceBuffer(cfg.Optimization.TopNTraces * 4)
	engine := optimizer.New(cfg.Optimization, store, buffer, deployer, bus, logger, metrics)

	return orchestrator.New(cfg, traceClient, buffer, mon, bus, store, engine, deployer, logger, metrics), nil
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}
