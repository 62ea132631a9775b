package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/apathy-ca/sark-sub006/internal/adapter/outbound/cel"
	"github.com/apathy-ca/sark-sub006/internal/adapter/outbound/grpccall"
	"github.com/apathy-ca/sark-sub006/internal/adapter/outbound/httpcall"
	"github.com/apathy-ca/sark-sub006/internal/adapter/outbound/mcpconn"
	"github.com/apathy-ca/sark-sub006/internal/adapter/outbound/memory"
	redisstore "github.com/apathy-ca/sark-sub006/internal/adapter/outbound/redis"
	"github.com/apathy-ca/sark-sub006/internal/adapter/outbound/siem"
	"github.com/apathy-ca/sark-sub006/internal/adapter/outbound/sqlite"
	"github.com/apathy-ca/sark-sub006/internal/config"
	"github.com/apathy-ca/sark-sub006/internal/domain/budget"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
	"github.com/apathy-ca/sark-sub006/internal/domain/ratelimit"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
	"github.com/apathy-ca/sark-sub006/internal/service"
)

var (
	catalogPath     string
	bundlePath      string
	keysPath        string
	telemetryStdout bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	Long: `Run the sark gateway.

The gateway loads the resource catalog, the policy bundle, and the API
key file, connects the shared store if configured, and governs tool
invocations until it receives SIGINT or SIGTERM, at which point it
drains the audit and SIEM queues and exits.

Catalog and bundle files are polled and hot-reload on change.

Examples:
  # Run with config file settings
  sark run --catalog catalog.yaml --bundle bundle.yaml --keys keys.yaml

  # Run with a specific config file
  sark --config /etc/sark/sark.yaml run --catalog catalog.yaml --bundle bundle.yaml`,
	RunE: runGateway,
}

func init() {
	runCmd.Flags().StringVar(&catalogPath, "catalog", "", "resource catalog file (required)")
	runCmd.Flags().StringVar(&bundlePath, "bundle", "", "policy bundle file (required)")
	runCmd.Flags().StringVar(&keysPath, "keys", "", "API key file")
	runCmd.Flags().BoolVar(&telemetryStdout, "telemetry-stdout", false, "export traces and metrics to stdout (local diagnostics)")
	_ = runCmd.MarkFlagRequired("catalog")
	_ = runCmd.MarkFlagRequired("bundle")
	rootCmd.AddCommand(runCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("sark stopped")
	return nil
}

// run wires the gateway together and blocks until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New(prometheus.NewRegistry())

	var tracer trace.Tracer
	if telemetryStdout {
		shutdown, tr, err := setupTelemetry(logger)
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		defer shutdown()
		tracer = tr
	}

	// Principal resolution: API keys always, JWT when a verification key
	// is configured.
	keyStore := memory.NewKeyStore()
	if keysPath != "" {
		loaded, err := memory.LoadKeysFile(keysPath)
		if err != nil {
			return fmt.Errorf("load key file: %w", err)
		}
		keyStore = loaded
	}
	var jwtResolver principal.Resolver
	if cfg.Auth.JWTPublicKeyPath != "" {
		r, err := principal.NewJWTResolver(
			cfg.Auth.JWTPublicKeyPath, cfg.Auth.Issuer, cfg.Auth.Audience, logger,
			principal.WithKeyRefreshInterval(time.Duration(cfg.Auth.KeyRefreshSeconds)*time.Second),
		)
		if err != nil {
			return fmt.Errorf("jwt resolver: %w", err)
		}
		jwtResolver = r
	}
	authn := service.NewAuthnService(principal.NewAPIKeyResolver(keyStore), jwtResolver)

	// Shared store. Empty addr runs local-only: in-process rate limiting
	// and budget ledger, no shared decision cache tier.
	var sharedLimiter, fallbackLimiter ratelimit.Limiter
	var ledger budget.Ledger
	var pdpOpts []service.PDPOption
	if cfg.Redis.Addr != "" {
		client, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("shared store: %w", err)
		}
		defer func() { _ = client.Close() }()

		sharedLimiter = redisstore.NewRateLimiter(client)
		if cfg.RateLimit.FallbackQuota > 0 {
			fallbackLimiter = memory.NewRateLimiter()
		}
		ledger = redisstore.NewBudgetLedger(client)
		pdpOpts = append(pdpOpts, service.WithSharedCache(
			redisstore.NewDecisionCache(client), cfg.DecisionCache.SharedRolloutPercent))
		logger.Info("shared store connected", "addr", cfg.Redis.Addr)
	} else {
		sharedLimiter = memory.NewRateLimiter()
		ledger = memory.NewBudgetLedger()
		logger.Warn("no shared store configured, rate limits and budgets are per-process")
	}

	window := time.Duration(cfg.RateLimit.DefaultWindowSeconds) * time.Second
	rateLimiter := service.NewRateLimitService(
		sharedLimiter, fallbackLimiter,
		ratelimit.Config{Limit: cfg.RateLimit.DefaultLimit, Window: window},
		ratelimit.Config{Limit: cfg.RateLimit.FallbackQuota, Window: window},
		m, logger,
	)

	// Policy decision point.
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("condition evaluator: %w", err)
	}
	pdp := service.NewPDP(evaluator, cfg.DecisionCache.LocalCapacity,
		cfg.CacheTTL(), cfg.PDPTimeout(), m, logger, pdpOpts...)

	// Audit trail: bounded queue in front of the SQLite store, SIEM
	// fan-out subscribed to the writer's batches.
	auditStore, err := sqlite.NewAuditStore(cfg.Audit.StorePath)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	emitter := service.NewAuditEmitter(auditStore,
		cfg.Audit.QueueCapacity, cfg.Audit.BatchSize,
		time.Duration(cfg.Audit.FlushMS)*time.Millisecond, m, logger)

	breakerSettings := service.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownMS) * time.Millisecond,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	}

	fanout := buildFanout(cfg, breakerSettings, m, logger)
	if fanout != nil {
		emitter.Subscribe(fanout.Offer)
		fanout.Start()
	}
	emitter.Start()

	// Catalog and bundle, polled from disk.
	catalog, err := memory.LoadCatalogFile(catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	registrySvc := service.NewRegistryService(catalog,
		time.Duration(cfg.Registry.RefreshSeconds)*time.Second, logger)
	if err := registrySvc.Start(ctx); err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}
	defer registrySvc.Close()

	loader := service.NewBundleLoader(memory.NewFileBundleStore(bundlePath), pdp, emitter,
		time.Duration(cfg.PDP.BundlePollSeconds)*time.Second, logger)
	if err := loader.Start(ctx); err != nil {
		return fmt.Errorf("bundle loader: %w", err)
	}
	defer loader.Close()

	// Protocol adapters behind breakers, semaphores, and retries.
	dispatcher := service.NewDispatcher(breakerSettings, service.RetrySettings{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
	}, m, emitter, logger)
	for _, adapter := range []outbound.Adapter{
		mcpconn.New(logger),
		httpcall.New(logger),
		grpccall.New(logger),
	} {
		if err := dispatcher.Register(ctx, adapter); err != nil {
			return fmt.Errorf("register %s adapter: %w", adapter.Protocol(), err)
		}
	}

	cost := service.NewCostService(ledger, budget.DefaultRates, budget.Limits{
		Daily:   cfg.Budget.DailyCeiling,
		Monthly: cfg.Budget.MonthlyCeiling,
	}, logger)

	drainers := []func(time.Duration) error{emitter.Drain}
	if fanout != nil {
		drainers = append(drainers, fanout.Drain)
	}

	gateway := service.NewPipeline(service.PipelineDeps{
		Authn:           authn,
		Registry:        registrySvc,
		RateLimit:       rateLimiter,
		PDP:             pdp,
		Cost:            cost,
		Dispatcher:      dispatcher,
		Emitter:         emitter,
		Metrics:         m,
		Logger:          logger,
		Tracer:          tracer,
		DefaultDeadline: cfg.RequestDeadline(),
		Retention:       time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
		Environment:     cfg.Environment,
		Drainers:        drainers,
	})

	resources, _ := gateway.ListResources(ctx)
	logger.Info("sark ready",
		"environment", cfg.Environment,
		"bundle_version", pdp.BundleVersion(),
		"resources", len(resources),
		"siem_sinks", len(cfg.SIEM),
	)

	<-ctx.Done()

	logger.Info("shutting down, draining queues")
	if err := gateway.Drain(30 * time.Second); err != nil {
		logger.Error("drain incomplete", "error", err)
	}
	return nil
}

// buildFanout constructs the SIEM fan-out from config, or nil when no sinks
// are configured.
func buildFanout(cfg *config.Config, breaker service.BreakerSettings, m *metrics.Metrics, logger *slog.Logger) *service.SIEMFanout {
	if len(cfg.SIEM) == 0 {
		return nil
	}
	sinks := make([]outbound.Sink, 0, len(cfg.SIEM))
	settings := make(map[string]service.SinkSettings, len(cfg.SIEM))
	for name, sc := range cfg.SIEM {
		var sink outbound.Sink
		switch sc.Type {
		case "logs_api":
			sink = siem.NewLogsAPISink(name, sc.Endpoint, sc.Auth, sc.CompressionThreshold)
		default:
			sink = siem.NewHECSink(name, sc.Endpoint, sc.Auth, sc.CompressionThreshold)
		}
		sinks = append(sinks, sink)
		settings[name] = service.SinkSettings{
			BatchSize:     sc.BatchSize,
			FlushInterval: time.Duration(sc.FlushMS) * time.Millisecond,
			RetryMax:      sc.RetryMax,
			Breaker:       breaker,
		}
	}
	return service.NewSIEMFanout(sinks, settings, m, logger)
}

// setupTelemetry wires stdout exporters for spans and metrics. Intended for
// local diagnostics, not production export.
func setupTelemetry(logger *slog.Logger) (func(), trace.Tracer, error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(time.Minute))))

	started := time.Now()
	meter := mp.Meter("sark")
	if _, err := meter.Int64ObservableGauge("sark.uptime_seconds",
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(time.Since(started).Seconds()))
			return nil
		})); err != nil {
		return nil, nil, err
	}

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("trace exporter shutdown", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			logger.Warn("metric exporter shutdown", "error", err)
		}
	}
	return shutdown, tp.Tracer("sark"), nil
}

// parseLogLevel maps the configured level string to a slog level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
