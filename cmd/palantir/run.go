package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/circuitbreaker"
	"github.com/eugener/palantir/internal/cloudauth"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/errclass"
	"github.com/eugener/palantir/internal/proxy"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/redisstore"
	"github.com/eugener/palantir/internal/reqfilter"
	"github.com/eugener/palantir/internal/selector"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/session"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/timewin"
	"github.com/eugener/palantir/internal/transform"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()

	// Calendar windows and Redis-backed shared state.
	clock := timewin.New(cfg.Timezone)
	redis := redisstore.Dial(ctx, cfg.Redis.URL, clock)
	defer redis.Close()
	slog.Info("shared state store", "redis_enabled", redis.Enabled(), "timezone", clock.Location().String())

	// Session tracking and quota guard.
	sessions := session.New(redis)
	guard := ratelimit.New(redis, sessions, clock, cfg.RateLimit.IsEnabled())
	slog.Info("rate limit guard", "enabled", cfg.RateLimit.IsEnabled())

	// Circuit breakers, preloaded for every configured provider.
	breakers := circuitbreaker.NewRegistry(redis)
	if providers, perr := store.ListProviders(ctx); perr == nil {
		breakers.Preload(ctx, providers)
		slog.Info("circuit breakers preloaded", "providers", len(providers))
	} else {
		slog.Warn("circuit breaker preload skipped", "error", perr)
	}

	// Error rules and request filters, snapshot-swapped on reload.
	classifier := errclass.NewClassifier()
	filters := reqfilter.NewEngine()
	reloader := worker.NewRuleReloader(store, classifier, filters)

	// Shared DNS cache for all upstream HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Upstream dispatch.
	registry := transform.NewRegistry()
	pool := selector.NewClientPool(dnsResolver)
	oauth := cloudauth.New(func(providerID string) cloudauth.Config {
		if p, err := store.GetProvider(ctx, providerID); err == nil && p.Type == gateway.ProviderGeminiCLI {
			return cloudauth.GoogleOAuth
		}
		return cloudauth.AnthropicOAuth
	})
	executor := selector.NewExecutor(registry, breakers, pool, oauth)
	sel := selector.New(breakers)

	// Accounting recorder (async batch flush to DB).
	recorder := worker.NewRequestRecorder(store)

	// Authentication.
	apiKeyAuth, err := auth.New(store)
	if err != nil {
		return err
	}

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, terr := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if terr != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", terr)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("palantir/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	// Relay pipeline.
	relay := proxy.NewHandler(proxy.Deps{
		Store:       store,
		Guard:       guard,
		Sessions:    sessions,
		Selector:    sel,
		Executor:    executor,
		Filters:     filters,
		Classifier:  classifier,
		Redis:       redis,
		Recorder:    recorder,
		Metrics:     metrics,
		GAThreshold: cfg.ClientVersionGAThreshold,
	})

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Relay:          relay,
		Store:          store,
		Sessions:       sessions,
		Breakers:       breakers,
		Classifier:     classifier,
		Filters:        filters,
		AdminToken:     cfg.Admin.Token,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		InvalidateAuth: apiKeyAuth.Invalidate,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Background workers.
	runner := worker.NewRunner(recorder, reloader)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale in-process breaker state.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := breakers.EvictStale(time.Now().Add(-24 * time.Hour)); n > 0 {
					slog.Info("circuit breaker eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("relay endpoints enabled",
		"endpoints", []string{
			"POST /v1/messages",
			"POST /v1/chat/completions",
			"POST /v1/responses",
			"POST /v1beta/models/{model}:generateContent",
			"POST /v1internal/models/{model}:generateContent",
		},
	)
	slog.Info("palantir ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("palantir stopped")
	return nil
}
