package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nullifier/internal/nullification/cache"
	"nullifier/internal/nullification/events"
	"nullifier/internal/nullification/handler"
	"nullifier/internal/nullification/metrics"
	"nullifier/internal/nullification/mirror"
	"nullifier/internal/nullification/ports"
	"nullifier/internal/nullification/registry"
	"nullifier/internal/nullification/service"
	"nullifier/internal/platform/config"
	"nullifier/internal/platform/httpserver"
	"nullifier/internal/platform/logger"
	platformmetrics "nullifier/internal/platform/metrics"
	"nullifier/internal/platform/redis"
	"nullifier/pkg/platform/circuit"
	"nullifier/pkg/platform/httputil"
	"nullifier/pkg/platform/middleware/admin"
)

// main wires the registry client, mirror, cache and facade, exposes them over HTTP,
// and keeps the mirror refreshed until the process is signalled.
func main() {
	cfg, err := config.Load(os.Getenv("NULLIFIER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	store, closeStore, err := buildStore(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer closeStore()

	breaker := circuit.New("registry",
		circuit.WithFailureThreshold(cfg.Registry.BreakerFailures),
		circuit.WithCooldown(cfg.Registry.BreakerCooldown),
	)
	client, err := registry.NewHTTPClient(cfg.Registry.URL,
		registry.WithBreaker(breaker),
		registry.WithLogger(log),
		registry.WithTimeout(cfg.Registry.Timeout),
		registry.WithRetries(cfg.Registry.Retries),
		registry.WithBearerToken(cfg.Registry.BearerToken),
	)
	if err != nil {
		return err
	}

	mirrorOpts := []mirror.Option{
		mirror.WithStore(store),
		mirror.WithPageSize(cfg.Mirror.PageSize),
		mirror.WithMaxAge(cfg.Cache.MaxAge),
		mirror.WithLogger(log),
		mirror.WithMetrics(m),
	}
	if cfg.Mirror.PageRate > 0 {
		mirrorOpts = append(mirrorOpts, mirror.WithPageRate(cfg.Mirror.PageRate, cfg.Mirror.PageBurst))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, events.WithLogger(log))
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := publisher.Flush(flushCtx); err != nil {
				log.Warn("flush mirror events", "error", err)
			}
			publisher.Close()
		}()
		if err := publisher.EnsureTopic(ctx, 1, 1); err != nil {
			log.Warn("ensure mirror event topic", "topic", publisher.Topic(), "error", err)
		}
		mirrorOpts = append(mirrorOpts, mirror.WithPublisher(publisher))
	}

	mir, err := mirror.New(client, cfg.Registry.Address, mirrorOpts...)
	if err != nil {
		return err
	}
	defer mir.Wait()

	svc, err := service.New(mir, client, service.WithLogger(log), service.WithMetrics(m))
	if err != nil {
		return err
	}
	// Local checks fail open until the first sync succeeds; the refresh loop retries.
	if err := svc.Initialize(ctx); err != nil {
		log.Warn("initial mirror sync failed", "registry", cfg.Registry.Address, "error", err)
	}
	mir.StartAutoRefresh(ctx, cfg.Mirror.AutoRefresh)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(platformmetrics.NewHTTP(promRegistry).Middleware)

	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		stats := svc.Stats()
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"state":   stats.State,
			"isStale": stats.IsStale,
		})
	})
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	h := handler.New(svc, log)
	h.Register(router)
	if cfg.Admin.SigningKey != "" {
		h.RegisterAdmin(router, admin.NewTokens(cfg.Admin.SigningKey, cfg.Admin.Issuer))
	} else {
		log.Warn("admin signing key not set; admin routes disabled")
	}

	srv := httpserver.New(cfg.Server.Addr, router)
	return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)
}

// buildStore selects the snapshot store backend.
func buildStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (ports.CacheStore, func(), error) {
	noop := func() {}
	switch cfg.Cache.Backend {
	case config.BackendFile:
		store, err := cache.NewFileStore(cfg.Cache.Dir, cache.WithFileMetrics(m))
		return store, noop, err
	case config.BackendRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		store := cache.NewRedisStore(client.Client,
			cache.WithRetention(cfg.Cache.Retention),
			cache.WithRedisMetrics(m),
		)
		return store, func() { _ = client.Close() }, nil
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store := cache.NewPostgresStore(db, cache.WithPostgresMetrics(m))
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return cache.NewMemoryStore(cache.WithMemoryMetrics(m)), noop, nil
	}
}
