// Command pointsd serves the points ledger over HTTP and runs the expiration sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gopoints/internal/config"
	"github.com/mihaimyh/gopoints/pkg/api"
	"github.com/mihaimyh/gopoints/pkg/points"
	zerologadapter "github.com/mihaimyh/gopoints/pkg/points/logger/zerolog"
	prommetrics "github.com/mihaimyh/gopoints/pkg/points/metrics/prometheus"
	firestorestorage "github.com/mihaimyh/gopoints/storage/firestore"
	"github.com/mihaimyh/gopoints/storage/memory"
	"github.com/mihaimyh/gopoints/storage/postgres"
	redisstorage "github.com/mihaimyh/gopoints/storage/redis"
	"github.com/mihaimyh/gopoints/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pointsd: %v\n", err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg.Log)
	if err := run(cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("pointsd stopped")
	}
}

func newZerolog(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var zlog zerolog.Logger
	if cfg.Format == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "pointsd").Logger()
}

func run(cfg *config.Config, zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zlog)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, "gopoints")

	storage, closeStorage, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStorage()
	logger.Info("storage ready", points.Field{Key: "backend", Value: cfg.Storage.Backend})

	if cfg.Breaker.Enabled {
		cb := points.NewDefaultCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout,
			func(state points.CircuitBreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
				logger.Warn("circuit breaker state changed", points.Field{Key: "state", Value: string(state)})
			})
		storage = points.NewCircuitBreakerStorage(storage, cb)
	}

	users := newUserResolver(cfg.Users)
	if users != nil {
		logger.Info("user allow list enabled",
			points.Field{Key: "users", Value: len(cfg.Users.Allowed)},
			points.Field{Key: "cache_size", Value: cfg.Users.CacheSize},
		)
	}

	manager, err := points.NewManager(storage, users, points.Config{
		MaxExpiryHorizon: cfg.Ledger.MaxExpiryHorizon,
		OperationTimeout: cfg.Ledger.OperationTimeout,
		MaxRetries:       cfg.Ledger.MaxRetries,
		SweepBatchSize:   cfg.Sweep.BatchSize,
		SweepConcurrency: cfg.Sweep.Concurrency,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	sweeper := points.NewSweeper(manager, points.SweeperConfig{
		Interval:   cfg.Sweep.Interval,
		RunOnStart: cfg.Sweep.RunOnStart,
	})
	if cfg.Sweep.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	handler, err := api.NewHandler(api.Config{
		Manager: manager,
		Sweeper: sweeper,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(zlog))
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle(cfg.HTTP.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	handler.Register(r)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", points.Field{Key: "addr", Value: cfg.HTTP.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// openStorage builds the configured backend and a function releasing its resources
func openStorage(ctx context.Context, cfg config.StorageConfig) (points.Storage, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		if cfg.PostgresMaxConns > 0 {
			pgConfig.MaxConns = int32(cfg.PostgresMaxConns)
		}
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s, err := redisstorage.New(client, redisstorage.Config{
			KeyPrefix:  cfg.RedisKeyPrefix,
			HistoryTTL: cfg.RedisHistoryTTL,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil

	case config.BackendSQLite:
		sqliteConfig := sqlite.DefaultConfig()
		sqliteConfig.Path = cfg.SQLitePath
		s, err := sqlite.New(ctx, sqliteConfig)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestorestorage.New(client, firestorestorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

// requestLogger logs one line per request through zerolog
func requestLogger(zlog zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			zlog.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
