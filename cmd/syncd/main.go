package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskflow/internal/api"
	"taskflow/internal/config"
	"taskflow/internal/database"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/logging"
	"taskflow/internal/metrics"
	"taskflow/internal/repository"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	items, backups, cleanup, err := initStorage(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer cleanup()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	bus := events.NewEventBus()
	bus.Subscribe(events.EventItemChanged, func(e *events.Event) error {
		var p events.ItemEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		logger.Debug().Str("user_id", p.UserID).Str("item_id", p.ItemID).Str("operation", p.Operation).Msg("Item changed")
		return nil
	})

	deps := api.Deps{Items: items, Events: bus, Logger: &logger}
	if redisClient != nil {
		deps.Limiter = repository.NewRedisJournal(redisClient, cfg.Redis.KeyPrefix)
	}
	httpServer := api.NewHTTPServer(cfg.Server, deps)

	return serve(ctx, cfg, httpServer, backups, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

// initStorage opens the item store selected by database.driver. Backups are
// only available for SQLite.
func initStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.ItemStore, *database.BackupService, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg, err := database.NewPostgresStore(ctx, cfg.Database.Postgres.DSN(), logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to init postgres")
			return nil, nil, nil, err
		}
		logger.Info().Str("host", cfg.Database.Postgres.Host).Msg("Postgres connected")
		return pg, nil, pg.Close, nil
	default:
		db, err := database.NewDB(cfg.Database.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("Failed to init database")
			return nil, nil, nil, err
		}
		backups := database.NewBackupService(db.Path(), cfg.Backup, logger)
		return db, backups, func() { _ = db.Close() }, nil
	}
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("Redis connected")
	return redisClient
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	httpServer *api.HTTPServer,
	backups *database.BackupService,
	logger *zerolog.Logger,
) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.Start)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		port := cfg.Monitoring.PrometheusPort
		if port == 0 {
			port = 9090
		}
		g.Go(func() error { return startMetricsServer(gctx, port) })
	}

	if backups != nil {
		g.Go(func() error { return backups.Start(gctx) })
	}

	logger.Info().Int("http_port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("Sync service started")

	err := g.Wait()
	logger.Info().Msg("Sync service stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startMetricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
