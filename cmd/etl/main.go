package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/wildfire-etl/internal/adapter/firms"
	httpadapter "github.com/couchcryptid/wildfire-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/wildfire-etl/internal/adapter/kafka"
	"github.com/couchcryptid/wildfire-etl/internal/adapter/postgres"
	"github.com/couchcryptid/wildfire-etl/internal/adapter/power"
	"github.com/couchcryptid/wildfire-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/wildfire-etl/internal/config"
	"github.com/couchcryptid/wildfire-etl/internal/domain"
	"github.com/couchcryptid/wildfire-etl/internal/observability"
	"github.com/couchcryptid/wildfire-etl/internal/pipeline"
	"github.com/couchcryptid/wildfire-etl/internal/scheduler"
)

// store is what both persistence drivers provide.
type store interface {
	pipeline.Store
	httpadapter.ReadStore
	Close() error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	logger.Info("store opened", "driver", cfg.StoreDriver)

	feed := firms.NewClient(cfg.FIRMSURL, cfg.FeedTimeout, logger)

	var weather power.Fetcher = power.NewClient(cfg.PowerBaseURL, cfg.PowerCommunity, cfg.PowerTimeout, metrics, logger)
	if cfg.PowerCacheSize > 0 {
		weather = power.NewCachedFetcher(weather, cfg.PowerCacheSize, metrics)
		logger.Info("weather payload cache enabled", "cache_size", cfg.PowerCacheSize)
	}

	opts := pipeline.Options{
		Region:                cfg.Region,
		HalfWindow:            cfg.WeatherHalfWindow,
		Parameters:            domain.DefaultParameters,
		Concurrency:           cfg.WeatherConcurrency,
		DropUnknownConfidence: cfg.DropUnknownConfidence(),
		RetryLookback:         cfg.EnrichRetryLookback,
	}

	// Initialize event sink (feature-flagged via KAFKA_BROKERS).
	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled() {
		writer = kafkaadapter.NewWriter(cfg, logger)
		opts.Publisher = writer
		logger.Info("kafka event sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka event sink disabled")
	}

	p := pipeline.New(feed, weather, db, opts, clockwork.NewRealClock(), logger, metrics)

	sched, err := scheduler.NewDaily(scheduler.Options{
		Hours:      cfg.ScheduleHours,
		RunOnStart: cfg.RunOnStart,
	}, func(ctx context.Context) {
		// Run logs its own outcome.
		_, _ = p.Run(ctx)
	}, clockwork.NewRealClock(), logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, db, logger)

	sched.Start(ctx)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	if cfg.StoreDriver == config.DriverSQLite {
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return s, nil
}
