package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/leavehub/backend/internal/config"
	"github.com/PortNumber53/leavehub/backend/internal/httpserver"
	"github.com/PortNumber53/leavehub/backend/internal/lemonsqueezy"
	"github.com/PortNumber53/leavehub/backend/internal/logging"
	"github.com/PortNumber53/leavehub/backend/internal/migrations"
	"github.com/PortNumber53/leavehub/backend/internal/seats"
	"github.com/PortNumber53/leavehub/backend/internal/store"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{})
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget(logger, cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create store")
	}

	billing := lemonsqueezy.NewClient(cfg.LemonSqueezyAPIKey,
		lemonsqueezy.WithBaseURL(cfg.LemonSqueezyAPIURL),
		lemonsqueezy.WithRateLimit(cfg.LemonSqueezyRateLimit),
		lemonsqueezy.WithLogger(logger.With().Str("component", "lemonsqueezy").Logger()),
	)

	opts := []seats.Option{
		seats.WithRecorder(st),
		seats.WithLogger(logger.With().Str("component", "seats").Logger()),
	}

	if cfg.RedisURL != "" {
		rdb, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		opts = append(opts, seats.WithLocker(seats.NewRedisLocker(rdb, cfg.SeatLockTTL)))
		logger.Info().Dur("ttl", cfg.SeatLockTTL).Msg("seat changes use the shared redis lock")
	} else {
		logger.Info().Msg("seat changes use an in-process lock; run a single replica or set REDIS_URL")
	}

	manager := seats.NewManager(st, billing, seats.Config{AnnualSeatPrice: cfg.AnnualSeatPrice}, opts...)

	if cfg.LemonSqueezyWebhookSecret == "" {
		logger.Warn().Msg("LEMONSQUEEZY_WEBHOOK_SECRET is not set; webhook deliveries will be rejected")
	}

	srv := httpserver.New(cfg, logger, db, manager, st, st)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func runMigrationsWithDirtyFix(db *sql.DB, logger zerolog.Logger) error {
	err := migrations.Up(db, logger)
	if err == nil {
		return nil
	}
	if !migrations.IsDirty(err) {
		return err
	}

	logger.Warn().Err(err).Msg("migrations: dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db, logger); fixErr != nil {
		logger.Error().Err(fixErr).Msg("migrations: failed to fix dirty database")
		return err
	}
	return migrations.Up(db, logger)
}

func logDBTarget(logger zerolog.Logger, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info().Err(err).Msg("db: configured (dsn parse error)")
		return
	}
	logger.Info().Str("host", u.Hostname()).Str("db", strings.TrimPrefix(u.Path, "/")).Msg("db: configured")
}
