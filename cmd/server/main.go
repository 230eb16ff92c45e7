package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/config"
	"github.com/openclaw/devicelink/internal/database"
	"github.com/openclaw/devicelink/internal/feed"
	"github.com/openclaw/devicelink/internal/handler"
	"github.com/openclaw/devicelink/internal/jobs"
	"github.com/openclaw/devicelink/internal/memstore"
	"github.com/openclaw/devicelink/internal/middleware"
	"github.com/openclaw/devicelink/internal/redis"
	"github.com/openclaw/devicelink/internal/repository"
	"github.com/openclaw/devicelink/internal/service"
)

// backend is the storage and fan-out stack selected by STORE_DRIVER.
type backend struct {
	connRepo    repository.ConnectionRepository
	contentRepo repository.ContentRepository
	transport   feed.Transport
	pinLimiter  middleware.Limiter
	healthCheck func(ctx context.Context) error
	closers     []io.Closer
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			log.Error().Err(err).Msg("failed to close backend resource")
		}
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var b *backend
	if cfg.UsesMemoryStore() {
		b = memoryBackend()
	} else {
		b = postgresBackend(cfg)
	}
	defer b.Close()

	broker := feed.NewBroker(b.transport)
	defer broker.Close()

	pairingService := service.NewPairingService(b.connRepo, broker, service.PairingConfig{
		PendingTTL: cfg.PendingTTL(),
		PinTTL:     cfg.PinTTL(),
	})
	contentService := service.NewContentService(b.contentRepo, pairingService, broker, cfg.MaxContentBytes)

	router := handler.NewRouter(handler.RouterDeps{
		Pairing:           pairingService,
		Content:           contentService,
		PinLimiter:        b.pinLimiter,
		PinAttemptsPerMin: cfg.PinAttemptsPerMin,
		PublicBaseURL:     cfg.PublicBaseURL,
		Production:        cfg.IsProduction(),
		HealthCheck:       b.healthCheck,
	})

	sweeper := jobs.NewSweeper("expired pending connections", pairingService, config.CleanupJobInterval)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("store", cfg.StoreDriver).
			Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Long-lived feeds only end once their subscriptions are closed.
	server.RegisterOnShutdown(broker.Close)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func memoryBackend() *backend {
	store := memstore.New()
	log.Info().Msg("using in-memory store")
	return &backend{
		connRepo:    store,
		contentRepo: store,
		transport:   feed.NewLocalTransport(),
		pinLimiter:  middleware.NewMemoryLimiter(),
	}
}

func postgresBackend(cfg *config.Config) *backend {
	ctx := context.Background()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	log.Info().Msg("database connected")

	migrateCtx, migrateCancel := context.WithTimeout(ctx, config.DBMigrateTimeout)
	if err := db.Migrate(migrateCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	migrateCancel()

	redisClient, err := redis.Dial(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	log.Info().Msg("redis connected")

	return &backend{
		connRepo:    repository.NewConnectionRepository(db.DB),
		contentRepo: repository.NewContentRepository(db),
		transport:   redis.NewFeedTransport(redisClient),
		pinLimiter:  middleware.NewRedisRateLimiter(redisClient.Client),
		healthCheck: func(ctx context.Context) error {
			return errors.Join(db.Ping(ctx), redisClient.Healthy(ctx))
		},
		closers: []io.Closer{db, redisClient},
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
