package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chime/internal/attachments"
	"chime/internal/chat"
	"chime/internal/config"
	"chime/internal/httpapi"
	"chime/internal/metrics"
	"chime/internal/providers/registry"
	"chime/internal/ratelimit"
	"chime/internal/secrets"
	"chime/internal/seed"
	"chime/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("storage_driver", cfg.Storage.Driver).
		Bool("rate_limit", cfg.Redis.Addr != "" && cfg.Chat.RateLimitPerHour > 0).
		Msg("starting chime")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	sealer, err := secrets.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sealer")
	}

	if cfg.Seed.OnStart {
		if err := seed.Run(ctx, seed.Config{
			Store:   store,
			Sealer:  sealer,
			APIKeys: cfg.Seed.APIKeys,
			Logger:  log.Logger.With().Str("component", "seed").Logger(),
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to seed providers")
		}
	}

	m := metrics.Global()
	resolver, err := registry.NewResolver(ctx, registry.ResolverConfig{
		Catalog:    store,
		Keys:       secrets.NewKeyStore(store, sealer),
		HTTPClient: &http.Client{Timeout: cfg.Upstream.Timeout},
		Logger:     log.Logger,
		Metrics:    m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize provider resolver")
	}
	log.Info().Str("default_provider", resolver.DefaultProvider().Name).Msg("provider resolver ready")

	files, err := newFileStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize file storage")
	}

	var limiter chat.Limiter
	if cfg.Redis.Addr != "" && cfg.Chat.RateLimitPerHour > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		limiter = ratelimit.New(rdb, cfg.Chat.RateLimitPerHour)
	}

	svc := chat.NewService(chat.Config{
		Store:     store,
		Resolver:  resolver,
		Files:     files,
		Limiter:   limiter,
		HardLimit: cfg.Chat.TokenHardLimit,
		WarnLimit: cfg.Chat.TokenWarnLimit,
		ChunkSize: cfg.Chat.StreamChunkSize,
		Logger:    log.Logger.With().Str("component", "chat").Logger(),
		Metrics:   m,
	})

	httpServer := &http.Server{
		Addr: cfg.HTTP.ListenAddr,
		Handler: httpapi.NewHandler(httpapi.Config{
			Chat:           svc,
			Catalog:        store,
			JWTSecret:      cfg.Auth.JWTSecret,
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
			HealthPath:     cfg.HTTP.HealthPath,
			MetricsPath:    cfg.HTTP.MetricsPath,
			Ping:           store.Ping,
			Logger:         log.Logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func newFileStore(ctx context.Context, cfg config.StorageConfig) (attachments.FileStore, error) {
	switch cfg.Driver {
	case config.StorageS3:
		s3, err := attachments.NewS3Store(ctx, attachments.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return attachments.NewLocalStore(cfg.LocalDir), nil
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
