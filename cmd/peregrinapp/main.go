package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/jorgeolive/peregrinapp-backend/internal/identity"
	"github.com/jorgeolive/peregrinapp-backend/internal/server"
	"github.com/jorgeolive/peregrinapp-backend/pkg/config"
	"github.com/jorgeolive/peregrinapp-backend/pkg/geostore"
	"github.com/jorgeolive/peregrinapp-backend/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := geostore.NewRedisStore(logger, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.KeyPrefix, cfg.Presence.PositionTTL)
	defer store.Close()

	verifier := identity.NewJWTVerifier(cfg.Server.Auth.JWTSecret)

	var directory identity.Directory
	if cfg.Server.Directory.BaseURL != "" {
		directory = identity.NewHTTPDirectory(cfg.Server.Directory.BaseURL, cfg.Server.Directory.Timeout)
	} else {
		logger.Warn("No user directory configured; every token subject will be rejected")
		directory = identity.NewStaticDirectory()
	}

	app := server.NewApp(logger, ctx, cfg, store, verifier, directory)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
