// Command seed loads the demo data set into the configured store without
// going through the HTTP API.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/config"
	"github.com/stall/backend/internal/logging"
	"github.com/stall/backend/internal/services"
	"github.com/stall/backend/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.IsProduction())
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	auth := services.NewSessionAuth(store, services.SessionOptions{Secret: cfg.JWTSecret}, logger)
	summary, err := services.NewSeedService(store, auth, logger).Seed(ctx)
	if err != nil {
		return err
	}

	logger.Info("done",
		zap.String("driver", cfg.StoreDriver),
		zap.Int("users", summary.Users),
		zap.Int("items", summary.Items),
	)
	return nil
}
