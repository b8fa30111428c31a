package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/config"
	"github.com/stall/backend/internal/handlers"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := storage.Open(openCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	if cfg.IsProduction() && cfg.JWTSecret == "your-secret-key-change-in-production" {
		logger.Warn("JWT_SECRET is the development default")
	}

	// Initialize services
	auth := services.NewSessionAuth(store, services.SessionOptions{
		Secret:     cfg.JWTSecret,
		TTL:        cfg.SessionTTL,
		CookieName: cfg.SessionCookie,
		Secure:     cfg.CookieSecure,
	}, logger)

	var notifier services.Notifier = services.NopNotifier{}
	if cfg.SendGridAPIKey != "" {
		notifier = services.NewSendGridMailer(cfg.SendGridAPIKey, cfg.NotifyFromEmail)
	} else {
		logger.Info("SENDGRID_API_KEY not set; sale notifications disabled")
	}

	deps := handlers.RouterDeps{
		Auth:     auth,
		Items:    services.NewItemService(store, logger),
		Cart:     services.NewCartService(store, logger),
		Checkout: services.NewCheckoutService(store, notifier, logger),
		Logger:   logger,
	}
	if cfg.EnableDemoSeed {
		deps.Seed = services.NewSeedService(store, auth, logger)
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Stall API server starting", zap.String("addr", cfg.ServerAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("store close", zap.Error(err))
	}
}
