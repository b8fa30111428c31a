package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stall/backend/internal/config"
)

// Open connects the backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		if cfg.DataDir == "" {
			return NewMemoryStore(), nil
		}
		return NewPersistentMemoryStore(cfg.DataDir, logger)
	case config.DriverMongo:
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	case config.DriverMySQL:
		return NewMySQLStore(ctx, cfg.MySQLDSN())
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
