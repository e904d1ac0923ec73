package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"shopflow/internal/config"
	"shopflow/internal/storage"
)

// openStore connects the key-value backend named by cfg.Store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, error) {
	opts := []storage.Option{storage.WithLogger(logger.Named("storage"))}
	var (
		kv  storage.Store
		err error
	)
	switch cfg.Store {
	case config.StoreMemory:
		kv = storage.NewMemory(opts...)
	case config.StoreFile:
		kv, err = storage.OpenFileStore(filepath.Join(cfg.DataDir, "kv"), opts...)
	case config.StoreRedis:
		kv, err = storage.OpenRedis(ctx, cfg.RedisURL, opts...)
	case config.StoreMongo:
		kv, err = storage.OpenMongo(ctx, cfg.MongoURL, cfg.MongoDatabase, opts...)
	case config.StoreSQLite:
		if err = os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err == nil {
			kv, err = storage.OpenSQLite(ctx, cfg.SQLitePath, opts...)
		}
	default:
		err = fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	return kv, nil
}
