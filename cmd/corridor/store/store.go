// Package store opens the storage backend selected by configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HatiCode/corridor/cmd/corridor/config"
	"github.com/HatiCode/corridor/pkg/storage"
)

// Backend is an opened snapshot store and its segment catalog.
type Backend struct {
	Store   storage.Store
	Catalog storage.Catalog
	close   func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// New opens the backend named by cfg.Storage.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Storage {
	case "memory":
		logger.Warn("using in-memory storage, snapshots are lost on restart")
		return &Backend{Store: storage.NewMemoryStore(), Catalog: storage.NewMemoryCatalog()}, nil

	case "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("using SQLite storage", "path", cfg.SQLitePath)
		return sqlBackend(ctx, db, logger), nil

	case "postgres":
		db, err := storage.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Info("using PostgreSQL storage")
		return sqlBackend(ctx, db, logger), nil

	case "redis":
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		logger.Info("using Redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "prefix", cfg.RedisPrefix)
		return &Backend{Store: rs, Catalog: rs.Catalog(), close: rs.Close}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

func sqlBackend(ctx context.Context, db *storage.DB, logger *slog.Logger) *Backend {
	if ok, err := db.BucketIndexed(); !ok {
		// Writes still go through update-then-insert, only without a
		// database-enforced bucket uniqueness.
		logger.Warn("unique bucket index unavailable, duplicate buckets must be repaired manually", "error", err)
	}
	if v, err := db.SchemaVersion(ctx); err == nil {
		logger.Debug("database schema ready", "dialect", db.Dialect(), "version", v)
	}
	return &Backend{
		Store:   storage.NewSQLStore(db),
		Catalog: storage.NewSQLCatalog(db),
		close:   db.Close,
	}
}
