package store

import (
	"context"
	"fmt"

	"github.com/eldtechnologies/roomrelay/internal/config"
)

// Open connects the node store selected by cfg.StoreBackend. PostgreSQL
// schemas are migrated on open. The remote backend has no node store.
func Open(ctx context.Context, cfg *config.Config) (NodeStore, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendSQLite:
		s, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendRedis:
		s, err := NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		pg, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("backend %q has no node store", cfg.StoreBackend)
	}
}
