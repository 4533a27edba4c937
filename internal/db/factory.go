package db

import (
	"context"
	"fmt"

	"authkernel/internal/config"
	"authkernel/internal/logging"
)

// Open builds the Store selected by cfg.Driver. The postgres driver runs
// pending migrations and a health check before returning.
func Open(ctx context.Context, cfg *config.DatabaseConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		return NewMemoryStore(), nil
	case "postgres", "":
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	logger.InfoEvent().
		Int("max_open", cfg.MaxOpenConns).
		Int("max_idle", cfg.MaxIdleConns).
		Dur("max_lifetime", cfg.ConnMaxLifetime).
		Dur("query_timeout", cfg.QueryTimeout).
		Msg("connecting to postgres")

	store, err := NewPostgresStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	applied, err := NewMigrationManager(store.DB()).Migrate(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		logger.Infof("applied %d migrations", applied)
	}

	health := NewHealthChecker(store).CheckHealth(ctx)
	if health.Status != StatusHealthy {
		store.Close()
		return nil, fmt.Errorf("database health check failed: %s", health.Error)
	}
	logger.InfoEvent().Dur("latency", health.Latency).Msg("database ready")
	return store, nil
}
