// ABOUTME: Store factory selecting SQLite or Postgres from database configuration
// ABOUTME: Used by the gateway and the CLI so both open the same backend

package store

import (
	"context"
	"fmt"

	"github.com/2389/jarvis-gateway/internal/config"
)

// Open returns the Store configured by cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return NewSQLiteStore(cfg.Path)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
