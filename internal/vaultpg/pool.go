// Package vaultpg owns the PostgreSQL connection pool and schema for the vault table.
package vaultpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/tyemirov/tokenvault/internal/vault"
	"gorm.io/driver/postgres"
)

var errNilPool = errors.New("vaultpg.nil_pool")

// PoolSettings tunes the pgx pool. Zero values fall back to defaults.
type PoolSettings struct {
	MinConns          int32
	MaxConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

func (settings PoolSettings) withDefaults() PoolSettings {
	if settings.MinConns <= 0 {
		settings.MinConns = 1
	}
	if settings.MaxConns <= 0 {
		settings.MaxConns = 8
	}
	if settings.MaxConnLifetime <= 0 {
		settings.MaxConnLifetime = 30 * time.Minute
	}
	if settings.HealthCheckPeriod <= 0 {
		settings.HealthCheckPeriod = 30 * time.Second
	}
	return settings
}

// BuildPool creates a pgx pool for databaseURL.
func BuildPool(ctx context.Context, databaseURL string, settings PoolSettings) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("vaultpg.parse_config: %w", err)
	}
	resolved := settings.withDefaults()
	config.MinConns = resolved.MinConns
	config.MaxConns = resolved.MaxConns
	config.MaxConnLifetime = resolved.MaxConnLifetime
	config.HealthCheckPeriod = resolved.HealthCheckPeriod
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("vaultpg.new_pool: %w", err)
	}
	return pool, nil
}

// OpenRepository ensures the schema and returns a vault repository that shares pool.
func OpenRepository(ctx context.Context, pool *pgxpool.Pool) (*vault.DatabaseRepository, error) {
	if pool == nil {
		return nil, errNilPool
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	dialector := postgres.New(postgres.Config{Conn: sqlDB})
	return vault.NewDatabaseRepositoryWithDialector(ctx, dialector, "postgres", false)
}
