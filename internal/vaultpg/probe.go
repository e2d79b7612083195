package vaultpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Probe reports PostgreSQL liveness for the readiness and version endpoints.
type Probe struct {
	pool *pgxpool.Pool
}

// NewProbe wraps pool.
func NewProbe(pool *pgxpool.Pool) *Probe {
	return &Probe{pool: pool}
}

// Ping checks that a pooled connection can reach the server.
func (probe *Probe) Ping(ctx context.Context) error {
	if err := probe.pool.Ping(ctx); err != nil {
		return fmt.Errorf("vaultpg.ping: %w", err)
	}
	return nil
}

// ServerVersion reads the server version string.
func (probe *Probe) ServerVersion(ctx context.Context) (string, error) {
	var version string
	if err := probe.pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", fmt.Errorf("vaultpg.server_version: %w", err)
	}
	return version, nil
}
