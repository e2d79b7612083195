package vaultpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const vaultSchema = `
CREATE TABLE IF NOT EXISTS auth_vault (
    id VARCHAR(36) PRIMARY KEY,
    user_id TEXT NOT NULL,
    token_type TEXT NOT NULL,
    encrypted_token TEXT,
    iv TEXT,
    token_hash TEXT,
    attributes TEXT,
    session_state_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS auth_vault_user_id_token_type_idx ON auth_vault (user_id, token_type);
CREATE INDEX IF NOT EXISTS auth_vault_session_state_token_type_idx ON auth_vault (session_state_id, token_type);
CREATE INDEX IF NOT EXISTS auth_vault_token_hash_idx ON auth_vault (token_hash);
CREATE UNIQUE INDEX IF NOT EXISTS auth_vault_single_refresh_idx ON auth_vault (user_id) WHERE token_type = 'refresh';
`

// EnsureSchema creates the vault table and its indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, vaultSchema); err != nil {
		return fmt.Errorf("vaultpg.ensure_schema: %w", err)
	}
	return nil
}
