package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend keeps the blob as a JSONB row in app_state.
type PostgresBackend struct {
	pool *pgxpool.Pool
	key  string
}

// NewPostgresBackend expects the app_state table to exist; see
// database.EnsureSchema.
func NewPostgresBackend(pool *pgxpool.Pool, key string) *PostgresBackend {
	return &PostgresBackend{pool: pool, key: key}
}

func (p *PostgresBackend) Load(ctx context.Context) ([]byte, error) {
	var value string
	row := p.pool.QueryRow(ctx, `SELECT value::text FROM app_state WHERE key=$1`, p.key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("select state: %w", err)
	}
	return []byte(value), nil
}

func (p *PostgresBackend) Save(ctx context.Context, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO app_state (key, value, updated_at)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, p.key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}
