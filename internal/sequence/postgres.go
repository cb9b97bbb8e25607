package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresSchema = `CREATE TABLE IF NOT EXISTS stream_sequences (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL
)`
	postgresNext = `INSERT INTO stream_sequences (name, value) VALUES ($1, 1)
ON CONFLICT (name) DO UPDATE SET value = stream_sequences.value + 1
RETURNING value`
	postgresCurrent = `SELECT value FROM stream_sequences WHERE name = $1`
	postgresReset   = `INSERT INTO stream_sequences (name, value) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`
)

// EnsurePostgresSchema creates the counter table if needed.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("sequence: create schema: %w", err)
	}
	return nil
}

// Postgres keeps one row per counter. The upsert is atomic, so concurrent
// callers in any number of processes receive distinct increasing values.
type Postgres struct {
	pool *pgxpool.Pool
	name string
}

func NewPostgres(pool *pgxpool.Pool, name string) *Postgres {
	return &Postgres{pool: pool, name: name}
}

func (p *Postgres) Next(ctx context.Context) (uint64, error) {
	var v int64
	if err := p.pool.QueryRow(ctx, postgresNext, p.name).Scan(&v); err != nil {
		return 0, fmt.Errorf("sequence: next %s: %w", p.name, err)
	}
	return uint64(v), nil
}

func (p *Postgres) Current(ctx context.Context) (uint64, error) {
	var v int64
	err := p.pool.QueryRow(ctx, postgresCurrent, p.name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence: current %s: %w", p.name, err)
	}
	return uint64(v), nil
}

func (p *Postgres) Reset(ctx context.Context, v uint64) error {
	if _, err := p.pool.Exec(ctx, postgresReset, p.name, int64(v)); err != nil {
		return fmt.Errorf("sequence: reset %s: %w", p.name, err)
	}
	return nil
}
