package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	pebblestore "github.com/rzbill/streamd/internal/storage/pebble"
	"github.com/rzbill/streamd/pkg/clock"
)

// Factory builds the generator for one session.
type Factory func(session string) Generator

// Registry lazily creates and caches one Generator per session so all
// connections and publishers of a session share it.
type Registry struct {
	mu       sync.Mutex
	strategy Strategy
	factory  Factory
	gens     map[string]Generator
	closer   func()
}

func NewRegistry(strategy Strategy, factory Factory) *Registry {
	return &Registry{strategy: strategy, factory: factory, gens: make(map[string]Generator)}
}

// For returns the session's generator.
func (r *Registry) For(session string) Generator {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gens[session]
	if !ok {
		g = r.factory(session)
		r.gens[session] = g
	}
	return g
}

func (r *Registry) Strategy() Strategy { return r.strategy }

// Close releases resources owned by the registry (the Postgres pool).
func (r *Registry) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// Options selects and configures a strategy.
type Options struct {
	Strategy Strategy
	// DB backs the persisted strategy.
	DB        *pebblestore.DB
	BlockSize int
	// Clock drives the timestamp strategy.
	Clock clock.Clock
	// PostgresDSN, or an existing Pool, backs the postgres strategy.
	PostgresDSN string
	Pool        *pgxpool.Pool
}

// Open builds a Registry for the configured strategy.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	switch opts.Strategy {
	case StrategyMemory:
		return NewRegistry(StrategyMemory, func(string) Generator { return NewMemory() }), nil
	case StrategyPersisted, "":
		if opts.DB == nil {
			return nil, errors.New("sequence: persisted strategy requires a store")
		}
		db, block := opts.DB, opts.BlockSize
		return NewRegistry(StrategyPersisted, func(s string) Generator { return NewPersisted(db, s, block) }), nil
	case StrategyTimestamp:
		clk := clock.OrReal(opts.Clock)
		return NewRegistry(StrategyTimestamp, func(string) Generator { return NewTimestamp(clk) }), nil
	case StrategyPostgres:
		pool := opts.Pool
		owned := false
		if pool == nil {
			if opts.PostgresDSN == "" {
				return nil, errors.New("sequence: postgres strategy requires a DSN")
			}
			p, err := pgxpool.New(ctx, opts.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("sequence: connect postgres: %w", err)
			}
			pool, owned = p, true
		}
		if err := EnsurePostgresSchema(ctx, pool); err != nil {
			if owned {
				pool.Close()
			}
			return nil, err
		}
		r := NewRegistry(StrategyPostgres, func(s string) Generator { return NewPostgres(pool, s) })
		if owned {
			r.closer = pool.Close
		}
		return r, nil
	}
	return nil, fmt.Errorf("sequence: unknown strategy %q", opts.Strategy)
}
