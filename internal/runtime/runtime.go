package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/streamd/internal/buffer"
	cfgpkg "github.com/rzbill/streamd/internal/config"
	"github.com/rzbill/streamd/internal/eventlog"
	"github.com/rzbill/streamd/internal/metrics"
	"github.com/rzbill/streamd/internal/sequence"
	"github.com/rzbill/streamd/internal/session"
	pebblestore "github.com/rzbill/streamd/internal/storage/pebble"
	"github.com/rzbill/streamd/pkg/clock"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Clock  clock.Clock
	Logger logpkg.Logger
}

// Runtime wires storage, sequences, the replay buffer and session records
// for a single-node instance. Everything is constructed once here and
// passed to the services that need it.
type Runtime struct {
	db        *pebblestore.DB
	store     *eventlog.Store
	sessions  *session.Repository
	sequences *sequence.Registry
	buffer    *buffer.Buffer
	config    cfgpkg.Config
	clk       clock.Clock
	logger    logpkg.Logger
}

// Open initializes the underlying storage and returns a Runtime. The
// buffer is seeded from the store so that, after a restart, ranges that
// only survive on disk are recognised as buffer gaps and served from
// history.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	clk := clock.OrReal(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	logger = logger.With(logpkg.Component("runtime"))

	fsync, err := pebblestore.ParseFsyncMode(cfg.Server.Fsync)
	if err != nil {
		return nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: cfg.Server.DataDir,
		Fsync:   fsync,
		Metrics: metrics.Storage{},
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, clk: clk, logger: logger}

	rt.store = eventlog.Open(db, eventlog.Options{
		Retention: cfg.Store.Retention.D(),
		Clock:     clk,
		TrimHook:  trimHook{logger: logger},
	})
	rt.sessions = session.NewRepository(db, clk)
	rt.buffer = buffer.New(buffer.Options{
		TTL:           cfg.Buffer.TTL.D(),
		MaxPerSession: cfg.Buffer.MaxPerSession,
		Clock:         clk,
		OnEvict: func(_ string, n int, reason buffer.EvictReason) {
			metrics.BufferEvictions.WithLabelValues(string(reason)).Add(float64(n))
		},
	})

	strategy, err := sequence.ParseStrategy(cfg.Sequence.Strategy)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rt.sequences, err = sequence.Open(ctx, sequence.Options{
		Strategy:    strategy,
		DB:          db,
		BlockSize:   cfg.Sequence.BlockSize,
		Clock:       clk,
		PostgresDSN: cfg.Sequence.PostgresDSN,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := rt.recover(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// recover seeds the buffer and lifts generators that lag the store, which
// happens after a restart with the memory strategy.
func (r *Runtime) recover(ctx context.Context) error {
	sessions, err := r.store.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("runtime: list sessions: %w", err)
	}
	for _, s := range sessions {
		latest, err := r.store.GetLatestSequence(ctx, s)
		if err != nil {
			return fmt.Errorf("runtime: latest %s: %w", s, err)
		}
		r.buffer.Seed(s, latest)
		gen := r.sequences.For(s)
		cur, err := gen.Current(ctx)
		if err != nil {
			return fmt.Errorf("runtime: current %s: %w", s, err)
		}
		if cur < latest {
			if err := gen.Reset(ctx, latest); err != nil {
				return fmt.Errorf("runtime: reset %s: %w", s, err)
			}
		}
	}
	if len(sessions) > 0 {
		r.logger.Info("runtime.recovered", logpkg.Int("sessions", len(sessions)))
	}
	return nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.sequences != nil {
		r.sequences.Close()
	}
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

func (r *Runtime) DB() *pebblestore.DB           { return r.db }
func (r *Runtime) Store() *eventlog.Store        { return r.store }
func (r *Runtime) Sessions() *session.Repository { return r.sessions }
func (r *Runtime) Sequences() *sequence.Registry { return r.sequences }
func (r *Runtime) Buffer() *buffer.Buffer        { return r.buffer }
func (r *Runtime) Clock() clock.Clock            { return r.clk }
func (r *Runtime) Logger() logpkg.Logger         { return r.logger }

// Config returns the configuration the runtime was opened with.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

type trimHook struct{ logger logpkg.Logger }

func (h trimHook) TrimmedRange(session string, minSeq, maxSeq uint64) {
	metrics.StorePruned.Add(float64(maxSeq - minSeq + 1))
	h.logger.Debug("runtime.store_trimmed",
		logpkg.Str("session", session), logpkg.Uint64("min", minSeq), logpkg.Uint64("max", maxSeq))
}
