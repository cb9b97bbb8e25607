package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/streamd/internal/envelope"
	pebblestore "github.com/rzbill/streamd/internal/storage/pebble"
	"github.com/rzbill/streamd/pkg/clock"
)

var (
	ErrCorrupt    = errors.New("eventlog: corrupt record")
	ErrNoSession  = errors.New("eventlog: envelope has no session id")
	ErrOutOfOrder = errors.New("eventlog: sequence not increasing")
)

// DefaultRetention is how long entries are kept before PruneExpired
// removes them.
const DefaultRetention = 24 * time.Hour

// TrimHook observes ranges removed by retention.
type TrimHook interface {
	TrimmedRange(session string, minSeq, maxSeq uint64)
}

type noopTrimHook struct{}

func (noopTrimHook) TrimmedRange(string, uint64, uint64) {}

type Options struct {
	Retention time.Duration
	// BatchLimit caps deletes per committed batch during pruning.
	BatchLimit int
	Clock      clock.Clock
	TrimHook   TrimHook
}

// Store is the durable event history. Appends for one session must arrive
// in increasing sequence order.
type Store struct {
	db   *pebblestore.DB
	opts Options
	clk  clock.Clock
	hook TrimHook

	mu     sync.Mutex
	latest map[string]uint64
}

func Open(db *pebblestore.DB, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 1024
	}
	hook := opts.TrimHook
	if hook == nil {
		hook = noopTrimHook{}
	}
	return &Store{db: db, opts: opts, clk: clock.OrReal(opts.Clock), hook: hook, latest: make(map[string]uint64)}
}

func (s *Store) latestLocked(session string) (uint64, error) {
	if v, ok := s.latest[session]; ok {
		return v, nil
	}
	raw, err := s.db.Get(KeyLatest(session))
	if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return 0, err
	}
	v := decodeBE8(raw)
	s.latest[session] = v
	return v, nil
}

// Append persists env under its session.
func (s *Store) Append(ctx context.Context, env envelope.Envelope) error {
	session := env.SessionID()
	if session == "" {
		return ErrNoSession
	}
	raw, err := encodeEnvelope(env, s.clk.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	latest, err := s.latestLocked(session)
	if err != nil {
		return err
	}
	if env.Sequence() <= latest {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, env.Sequence(), latest)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyEntry(session, env.Sequence()), raw, nil); err != nil {
		return err
	}
	if err := b.Set(KeyLatest(session), appendBE8(nil, env.Sequence()), nil); err != nil {
		return err
	}
	if latest == 0 {
		if err := b.Set(keyIndex(session), nil, nil); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	s.latest[session] = env.Sequence()
	return nil
}

// GetLatestSequence returns the highest appended sequence, 0 if none.
func (s *Store) GetLatestSequence(_ context.Context, session string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(session)
}

// TrimmedThrough returns the highest sequence removed by retention.
func (s *Store) TrimmedThrough(_ context.Context, session string) (uint64, error) {
	raw, err := s.db.Get(KeyTrimmed(session))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeBE8(raw), nil
}

// GetEventsFromSequence returns up to max events with sequence >= from.
// max <= 0 means no cap.
func (s *Store) GetEventsFromSequence(ctx context.Context, session string, from uint64, max int) ([]envelope.Envelope, error) {
	return s.scan(ctx, session, from, ^uint64(0), max)
}

// GetEventsInRange returns events with from <= sequence <= to.
func (s *Store) GetEventsInRange(ctx context.Context, session string, from, to uint64) ([]envelope.Envelope, error) {
	if from > to {
		return nil, nil
	}
	return s.scan(ctx, session, from, to, 0)
}

func (s *Store) scan(ctx context.Context, session string, from, to uint64, max int) ([]envelope.Envelope, error) {
	lower := KeyEntry(session, from)
	var upper []byte
	if to == ^uint64(0) {
		upper = pebblestore.PrefixUpperBound(KeyEntryPrefix(session))
	} else {
		upper = KeyEntry(session, to+1)
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []envelope.Envelope
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		e, err := decodeEnvelope(it.Value())
		if err != nil {
			return out, fmt.Errorf("eventlog: %s seq %d: %w", session, seqFromEntryKey(it.Key()), err)
		}
		out = append(out, e)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, it.Error()
}

// Sessions lists every session that has history.
func (s *Store) Sessions(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.ScanPrefix(indexPrefix, func(k, _ []byte) bool {
		out = append(out, string(k[len(indexPrefix):]))
		return true
	})
	return out, err
}

// PruneExpired removes entries older than the retention window across all
// sessions and returns the number deleted.
func (s *Store) PruneExpired(ctx context.Context) (int, error) {
	sessions, err := s.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.clk.Now().Add(-s.opts.Retention).UnixMilli()
	total := 0
	for _, session := range sessions {
		n, err := s.trimOlderThan(ctx, session, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// trimOlderThan deletes the leading run of entries appended before
// cutoffMs, in batches, recording the trimmed-through mark with each batch.
func (s *Store) trimOlderThan(ctx context.Context, session string, cutoffMs int64) (int, error) {
	prefix := KeyEntryPrefix(session)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	deleted := 0
	ok := it.First()
	for ok {
		b := s.db.NewBatch()
		var minSeq, maxSeq uint64
		n := 0
		for ok && n < s.opts.BatchLimit {
			dec, valid := DecodeRecord(it.Value())
			if valid {
				if ms, has := headerTime(dec.Header); has && ms >= cutoffMs {
					ok = false
					break
				}
			}
			seq := seqFromEntryKey(it.Key())
			if err := b.Delete(it.Key(), nil); err != nil {
				b.Close()
				return deleted, err
			}
			if n == 0 {
				minSeq = seq
			}
			maxSeq = seq
			n++
			ok = it.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		if err := b.Set(KeyTrimmed(session), appendBE8(nil, maxSeq), nil); err != nil {
			b.Close()
			return deleted, err
		}
		if err := s.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return deleted, err
		}
		b.Close()
		deleted += n
		s.hook.TrimmedRange(session, minSeq, maxSeq)
	}
	return deleted, it.Error()
}

// DeleteSession removes all history for a session.
func (s *Store) DeleteSession(ctx context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := []byte("ss/" + session + "/")
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, pebblestore.PrefixUpperBound(prefix), nil); err != nil {
		return err
	}
	if err := b.Delete(keyIndex(session), nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	delete(s.latest, session)
	// Failure only delays reclaiming the tombstoned range.
	_ = s.db.CompactRange(prefix, pebblestore.PrefixUpperBound(prefix))
	return nil
}
