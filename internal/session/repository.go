package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/streamd/internal/codec"
	pebblestore "github.com/rzbill/streamd/internal/storage/pebble"
	"github.com/rzbill/streamd/pkg/clock"
)

var (
	ErrNotFound           = errors.New("session: not found")
	ErrConnectionNotFound = errors.New("session: connection not found")

	errUnchanged = errors.New("session: unchanged")
)

var (
	recordPrefix = []byte("sess/")
	connPrefix   = []byte("sessconn/")
)

func recordKey(id string) []byte {
	k := make([]byte, 0, len(recordPrefix)+len(id))
	return append(append(k, recordPrefix...), id...)
}

func connKey(connID string) []byte {
	k := make([]byte, 0, len(connPrefix)+len(connID))
	return append(append(k, connPrefix...), connID...)
}

// Repository stores Records in Pebble as CBOR. Read-modify-write cycles
// are serialised by a single mutex.
type Repository struct {
	db  *pebblestore.DB
	clk clock.Clock
	mu  sync.Mutex
}

func NewRepository(db *pebblestore.DB, clk clock.Clock) *Repository {
	return &Repository{db: db, clk: clock.OrReal(clk)}
}

func (r *Repository) load(id string) (Record, error) {
	raw, err := r.db.Get(recordKey(id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := codec.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return rec, nil
}

func (r *Repository) store(ctx context.Context, rec *Record, newConns []string) error {
	dropped := rec.compact()
	raw, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", rec.ID, err)
	}
	b := r.db.NewBatch()
	defer b.Close()
	if err := b.Set(recordKey(rec.ID), raw, nil); err != nil {
		return err
	}
	for _, c := range newConns {
		if err := b.Set(connKey(c), []byte(rec.ID), nil); err != nil {
			return err
		}
	}
	for _, c := range dropped {
		if err := b.Delete(connKey(c), nil); err != nil {
			return err
		}
	}
	return r.db.CommitBatch(ctx, b)
}

// GetOrCreate returns the record for id, creating it when absent.
func (r *Repository) GetOrCreate(ctx context.Context, id string) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.load(id)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}
	now := r.clk.Now()
	rec = Record{ID: id, CreatedAt: now, UpdatedAt: now}
	if err := r.store(ctx, &rec, nil); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (r *Repository) Get(_ context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(id)
}

// Save overwrites the stored record.
func (r *Repository) Save(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.UpdatedAt = r.clk.Now()
	ids := make([]string, 0, len(rec.Connections))
	for _, c := range rec.Connections {
		ids = append(ids, c.ID)
	}
	return r.store(ctx, &rec, ids)
}

// Update applies fn to the stored record of id and saves the result.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(ctx, id, fn)
}

func (r *Repository) updateLocked(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	rec, err := r.load(id)
	if err != nil {
		return Record{}, err
	}
	before := make(map[string]bool, len(rec.Connections))
	for _, c := range rec.Connections {
		before[c.ID] = true
	}
	if err := fn(&rec); err != nil {
		if errors.Is(err, errUnchanged) {
			return rec, nil
		}
		return Record{}, err
	}
	var added []string
	for _, c := range rec.Connections {
		if !before[c.ID] {
			added = append(added, c.ID)
		}
	}
	rec.UpdatedAt = r.clk.Now()
	return rec, r.store(ctx, &rec, added)
}

// AddConnection appends a connection to the session.
func (r *Repository) AddConnection(ctx context.Context, sessionID string, c Connection) (Record, error) {
	return r.Update(ctx, sessionID, func(rec *Record) error {
		if c.OpenedAt.IsZero() {
			c.OpenedAt = r.clk.Now()
		}
		if c.LastKeepalive.IsZero() {
			c.LastKeepalive = c.OpenedAt
		}
		if c.ReconnectCount > 0 {
			rec.TotalReconnects++
		}
		rec.Connections = append(rec.Connections, c)
		return nil
	})
}

func (r *Repository) sessionOf(connID string) (string, error) {
	raw, err := r.db.Get(connKey(connID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return "", ErrConnectionNotFound
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UpdateConnection applies fn to a single connection located by id.
func (r *Repository) UpdateConnection(ctx context.Context, connID string, fn func(*Record, *Connection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, err := r.sessionOf(connID)
	if err != nil {
		return err
	}
	_, err = r.updateLocked(ctx, sid, func(rec *Record) error {
		c := rec.Connection(connID)
		if c == nil {
			return ErrConnectionNotFound
		}
		fn(rec, c)
		return nil
	})
	return err
}

// UpdateConnectionStatus records a status transition.
func (r *Repository) UpdateConnectionStatus(ctx context.Context, connID string, status Status) error {
	now := r.clk.Now()
	return r.UpdateConnection(ctx, connID, func(_ *Record, c *Connection) {
		c.Status = status
		if status.Terminal() && c.ClosedAt.IsZero() {
			c.ClosedAt = now
		}
	})
}

// ActiveConnectionCount returns the number of non-terminal connections.
func (r *Repository) ActiveConnectionCount(ctx context.Context, id string) (int, error) {
	rec, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Active(), nil
}

// List returns every stored session id.
func (r *Repository) List(_ context.Context) ([]string, error) {
	var ids []string
	err := r.db.ScanPrefix(recordPrefix, func(k, _ []byte) bool {
		ids = append(ids, string(k[len(recordPrefix):]))
		return true
	})
	return ids, err
}

// SweepStale marks non-terminal connections whose last keepalive is before
// cutoff as closed with reason "stale". It returns how many were marked.
func (r *Repository) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	now := r.clk.Now()
	total := 0
	for _, id := range ids {
		r.mu.Lock()
		n := 0
		_, err := r.updateLocked(ctx, id, func(rec *Record) error {
			for i := range rec.Connections {
				c := &rec.Connections[i]
				if !c.Status.Terminal() && c.LastKeepalive.Before(cutoff) {
					c.Status, c.ClosedAt, c.CloseReason = StatusClosed, now, "stale"
					n++
				}
			}
			if n == 0 {
				return errUnchanged
			}
			return nil
		})
		r.mu.Unlock()
		if err != nil && !errors.Is(err, ErrNotFound) {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Delete removes a session and its connection index entries.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.load(id)
	if err != nil {
		return err
	}
	b := r.db.NewBatch()
	defer b.Close()
	for _, c := range rec.Connections {
		if err := b.Delete(connKey(c.ID), nil); err != nil {
			return err
		}
	}
	if err := b.Delete(recordKey(id), nil); err != nil {
		return err
	}
	return r.db.CommitBatch(ctx, b)
}
