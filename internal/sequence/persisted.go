package sequence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	pebblestore "github.com/rzbill/streamd/internal/storage/pebble"
)

// DefaultBlockSize is how many values the persisted generator reserves per
// durable write.
const DefaultBlockSize = 64

// Persisted stores a reservation mark in Pebble. Values up to the mark may
// be handed out without touching disk; after a restart issuing resumes
// above the mark, so values are never reused although some may be skipped.
type Persisted struct {
	mu       sync.Mutex
	db       *pebblestore.DB
	key      []byte
	block    uint64
	cur      uint64
	reserved uint64
	loaded   bool
}

// NewPersisted returns a generator persisted under name. block <= 0 uses
// DefaultBlockSize; 1 writes on every Next.
func NewPersisted(db *pebblestore.DB, name string, block int) *Persisted {
	if block <= 0 {
		block = DefaultBlockSize
	}
	return &Persisted{db: db, key: counterKey(name), block: uint64(block)}
}

func counterKey(name string) []byte { return []byte("seq/" + name) }

func (p *Persisted) loadLocked() error {
	if p.loaded {
		return nil
	}
	v, err := p.db.Get(p.key)
	switch {
	case errors.Is(err, pebblestore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("sequence: load %s: %w", p.key, err)
	case len(v) != 8:
		return fmt.Errorf("sequence: corrupt counter %s", p.key)
	default:
		p.reserved = binary.BigEndian.Uint64(v)
		p.cur = p.reserved
	}
	p.loaded = true
	return nil
}

func (p *Persisted) writeMarkLocked(ctx context.Context, mark uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], mark)
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(p.key, buf[:], nil); err != nil {
		return err
	}
	if err := p.db.CommitBatchSync(ctx, b); err != nil {
		return fmt.Errorf("sequence: persist %s: %w", p.key, err)
	}
	p.reserved = mark
	return nil
}

func (p *Persisted) Next(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(); err != nil {
		return 0, err
	}
	next := p.cur + 1
	if next > p.reserved {
		if err := p.writeMarkLocked(ctx, p.cur+p.block); err != nil {
			return 0, err
		}
	}
	p.cur = next
	return next, nil
}

// Current returns the last value issued by this process, or the stored
// reservation mark right after a restart.
func (p *Persisted) Current(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(); err != nil {
		return 0, err
	}
	return p.cur, nil
}

func (p *Persisted) Reset(ctx context.Context, v uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeMarkLocked(ctx, v); err != nil {
		return err
	}
	p.cur = v
	p.loaded = true
	return nil
}
