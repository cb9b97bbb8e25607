package sequence

import (
	"context"
	"sync"

	"github.com/rzbill/streamd/pkg/clock"
)

// perMillisecond is the intra-millisecond counter range.
const perMillisecond = 1000

// Timestamp issues ms*1000 + counter. A clock that moves backwards is
// ignored, and a millisecond that exhausts its counter borrows the next
// millisecond instead of waiting, so values stay strictly increasing.
type Timestamp struct {
	mu      sync.Mutex
	clk     clock.Clock
	lastMs  uint64
	counter uint64
	last    uint64
}

func NewTimestamp(clk clock.Clock) *Timestamp {
	return &Timestamp{clk: clock.OrReal(clk)}
}

func (t *Timestamp) Next(context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms := uint64(t.clk.Now().UnixMilli())
	switch {
	case ms > t.lastMs:
		t.counter = 0
	default:
		ms = t.lastMs
		t.counter++
		if t.counter >= perMillisecond {
			ms++
			t.counter = 0
		}
	}
	t.lastMs = ms
	t.last = ms*perMillisecond + t.counter
	return t.last, nil
}

func (t *Timestamp) Current(context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, nil
}

func (t *Timestamp) Reset(_ context.Context, v uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = v
	t.lastMs = v / perMillisecond
	t.counter = v % perMillisecond
	return nil
}
