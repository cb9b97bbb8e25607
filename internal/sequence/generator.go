package sequence

import (
	"context"
	"fmt"
	"sync"
)

// Generator produces strictly increasing values.
type Generator interface {
	// Next returns a value greater than any previously returned.
	Next(ctx context.Context) (uint64, error)
	// Current returns the last issued value without advancing.
	Current(ctx context.Context) (uint64, error)
	// Reset forces the counter. Administrative use only.
	Reset(ctx context.Context, value uint64) error
}

// Strategy names a Generator implementation.
type Strategy string

const (
	StrategyMemory    Strategy = "memory"
	StrategyPersisted Strategy = "persisted"
	StrategyTimestamp Strategy = "timestamp"
	StrategyPostgres  Strategy = "postgres"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyMemory, StrategyPersisted, StrategyTimestamp, StrategyPostgres:
		return Strategy(s), nil
	case "":
		return StrategyPersisted, nil
	}
	return "", fmt.Errorf("sequence: unknown strategy %q", s)
}

// Memory is an in-process counter.
type Memory struct {
	mu  sync.Mutex
	cur uint64
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Next(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur++
	return m.cur, nil
}

func (m *Memory) Current(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur, nil
}

func (m *Memory) Reset(_ context.Context, v uint64) error {
	m.mu.Lock()
	m.cur = v
	m.mu.Unlock()
	return nil
}
