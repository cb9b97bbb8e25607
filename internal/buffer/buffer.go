// Package buffer keeps the recent published envelopes of every session in
// memory for replay. Entries leave the buffer oldest-first when they outlive
// the TTL or when a session exceeds its capacity; the highest evicted
// sequence is remembered so that missing history can be reported as gaps.
package buffer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/pkg/clock"
)

const (
	DefaultTTL           = time.Hour
	DefaultMaxPerSession = 1000
)

var (
	// ErrOutOfOrder is returned when an append does not increase the
	// session's sequence.
	ErrOutOfOrder = errors.New("buffer: sequence not increasing")
	// ErrNoSession is returned for envelopes without a session id.
	ErrNoSession = errors.New("buffer: envelope has no session id")
)

// EvictReason labels why entries left the buffer.
type EvictReason string

const (
	EvictTTL      EvictReason = "ttl"
	EvictCapacity EvictReason = "capacity"
	EvictManual   EvictReason = "manual"
)

type Options struct {
	TTL           time.Duration
	MaxPerSession int
	Clock         clock.Clock
	// OnEvict, when set, is called after entries are dropped. It runs with
	// the session lock held and must not call back into the buffer.
	OnEvict func(session string, n int, reason EvictReason)
}

// Gap is an inclusive sequence range that was requested but is no longer
// held.
type Gap struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (g Gap) Len() uint64 { return g.End - g.Start + 1 }

func (g Gap) String() string { return fmt.Sprintf("%d-%d", g.Start, g.End) }

type entry struct {
	env envelope.Envelope
	at  time.Time
}

type sessionBuf struct {
	mu             sync.Mutex
	entries        []entry
	head           int
	evictedThrough uint64
	lastSeq        uint64
}

// Buffer is safe for concurrent use. Sessions are locked independently.
type Buffer struct {
	opts     Options
	clk      clock.Clock
	mu       sync.RWMutex
	sessions map[string]*sessionBuf
}

func New(opts Options) *Buffer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxPerSession <= 0 {
		opts.MaxPerSession = DefaultMaxPerSession
	}
	return &Buffer{opts: opts, clk: clock.OrReal(opts.Clock), sessions: make(map[string]*sessionBuf)}
}

func (b *Buffer) session(id string, create bool) *sessionBuf {
	b.mu.RLock()
	s := b.sessions[id]
	b.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s = b.sessions[id]; s == nil {
		s = &sessionBuf{}
		b.sessions[id] = s
	}
	return s
}

// Seed records that every sequence up to through was issued before this
// buffer started, so replay requests below it surface as gaps.
func (b *Buffer) Seed(session string, through uint64) {
	s := b.session(session, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if through > s.evictedThrough && s.live() == 0 {
		s.evictedThrough = through
		s.lastSeq = through
	}
}

// Append inserts env after dropping expired entries, then trims the session
// back to MaxPerSession.
func (b *Buffer) Append(env envelope.Envelope) error {
	id := env.SessionID()
	if id == "" {
		return ErrNoSession
	}
	s := b.session(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := b.clk.Now()
	b.expireLocked(id, s, now)
	if s.live() > 0 || s.lastSeq > 0 {
		if env.Sequence() <= s.lastSeq {
			return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, env.Sequence(), s.lastSeq)
		}
	}
	s.entries = append(s.entries, entry{env: env, at: now})
	s.lastSeq = env.Sequence()
	if over := s.live() - b.opts.MaxPerSession; over > 0 {
		b.dropLocked(id, s, over, EvictCapacity)
	}
	return nil
}

// GetFromSequence returns up to max events with sequence >= from in
// ascending order. max <= 0 means no cap.
func (b *Buffer) GetFromSequence(session string, from uint64, max int) []envelope.Envelope {
	s := b.session(session, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.expireLocked(session, s, b.clk.Now())
	live := s.entries[s.head:]
	i := sort.Search(len(live), func(i int) bool { return live[i].env.Sequence() >= from })
	n := len(live) - i
	if max > 0 && n > max {
		n = max
	}
	out := make([]envelope.Envelope, 0, n)
	for _, e := range live[i : i+n] {
		out = append(out, e.env)
	}
	return out
}

// GetInRange returns events with from <= sequence <= to.
func (b *Buffer) GetInRange(session string, from, to uint64) []envelope.Envelope {
	if from > to {
		return nil
	}
	s := b.session(session, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.expireLocked(session, s, b.clk.Now())
	live := s.entries[s.head:]
	i := sort.Search(len(live), func(i int) bool { return live[i].env.Sequence() >= from })
	var out []envelope.Envelope
	for _, e := range live[i:] {
		if e.env.Sequence() > to {
			break
		}
		out = append(out, e.env)
	}
	return out
}

// DetectGaps reports the part of [from, to] that has been evicted. An empty
// or inverted window yields nil.
func (b *Buffer) DetectGaps(session string, from, to uint64) []Gap {
	if from > to {
		return nil
	}
	s := b.session(session, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.expireLocked(session, s, b.clk.Now())
	return gapsBelow(from, to, s.evictedThrough)
}

func gapsBelow(from, to, evictedThrough uint64) []Gap {
	if from < 1 {
		from = 1
	}
	end := to
	if evictedThrough < end {
		end = evictedThrough
	}
	if from > end {
		return nil
	}
	return []Gap{{Start: from, End: end}}
}

// SequenceRange returns the lowest and highest held sequence, or (0, 0).
func (b *Buffer) SequenceRange(session string) (uint64, uint64) {
	s := b.session(session, false)
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.expireLocked(session, s, b.clk.Now())
	if s.live() == 0 {
		return 0, 0
	}
	return s.entries[s.head].env.Sequence(), s.entries[len(s.entries)-1].env.Sequence()
}

// EvictedThrough is the highest sequence known to be gone from the buffer.
func (b *Buffer) EvictedThrough(session string) uint64 {
	s := b.session(session, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictedThrough
}

// EvictThrough drops entries with sequence <= seq. Repeating the call is a
// no-op returning 0.
func (b *Buffer) EvictThrough(session string, seq uint64) int {
	s := b.session(session, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries[s.head:] {
		if e.env.Sequence() > seq {
			break
		}
		n++
	}
	b.dropLocked(session, s, n, EvictManual)
	return n
}

// EvictExpired drops TTL-expired entries across all sessions and returns
// how many were removed.
func (b *Buffer) EvictExpired() int {
	now := b.clk.Now()
	b.mu.RLock()
	ids := make([]string, 0, len(b.sessions))
	bufs := make([]*sessionBuf, 0, len(b.sessions))
	for id, s := range b.sessions {
		ids = append(ids, id)
		bufs = append(bufs, s)
	}
	b.mu.RUnlock()
	total := 0
	for i, s := range bufs {
		s.mu.Lock()
		total += b.expireLocked(ids[i], s, now)
		s.mu.Unlock()
	}
	return total
}

// Stats summarises buffer occupancy.
type Stats struct {
	Sessions int `json:"sessions"`
	Events   int `json:"events"`
}

func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	bufs := make([]*sessionBuf, 0, len(b.sessions))
	for _, s := range b.sessions {
		bufs = append(bufs, s)
	}
	b.mu.RUnlock()
	st := Stats{Sessions: len(bufs)}
	for _, s := range bufs {
		s.mu.Lock()
		st.Events += s.live()
		s.mu.Unlock()
	}
	return st
}

func (s *sessionBuf) live() int { return len(s.entries) - s.head }

func (b *Buffer) expireLocked(id string, s *sessionBuf, now time.Time) int {
	cutoff := now.Add(-b.opts.TTL)
	n := 0
	for _, e := range s.entries[s.head:] {
		if e.at.After(cutoff) {
			break
		}
		n++
	}
	b.dropLocked(id, s, n, EvictTTL)
	return n
}

func (b *Buffer) dropLocked(id string, s *sessionBuf, n int, reason EvictReason) {
	if n <= 0 {
		return
	}
	last := s.entries[s.head+n-1].env.Sequence()
	for i := s.head; i < s.head+n; i++ {
		s.entries[i] = entry{}
	}
	s.head += n
	if last > s.evictedThrough {
		s.evictedThrough = last
	}
	if s.head == len(s.entries) {
		s.entries, s.head = s.entries[:0], 0
	} else if s.head > len(s.entries)/2 {
		s.entries = append(s.entries[:0], s.entries[s.head:]...)
		s.head = 0
	}
	if b.opts.OnEvict != nil {
		b.opts.OnEvict(id, n, reason)
	}
}
