// Package replay re-delivers a session's recent events to a reconnecting
// client. A replay is framed by replay-start and replay-end envelopes and
// each original event is wrapped as replay-event so clients never confuse it
// with a fresh publication. Ranges that are no longer held are reported as
// gaps in both markers and in the returned Result.
//
// Every envelope a replay emits takes a fresh session sequence from the
// Target, so a replay interleaves with live traffic in one increasing
// order. Only published events are replayed; envelopes a connection
// emitted on its own are skipped.
//
// One replay may run per session and connection at a time; a second
// concurrent request is rejected with ErrReplayInProgress.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rzbill/streamd/internal/buffer"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/sequence"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

var ErrReplayInProgress = errors.New("replay: already in progress for this connection")

// Buffer is the recent-event source.
type Buffer interface {
	GetInRange(session string, from, to uint64) []envelope.Envelope
	DetectGaps(session string, from, to uint64) []buffer.Gap
	SequenceRange(session string) (uint64, uint64)
}

// History is the durable fallback consulted for ranges the buffer lost.
type History interface {
	GetEventsInRange(ctx context.Context, session string, from, to uint64) ([]envelope.Envelope, error)
	TrimmedThrough(ctx context.Context, session string) (uint64, error)
}

// Sequences supplies the session generator used when the buffer is empty.
type Sequences interface {
	For(session string) sequence.Generator
}

// Request describes one replay. From is the first sequence wanted; To and
// MaxEvents are optional (zero).
type Request struct {
	Session      string
	ConnectionID string
	From         uint64
	To           uint64
	MaxEvents    int
	RetryHintMs  int
	// Filter, when set, selects which originals are replayed.
	Filter func(envelope.Envelope) bool
}

// Target receives a replay.
type Target interface {
	// Stamp draws the next session sequence and builds the envelope with
	// it. Publications with lower sequences have already been offered to
	// the target when build runs.
	Stamp(ctx context.Context, build func(seq uint64) (envelope.Envelope, error)) (envelope.Envelope, error)
	// Emit writes one stamped envelope.
	Emit(env envelope.Envelope) error
	// Follow is called while replay-end is stamped. The target switches to
	// live delivery unless it was offered an event above through, in which
	// case it returns the highest such sequence and the replay continues.
	Follow(through uint64) uint64
}

// Result is what a replay covered.
type Result struct {
	From        uint64              `json:"from"`
	To          uint64              `json:"to"`
	Events      []envelope.Envelope `json:"-"`
	Gaps        []buffer.Gap        `json:"gaps"`
	Truncated   bool                `json:"truncated"`
	FromHistory int                 `json:"from_history"`
}

func (r Result) Count() int { return len(r.Events) }

// LastSequence is the highest sequence replayed, or From-1 when empty.
func (r Result) LastSequence() uint64 {
	if n := len(r.Events); n > 0 {
		return r.Events[n-1].Sequence()
	}
	if r.From > 0 {
		return r.From - 1
	}
	return 0
}

type Options struct {
	Buffer    Buffer
	History   History
	Sequences Sequences
	Logger    logpkg.Logger
}

type Controller struct {
	buf    Buffer
	hist   History
	seqs   Sequences
	logger logpkg.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Controller{
		buf:    opts.Buffer,
		hist:   opts.History,
		seqs:   opts.Sequences,
		logger: logger.With(logpkg.Component("replay")),
		active: make(map[string]struct{}),
	}
}

// Plan resolves the range, collects the events and computes gaps without
// emitting anything.
func (c *Controller) Plan(ctx context.Context, req Request) (Result, error) {
	from := req.From
	if from == 0 {
		from = 1
	}
	to := req.To
	if to == 0 {
		_, to = c.buf.SequenceRange(req.Session)
		if to == 0 && c.seqs != nil {
			cur, err := c.seqs.For(req.Session).Current(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("replay: current sequence: %w", err)
			}
			to = cur
		}
	}
	res := Result{From: from, To: to}
	if from > to {
		return res, nil
	}

	events := published(c.buf.GetInRange(req.Session, from, to), req.Filter)
	gaps := c.buf.DetectGaps(req.Session, from, to)
	if len(gaps) > 0 && c.hist != nil {
		recovered, remaining, err := c.fromHistory(ctx, req.Session, gaps)
		if err != nil {
			return Result{}, err
		}
		recovered = published(recovered, req.Filter)
		res.FromHistory = len(recovered)
		events = mergeBySequence(recovered, events)
		gaps = remaining
	}
	if req.MaxEvents > 0 && len(events) > req.MaxEvents {
		events = events[:req.MaxEvents]
		res.Truncated = true
		res.To = events[len(events)-1].Sequence()
		gaps = clipGaps(gaps, res.To)
	}
	res.Events = events
	res.Gaps = gaps
	return res, nil
}

func (c *Controller) fromHistory(ctx context.Context, session string, gaps []buffer.Gap) ([]envelope.Envelope, []buffer.Gap, error) {
	trimmed, err := c.hist.TrimmedThrough(ctx, session)
	if err != nil {
		return nil, nil, fmt.Errorf("replay: history trim mark: %w", err)
	}
	var (
		out       []envelope.Envelope
		remaining []buffer.Gap
	)
	for _, g := range gaps {
		evs, err := c.hist.GetEventsInRange(ctx, session, g.Start, g.End)
		if err != nil {
			return nil, nil, fmt.Errorf("replay: history %s: %w", g, err)
		}
		out = append(out, evs...)
		if trimmed >= g.Start {
			end := g.End
			if trimmed < end {
				end = trimmed
			}
			remaining = append(remaining, buffer.Gap{Start: g.Start, End: end})
		}
	}
	return out, remaining, nil
}

// Replay plans the request and emits replay-start, one replay-event per
// original and replay-end through t. If t was offered events past the
// planned range by the time replay-end is stamped, those are replayed too
// and the end marker covers them. Emission stops at the first error.
func (c *Controller) Replay(ctx context.Context, req Request, t Target) (Result, error) {
	key := req.Session + "\x00" + req.ConnectionID
	c.mu.Lock()
	if _, busy := c.active[key]; busy {
		c.mu.Unlock()
		return Result{}, ErrReplayInProgress
	}
	c.active[key] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}()

	res, err := c.Plan(ctx, req)
	if err != nil {
		return Result{}, err
	}
	start, err := t.Stamp(ctx, func(seq uint64) (envelope.Envelope, error) {
		return StartEnvelope(req, res, seq)
	})
	if err != nil {
		return res, err
	}
	if err := t.Emit(start); err != nil {
		return res, err
	}
	if err := c.emitEvents(ctx, t, res.Events); err != nil {
		return res, err
	}

	for {
		var behind uint64
		end, err := t.Stamp(ctx, func(seq uint64) (envelope.Envelope, error) {
			through := res.To
			if res.Truncated {
				through = math.MaxUint64
			}
			if missed := t.Follow(through); missed > through {
				behind = missed
				return envelope.Envelope{}, errBehind
			}
			return EndEnvelope(req, res, seq)
		})
		if errors.Is(err, errBehind) {
			if req.MaxEvents > 0 && res.Count() >= req.MaxEvents {
				res.Truncated = true
				continue
			}
			more := req
			more.From, more.To = res.To+1, behind
			if req.MaxEvents > 0 {
				more.MaxEvents = req.MaxEvents - res.Count()
			}
			next, err := c.Plan(ctx, more)
			if err != nil {
				return res, err
			}
			if err := c.emitEvents(ctx, t, next.Events); err != nil {
				return res, err
			}
			res = res.extend(next)
			continue
		}
		if err != nil {
			return res, err
		}
		if err := t.Emit(end); err != nil {
			return res, err
		}
		break
	}
	c.logger.Debug("replay.done",
		logpkg.Str("session", req.Session),
		logpkg.Str("conn", req.ConnectionID),
		logpkg.Uint64("from", res.From),
		logpkg.Uint64("to", res.To),
		logpkg.Int("count", res.Count()),
		logpkg.Int("gaps", len(res.Gaps)),
		logpkg.Int("from_history", res.FromHistory))
	return res, nil
}

var errBehind = errors.New("replay: target is behind")

func (c *Controller) emitEvents(ctx context.Context, t Target, events []envelope.Envelope) error {
	for _, orig := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := t.Stamp(ctx, func(seq uint64) (envelope.Envelope, error) {
			return Wrap(orig, seq)
		})
		if err != nil {
			return err
		}
		if err := t.Emit(w); err != nil {
			return err
		}
	}
	return nil
}

// extend appends a follow-up pass to r.
func (r Result) extend(next Result) Result {
	r.To = next.To
	r.Events = append(r.Events, next.Events...)
	r.Gaps = append(r.Gaps, next.Gaps...)
	r.Truncated = next.Truncated
	r.FromHistory += next.FromHistory
	return r
}

// published keeps the events clients can be replayed, in order.
func published(events []envelope.Envelope, filter func(envelope.Envelope) bool) []envelope.Envelope {
	out := events[:0:0]
	for _, e := range events {
		if !envelope.IsPrimaryID(e.ID()) || !e.Type().Publishable() {
			continue
		}
		if filter != nil && !filter(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Active reports whether a replay is running for the connection.
func (c *Controller) Active(session, connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[session+"\x00"+connID]
	return ok
}

func mergeBySequence(a, b []envelope.Envelope) []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(a)+len(b))
	out = append(append(out, a...), b...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence() < out[j].Sequence() })
	dedup := out[:0]
	for i, e := range out {
		if i > 0 && e.Sequence() == dedup[len(dedup)-1].Sequence() {
			continue
		}
		dedup = append(dedup, e)
	}
	return dedup
}

func clipGaps(gaps []buffer.Gap, to uint64) []buffer.Gap {
	var out []buffer.Gap
	for _, g := range gaps {
		if g.Start > to {
			continue
		}
		if g.End > to {
			g.End = to
		}
		out = append(out, g)
	}
	return out
}
