// Package connection drives one client stream: handshake, replay of missed
// events, live delivery with backpressure, keepalives and close.
//
// A Handler owns a single writer goroutine (Run). Publishers hand it
// envelopes through Deliver, which never blocks. Every envelope the handler
// emits on its own (handshake, keepalive, replay framing, notices, close)
// takes the next session sequence from the Sequencer, so one connection's
// wire carries strictly increasing sequences.
//
// Until the handler is live (after the handshake, and again after a pause)
// Deliver only records the highest sequence it was offered. Going live
// happens inside a stamp, in the session's publish critical section, and
// is refused while the handler is behind; a catch-up replay covers the
// difference first.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/replay"
	"github.com/rzbill/streamd/pkg/clock"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

const (
	DefaultKeepaliveInterval     = 30 * time.Second
	DefaultBackpressureThreshold = 100
	DefaultMaxQueue              = 1000
	DefaultRetryHintMs           = 3000
	DefaultCloseTimeout          = time.Second
)

// Close reasons reported in connection-close envelopes.
const (
	ReasonClosed               = "closed"
	ReasonClientDisconnect     = "client-disconnect"
	ReasonServerShutdown       = "server-shutdown"
	ReasonBackpressureExceeded = "backpressure-exceeded"
	ReasonWriteFailed          = "write-failed"
	ReasonStale                = "stale"
	ReasonHandshakeFailed      = "handshake-failed"
	ReasonSessionDeleted       = "session-deleted"
)

var (
	ErrBackpressureExceeded = errors.New("connection: outbound queue exceeded hard maximum")
	ErrClosed               = errors.New("connection: closed")

	errAborted = errors.New("connection: send aborted")
)

// Config holds per-connection limits.
type Config struct {
	KeepaliveInterval     time.Duration
	BackpressureThreshold int
	MaxQueue              int
	RetryHintMs           int
	// ReplayMaxEvents caps a reconnect replay; zero is unbounded.
	ReplayMaxEvents int
	// CloseTimeout bounds how long Close waits on a stuck write before the
	// sink is aborted. It is measured in real time.
	CloseTimeout  time.Duration
	ServerVersion string
	Capabilities  []string
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = DefaultBackpressureThreshold
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.MaxQueue < c.BackpressureThreshold {
		c.MaxQueue = c.BackpressureThreshold
	}
	if c.RetryHintMs < 0 {
		c.RetryHintMs = 0
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

// Sequencer numbers the envelopes a handler emits itself.
type Sequencer interface {
	// Stamp draws the session's next sequence inside the session's publish
	// critical section and builds the envelope with it. Publications with
	// lower sequences have been offered to Deliver when build runs.
	Stamp(ctx context.Context, build func(seq uint64) (envelope.Envelope, error)) (envelope.Envelope, error)
	// StampHeld is Stamp for a caller already inside that critical
	// section, which is where Deliver runs.
	StampHeld(ctx context.Context, build func(seq uint64) (envelope.Envelope, error)) (envelope.Envelope, error)
}

// Replayer replays a range into a target.
type Replayer interface {
	Replay(ctx context.Context, req replay.Request, t replay.Target) (replay.Result, error)
}

// Filter selects the published events a connection receives.
type Filter func(envelope.Envelope) bool

// Hooks observe the handler. All hooks run on the writer goroutine.
type Hooks struct {
	OnStateChange func(h *Handler, from, to State)
	OnKeepalive   func(h *Handler, at time.Time)
	OnSent        func(h *Handler, env envelope.Envelope, degraded bool)
}

type Options struct {
	Session      string
	ConnectionID string
	Config       Config
	Sink         Sink
	// Sequencer is required.
	Sequencer Sequencer
	Replayer  Replayer
	Filter    Filter
	// Watermark is the last sequence the client already has. When Resume
	// is set the handler replays everything after it before going live.
	Watermark uint64
	Resume    bool
	Clock     clock.Clock
	Logger    logpkg.Logger
	Hooks     Hooks
}

// Summary describes how a connection ended.
type Summary struct {
	Reason     string
	WasClean   bool
	Discarded  int
	EventsSent uint64
	Final      State
}

// Stats is a point-in-time view of a handler.
type Stats struct {
	Session       string
	ConnectionID  string
	State         State
	Queued        int
	EventsSent    uint64
	Watermark     uint64
	OpenedAt      time.Time
	LastWriteAt   time.Time
	LastEventAt   time.Time
	LastKeepalive time.Time
	Backpressured int
	Degraded      int
}

type Handler struct {
	session  string
	id       string
	cfg      Config
	sink     Sink
	seq      Sequencer
	replayer Replayer
	filter   Filter
	resume   bool
	clk      clock.Clock
	logger   logpkg.Logger
	hooks    Hooks

	mu          sync.Mutex
	state       State
	queue       []envelope.Envelope
	overflow    bool
	closeReason string
	wantPause   bool
	stats       Stats
	// live is set while Deliver queues; otherwise it only raises missed.
	live   bool
	missed uint64
	// flagged is set from the queued backpressure notice until the
	// clearing notice is stamped.
	flagged    bool
	abortTimer *time.Timer
	cancel     context.CancelFunc

	// Writer goroutine only.
	wire    uint64
	stampCx context.Context
	ioReq   chan []byte
	ioRes   chan error

	wake      chan struct{}
	done      chan struct{}
	aborted   chan struct{}
	abortOnce sync.Once
}

// New builds a handler in StateInitializing. It must only be called for a
// request that already passed admission.
func New(opts Options) *Handler {
	clk := clock.OrReal(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	h := &Handler{
		session:  opts.Session,
		id:       opts.ConnectionID,
		cfg:      opts.Config.withDefaults(),
		sink:     opts.Sink,
		seq:      opts.Sequencer,
		replayer: opts.Replayer,
		filter:   opts.Filter,
		resume:   opts.Resume,
		clk:      clk,
		logger: logger.With(logpkg.Component("connection"),
			logpkg.Str("session", opts.Session), logpkg.Str("conn", opts.ConnectionID)),
		hooks:   opts.Hooks,
		stampCx: context.Background(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}
	h.stats = Stats{
		Session:      opts.Session,
		ConnectionID: opts.ConnectionID,
		Watermark:    opts.Watermark,
		OpenedAt:     clk.Now(),
	}
	return h
}

func (h *Handler) ID() string      { return h.id }
func (h *Handler) Session() string { return h.session }

// Done is closed when Run returns.
func (h *Handler) Done() <-chan struct{} { return h.done }

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.State = h.state
	s.Queued = len(h.queue)
	return s
}

// LastActivity is the time of the last successful write, or the open time.
func (h *Handler) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stats.LastWriteAt.IsZero() {
		return h.stats.OpenedAt
	}
	return h.stats.LastWriteAt
}

// Deliver offers a published envelope. It never blocks and reports false
// when the envelope was refused because the connection is closing or its
// queue hit the hard maximum. Filtered envelopes report true, as do
// envelopes offered while the handler is not live; those are picked up by
// the next catch-up replay.
//
// Deliver must be called inside the session's publish critical section.
func (h *Handler) Deliver(env envelope.Envelope) bool {
	if h.filter != nil && !h.filter(env) {
		return true
	}
	h.mu.Lock()
	if h.state.Terminal() || h.state == StateClosing || h.overflow || h.closeReason != "" {
		h.mu.Unlock()
		return false
	}
	if !h.live {
		if env.Sequence() > h.missed {
			h.missed = env.Sequence()
		}
		h.mu.Unlock()
		return true
	}
	if len(h.queue) >= h.cfg.MaxQueue {
		h.overflow = true
		h.armAbortLocked()
		h.mu.Unlock()
		h.signal()
		return false
	}
	h.queue = append(h.queue, env)
	queued := len(h.queue)
	notice := !h.flagged && queued >= h.cfg.BackpressureThreshold
	if notice {
		h.flagged = true
	}
	h.mu.Unlock()
	if notice {
		h.queueBackpressure(env.Sequence(), queued)
	}
	h.signal()
	return true
}

// queueBackpressure puts the backpressure notice right behind the envelope
// that crossed the threshold.
func (h *Handler) queueBackpressure(through uint64, queued int) {
	payload := map[string]any{
		"active":    true,
		"queued":    queued,
		"threshold": h.cfg.BackpressureThreshold,
		"max":       h.cfg.MaxQueue,
	}
	env, err := h.seq.StampHeld(context.Background(), func(seq uint64) (envelope.Envelope, error) {
		return h.build(envelope.TypeBackpressure, seq, through, payload, false)
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.flagged = false
		h.logger.Warn("connection.backpressure_notice_failed", logpkg.Err(err))
		return
	}
	h.queue = append(h.queue, env)
}

// Pause stops delivery until Resume. Keepalives stop too.
func (h *Handler) Pause() error { return h.setPause(true) }

// Resume undoes Pause. Events published meanwhile are replayed first.
func (h *Handler) Resume() error { return h.setPause(false) }

func (h *Handler) setPause(v bool) error {
	h.mu.Lock()
	if h.state.Terminal() || h.state == StateClosing {
		h.mu.Unlock()
		return ErrClosed
	}
	h.wantPause = v
	h.mu.Unlock()
	h.signal()
	return nil
}

// Close asks the writer to drain the queue, send connection-close and
// stop. The first reason wins. A write still blocked after CloseTimeout is
// aborted and the close is reported unclean.
func (h *Handler) Close(reason string) {
	if reason == "" {
		reason = ReasonClosed
	}
	h.mu.Lock()
	if h.closeReason == "" {
		h.closeReason = reason
	}
	h.armAbortLocked()
	h.mu.Unlock()
	h.signal()
}

func (h *Handler) armAbortLocked() {
	if h.abortTimer == nil && !h.state.Terminal() {
		h.abortTimer = time.AfterFunc(h.cfg.CloseTimeout, h.abortSink)
	}
}

// abortSink fails the write in progress and every later one.
func (h *Handler) abortSink() {
	h.abortOnce.Do(func() {
		close(h.aborted)
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if a, ok := h.sink.(Aborter); ok {
			a.Abort()
		}
	})
}

func (h *Handler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run performs the handshake, any catch-up replay and then the delivery
// loop until the connection closes. It returns nil for a clean close and
// for a close that had to abort a stuck write; Summary.WasClean tells them
// apart.
func (h *Handler) Run(ctx context.Context) (Summary, error) {
	defer close(h.done)
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	h.stampCx = context.WithoutCancel(ctx)
	stop := context.AfterFunc(parent, h.abortSink)
	defer stop()
	defer h.stopIO(h.startIO())
	defer h.disarm()

	if err := h.transition(StateHandshaking); err != nil {
		return h.exit(parent, err, ReasonHandshakeFailed)
	}
	behind, err := h.handshake()
	if err != nil {
		return h.exit(parent, err, ReasonHandshakeFailed)
	}
	if err := h.transition(StateConnected); err != nil {
		return h.exit(parent, err, ReasonHandshakeFailed)
	}

	ticker := h.clk.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()

	if h.resume || behind {
		if err := h.runReplay(ctx); err != nil {
			return h.exit(parent, err, ReasonWriteFailed)
		}
		ticker.Reset(h.cfg.KeepaliveInterval)
		select {
		case <-ticker.C:
		default:
		}
	}

	for {
		if err := h.applyPause(ctx); err != nil {
			return h.exit(parent, err, ReasonWriteFailed)
		}
		if err := h.pump(); err != nil {
			return h.exit(parent, err, ReasonWriteFailed)
		}
		if reason := h.pendingClose(); reason != "" {
			return h.closeClean(reason)
		}
		select {
		case <-parent.Done():
			return h.abort(ReasonClientDisconnect)
		case <-h.wake:
		case at := <-ticker.C:
			if h.State() != StateConnected {
				continue
			}
			if err := h.keepalive(at); err != nil {
				return h.exit(parent, err, ReasonWriteFailed)
			}
		}
	}
}

// exit maps a failure of the writer onto the way the connection ends.
func (h *Handler) exit(ctx context.Context, err error, fallback string) (Summary, error) {
	h.mu.Lock()
	overflow, reason := h.overflow, h.closeReason
	h.mu.Unlock()
	switch {
	case overflow || errors.Is(err, ErrBackpressureExceeded):
		return h.fail(ReasonBackpressureExceeded, ErrBackpressureExceeded)
	case ctx.Err() != nil:
		return h.abort(ReasonClientDisconnect)
	case reason != "" && h.wasAborted(err):
		return h.abort(reason)
	case fallback == ReasonHandshakeFailed:
		return h.fail(fallback, err)
	default:
		return h.closeUnclean(fallback, err)
	}
}

// wasAborted reports whether err came from, or raced with, abortSink.
func (h *Handler) wasAborted(err error) bool {
	if errors.Is(err, errAborted) {
		return true
	}
	select {
	case <-h.aborted:
		return true
	default:
		return false
	}
}

func (h *Handler) disarm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abortTimer != nil {
		h.abortTimer.Stop()
	}
}

// startIO runs sink writes on their own goroutine so a stuck write can be
// abandoned.
func (h *Handler) startIO() <-chan struct{} {
	h.ioReq = make(chan []byte)
	h.ioRes = make(chan error, 1)
	exited := make(chan struct{})
	go func(req <-chan []byte, res chan<- error) {
		defer close(exited)
		for frame := range req {
			err := h.sink.WriteFrame(frame)
			if err == nil {
				err = h.sink.Flush()
			}
			res <- err
		}
	}(h.ioReq, h.ioRes)
	return exited
}

// stopIO ends the write goroutine. A sink that can be aborted is waited
// for, so it is not written to after Run returns; any other sink may
// still hold a write that never completes.
func (h *Handler) stopIO(exited <-chan struct{}) {
	close(h.ioReq)
	if _, ok := h.sink.(Aborter); !ok {
		return
	}
	select {
	case <-exited:
	case <-time.After(h.cfg.CloseTimeout):
		h.logger.Warn("connection.sink_abort_ignored")
	}
}

func (h *Handler) send(frame []byte) error {
	select {
	case <-h.aborted:
		return errAborted
	case h.ioReq <- frame:
	}
	select {
	case err := <-h.ioRes:
		return err
	case <-h.aborted:
		return errAborted
	}
}

func (h *Handler) pendingClose() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeReason
}

func (h *Handler) transition(to State) error {
	h.mu.Lock()
	from := h.state
	if !CanTransition(from, to) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	h.state = to
	if to == StateBackpressure {
		h.stats.Backpressured++
	}
	h.mu.Unlock()
	h.logger.Debug("connection.state", logpkg.Str("from", from.String()), logpkg.Str("to", to.String()))
	if h.hooks.OnStateChange != nil {
		h.hooks.OnStateChange(h, from, to)
	}
	return nil
}

func (h *Handler) watermark() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.Watermark
}

// resumePoint is the watermark the client will have once everything queued
// has been written.
func (h *Handler) resumePoint() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	wm := h.stats.Watermark
	if n := len(h.queue); n > 0 {
		if r, ok := envelope.ResumeSequence(h.queue[n-1].ID()); ok && r > wm {
			wm = r
		}
	}
	return wm
}

// follow switches to live delivery unless an event above through was
// offered while dark, in which case it returns that sequence.
func (h *Handler) follow(through uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.missed > through {
		return h.missed
	}
	h.live = true
	return 0
}

func (h *Handler) goLive() {
	h.mu.Lock()
	h.live, h.missed = true, 0
	h.mu.Unlock()
}

func (h *Handler) goDark() {
	h.mu.Lock()
	h.live, h.flagged = false, false
	h.mu.Unlock()
}

func (h *Handler) isLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

func (h *Handler) build(t envelope.Type, seq, wm uint64, payload map[string]any, retry bool) (envelope.Envelope, error) {
	opts := []envelope.Option{
		envelope.WithSession(h.session),
		envelope.WithTimestamp(h.clk.Now()),
		envelope.WithPayload(payload),
	}
	if retry {
		opts = append(opts, envelope.WithRetryHint(h.cfg.RetryHintMs))
	}
	return envelope.New(envelope.LocalID(h.session, wm, t), seq, t, opts...)
}

// emitLocal stamps an envelope of the handler's own, writes whatever queued
// envelopes precede it and then the envelope. hook runs inside the stamp.
func (h *Handler) emitLocal(t envelope.Type, payload map[string]any, retry bool, hook func()) error {
	env, err := h.seq.Stamp(h.stampCx, func(seq uint64) (envelope.Envelope, error) {
		if hook != nil {
			hook()
		}
		return h.build(t, seq, h.resumePoint(), payload, retry)
	})
	if err != nil {
		return fmt.Errorf("connection: stamp %s: %w", t, err)
	}
	if err := h.flushBelow(env.Sequence()); err != nil {
		return err
	}
	return h.write(env)
}

func (h *Handler) pop() (envelope.Envelope, bool) {
	if len(h.queue) == 0 {
		return envelope.Envelope{}, false
	}
	env := h.queue[0]
	h.queue[0] = envelope.Envelope{}
	h.queue = h.queue[1:]
	return env, true
}

// flushBelow writes queued envelopes with sequences under seq.
func (h *Handler) flushBelow(seq uint64) error {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 || h.queue[0].Sequence() >= seq {
			h.mu.Unlock()
			return nil
		}
		env, _ := h.pop()
		h.mu.Unlock()
		if err := h.writeQueued(env); err != nil {
			return err
		}
	}
}

// writeQueued writes one dequeued envelope. Reaching the backpressure
// notice moves the connection into StateBackpressure.
func (h *Handler) writeQueued(env envelope.Envelope) error {
	if env.Type() == envelope.TypeBackpressure && h.State() == StateConnected {
		if err := h.transition(StateBackpressure); err != nil {
			return err
		}
		h.logger.Warn("connection.backpressure",
			logpkg.Int("queued", h.Stats().Queued), logpkg.Int("threshold", h.cfg.BackpressureThreshold))
	}
	return h.write(env)
}

// write encodes and flushes one envelope and records it.
func (h *Handler) write(env envelope.Envelope) error {
	if env.Sequence() <= h.wire {
		h.logger.Warn("connection.out_of_order",
			logpkg.Str("event_id", env.ID()), logpkg.Uint64("seq", env.Sequence()), logpkg.Uint64("wire", h.wire))
		return nil
	}
	frame, degraded := envelope.EncodeFrame(env)
	if degraded {
		h.logger.Warn("connection.serialization_failed",
			logpkg.Str("event_id", env.ID()), logpkg.Str("type", env.Type().String()))
	}
	if err := h.send(frame); err != nil {
		return err
	}
	h.wire = env.Sequence()
	now := h.clk.Now()
	resume, _ := envelope.ResumeSequence(env.ID())
	h.mu.Lock()
	h.stats.EventsSent++
	h.stats.LastWriteAt = now
	if degraded {
		h.stats.Degraded++
	}
	if !env.Type().IsLifecycle() && !env.Type().IsControl() {
		h.stats.LastEventAt = now
	}
	if resume > h.stats.Watermark {
		h.stats.Watermark = resume
	}
	h.mu.Unlock()
	if h.hooks.OnSent != nil {
		h.hooks.OnSent(h, env, degraded)
	}
	return nil
}

// handshake reports whether events were published between registration
// and handshake-complete, which a fresh connection then replays.
func (h *Handler) handshake() (behind bool, err error) {
	if err := h.emitLocal(envelope.TypeHandshakeStart, map[string]any{
		"session_id":    h.session,
		"connection_id": h.id,
	}, false, nil); err != nil {
		return false, err
	}
	caps := make([]any, 0, len(h.cfg.Capabilities))
	for _, c := range h.cfg.Capabilities {
		caps = append(caps, c)
	}
	wm := h.watermark()
	err = h.emitLocal(envelope.TypeHandshakeComplete, map[string]any{
		"session_id":            h.session,
		"connection_id":         h.id,
		"server_version":        h.cfg.ServerVersion,
		"capabilities":          caps,
		"keepalive_interval_ms": h.cfg.KeepaliveInterval.Milliseconds(),
		"resume":                h.resume,
		"watermark":             wm,
	}, true, func() {
		if !h.resume {
			behind = h.follow(wm) != 0
		}
	})
	return behind, err
}

func (h *Handler) keepalive(at time.Time) error {
	h.mu.Lock()
	queued := len(h.queue)
	h.mu.Unlock()
	if err := h.emitLocal(envelope.TypeKeepalive, map[string]any{"queued": queued}, false, nil); err != nil {
		return err
	}
	h.mu.Lock()
	h.stats.LastKeepalive = at
	h.mu.Unlock()
	if h.hooks.OnKeepalive != nil {
		h.hooks.OnKeepalive(h, at)
	}
	return nil
}

// replayTarget feeds a replay through the handler's sequencer and sink.
type replayTarget struct {
	h   *Handler
	err error
}

func (t *replayTarget) Stamp(_ context.Context, build func(uint64) (envelope.Envelope, error)) (envelope.Envelope, error) {
	return t.h.seq.Stamp(t.h.stampCx, build)
}

func (t *replayTarget) Emit(env envelope.Envelope) error {
	if err := t.h.write(env); err != nil {
		t.err = err
		return err
	}
	return nil
}

func (t *replayTarget) Follow(through uint64) uint64 { return t.h.follow(through) }

// runReplay replays everything after the watermark and hands over to live
// delivery. It returns an error only when the sink failed; replay failures
// are reported to the client as a warning.
func (h *Handler) runReplay(ctx context.Context) error {
	if err := h.transition(StateReplaying); err != nil {
		return err
	}
	var (
		res replay.Result
		err error
	)
	t := &replayTarget{h: h}
	if h.replayer != nil {
		res, err = h.replayer.Replay(ctx, replay.Request{
			Session:      h.session,
			ConnectionID: h.id,
			From:         h.watermark() + 1,
			MaxEvents:    h.cfg.ReplayMaxEvents,
			RetryHintMs:  h.cfg.RetryHintMs,
			Filter:       h.filter,
		}, t)
	}
	if t.err != nil {
		return t.err
	}
	if err == nil && h.replayer == nil {
		err = errors.New("no replayer configured")
	}
	if err != nil || !h.isLive() {
		msg := "replay ended before reaching live delivery"
		if err != nil {
			msg = err.Error()
		}
		h.logger.Warn("connection.replay_failed", logpkg.Str("error", msg))
		if werr := h.emitLocal(envelope.TypeWarning, map[string]any{
			"code":    "replay-failed",
			"message": msg,
		}, false, h.goLive); werr != nil {
			return werr
		}
	} else {
		h.logger.Info("connection.replayed",
			logpkg.Uint64("from", res.From),
			logpkg.Uint64("to", res.To),
			logpkg.Int("count", res.Count()),
			logpkg.Int("gaps", len(res.Gaps)),
			logpkg.Bool("truncated", res.Truncated))
	}
	return h.transition(StateConnected)
}

// applyPause enters or leaves StatePaused. The pause notice follows
// everything already queued; resuming replays what was published while
// paused before live delivery continues.
func (h *Handler) applyPause(ctx context.Context) error {
	h.mu.Lock()
	want, st := h.wantPause, h.state
	h.mu.Unlock()
	switch {
	case want && (st == StateConnected || st == StateBackpressure):
		if err := h.emitLocal(envelope.TypePause, map[string]any{"queued": h.Stats().Queued}, false, h.goDark); err != nil {
			return err
		}
		return h.transition(StatePaused)
	case !want && st == StatePaused:
		if err := h.transition(StateConnected); err != nil {
			return err
		}
		var behind bool
		if err := h.emitLocal(envelope.TypeResume, map[string]any{"queued": 0}, false, func() {
			behind = h.follow(h.watermark()) != 0
		}); err != nil {
			return err
		}
		if behind {
			return h.runReplay(ctx)
		}
	}
	return nil
}

// pump drains the queue until it is empty or a close or pause request
// arrives.
func (h *Handler) pump() error {
	for {
		h.mu.Lock()
		if h.overflow {
			h.mu.Unlock()
			return ErrBackpressureExceeded
		}
		if h.closeReason != "" || h.wantPause {
			h.mu.Unlock()
			return nil
		}
		env, ok := h.pop()
		h.mu.Unlock()
		if !ok {
			return nil
		}
		if err := h.writeQueued(env); err != nil {
			return err
		}
		if err := h.maybeExitBackpressure(); err != nil {
			return err
		}
	}
}

func (h *Handler) maybeExitBackpressure() error {
	h.mu.Lock()
	st, remaining := h.state, len(h.queue)
	h.mu.Unlock()
	if st != StateBackpressure || (remaining > 0 && remaining >= h.cfg.BackpressureThreshold/2) {
		return nil
	}
	if err := h.transition(StateConnected); err != nil {
		return err
	}
	h.logger.Info("connection.backpressure_cleared", logpkg.Int("queued", remaining))
	return h.emitLocal(envelope.TypeBackpressure, map[string]any{
		"active": false,
		"queued": remaining,
	}, false, func() {
		h.mu.Lock()
		h.flagged = false
		h.mu.Unlock()
	})
}

// takeQueue empties the queue and returns what was in it.
func (h *Handler) takeQueue() []envelope.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queue
	h.queue = nil
	return q
}

func (h *Handler) closeEnvelope(s Summary) error {
	return h.emitLocal(envelope.TypeConnectionClose, map[string]any{
		"reason":      s.Reason,
		"was_clean":   s.WasClean,
		"discarded":   s.Discarded,
		"events_sent": h.Stats().EventsSent,
	}, false, nil)
}

// closeClean drains what is queued, then sends connection-close. If the
// sink is aborted meanwhile the rest is discarded and the close is unclean.
func (h *Handler) closeClean(reason string) (Summary, error) {
	if err := h.transition(StateClosing); err != nil {
		return h.fail(reason, err)
	}
	s := Summary{Reason: reason, WasClean: true}
	pending := h.takeQueue()
	for i, env := range pending {
		if err := h.writeQueued(env); err != nil {
			s.WasClean = false
			s.Discarded = len(pending) - i
			return h.finish(s, h.unlessAborted(err))
		}
	}
	if err := h.closeEnvelope(s); err != nil {
		s.WasClean = false
		return h.finish(s, h.unlessAborted(err))
	}
	return h.finish(s, nil)
}

func (h *Handler) unlessAborted(err error) error {
	if h.wasAborted(err) {
		return nil
	}
	return err
}

// closeUnclean runs after a sink failure; nothing more can be written.
func (h *Handler) closeUnclean(reason string, cause error) (Summary, error) {
	if err := h.transition(StateClosing); err != nil {
		return h.fail(reason, cause)
	}
	s := Summary{Reason: reason, Discarded: len(h.takeQueue())}
	return h.finish(s, fmt.Errorf("connection: %s: %w", reason, cause))
}

// abort ends a connection whose sink is gone or was cut off: queued
// envelopes are discarded.
func (h *Handler) abort(reason string) (Summary, error) {
	if err := h.transition(StateClosing); err != nil {
		return h.fail(reason, err)
	}
	s := Summary{Reason: reason, Discarded: len(h.takeQueue())}
	return h.finish(s, nil)
}

func (h *Handler) finish(s Summary, err error) (Summary, error) {
	if terr := h.transition(StateClosed); terr != nil && err == nil {
		err = terr
	}
	s.EventsSent = h.Stats().EventsSent
	s.Final = h.State()
	h.logClose(s, err)
	return s, err
}

// fail moves to StateError. It still tries to tell the client why.
func (h *Handler) fail(reason string, cause error) (Summary, error) {
	_ = h.transition(StateError)
	s := Summary{Reason: reason, Discarded: len(h.takeQueue())}
	if errors.Is(cause, ErrBackpressureExceeded) {
		_ = h.emitLocal(envelope.TypeError, map[string]any{
			"code":    ReasonBackpressureExceeded,
			"message": cause.Error(),
			"max":     h.cfg.MaxQueue,
		}, false, nil)
	}
	_ = h.closeEnvelope(s)
	s.EventsSent = h.Stats().EventsSent
	s.Final = StateError
	h.logClose(s, cause)
	return s, cause
}

func (h *Handler) logClose(s Summary, err error) {
	fields := []logpkg.Field{
		logpkg.Str("reason", s.Reason),
		logpkg.Bool("was_clean", s.WasClean),
		logpkg.Int("discarded", s.Discarded),
		logpkg.Uint64("events_sent", s.EventsSent),
		logpkg.Str("final", s.Final.String()),
	}
	if err != nil || !s.WasClean {
		if err != nil {
			fields = append(fields, logpkg.Err(err))
		}
		h.logger.Warn("connection.closed", fields...)
		return
	}
	h.logger.Info("connection.closed", fields...)
}
