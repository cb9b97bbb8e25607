package connection

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/streamd/internal/buffer"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/replay"
	"github.com/rzbill/streamd/pkg/clock"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	frames    []envelope.Envelope
	gate      chan struct{}
	blocked   chan struct{}
	aborted   chan struct{}
	abortOnce sync.Once
	failing   bool
}

func newRecorder() *recorder {
	return &recorder{blocked: make(chan struct{}, 1), aborted: make(chan struct{})}
}

func (r *recorder) WriteFrame(b []byte) error {
	r.mu.Lock()
	gate, failing := r.gate, r.failing
	r.mu.Unlock()
	if failing {
		return errors.New("broken pipe")
	}
	if gate != nil {
		select {
		case r.blocked <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-r.aborted:
			return errors.New("write deadline exceeded")
		}
	}
	env, err := envelope.DecodeFrame(b)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Flush() error { return nil }

func (r *recorder) Abort() { r.abortOnce.Do(func() { close(r.aborted) }) }

func (r *recorder) hold() {
	r.mu.Lock()
	r.gate = make(chan struct{})
	r.mu.Unlock()
}

func (r *recorder) release() {
	r.mu.Lock()
	close(r.gate)
	r.mu.Unlock()
}

func (r *recorder) fail() {
	r.mu.Lock()
	r.failing = true
	r.mu.Unlock()
}

func (r *recorder) all() []envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope.Envelope(nil), r.frames...)
}

func (r *recorder) ofType(t envelope.Type) []envelope.Envelope {
	var out []envelope.Envelope
	for _, e := range r.all() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeSession shares one counter and lock between publishes and stamps
// and mirrors everything into buf, as the stream service does.
type fakeSession struct {
	t   *testing.T
	id  string
	buf *buffer.Buffer

	mu  sync.Mutex
	seq uint64
}

func newSession(t *testing.T, id string) *fakeSession {
	return &fakeSession{t: t, id: id, buf: buffer.New(buffer.Options{MaxPerSession: 1000})}
}

func (s *fakeSession) Stamp(ctx context.Context, build func(uint64) (envelope.Envelope, error)) (envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StampHeld(ctx, build)
}

func (s *fakeSession) StampHeld(_ context.Context, build func(uint64) (envelope.Envelope, error)) (envelope.Envelope, error) {
	s.seq++
	env, err := build(s.seq)
	if err != nil {
		return env, err
	}
	if err := s.buf.Append(env); err != nil {
		s.t.Errorf("mirror %d: %v", env.Sequence(), err)
	}
	return env, nil
}

// publish assigns the next sequence and offers the event to h, if any.
func (s *fakeSession) publish(h *Handler, typ envelope.Type) (envelope.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e := data(s.t, s.id, s.seq, typ)
	if err := s.buf.Append(e); err != nil {
		s.t.Fatalf("append: %v", err)
	}
	if h == nil {
		return e, true
	}
	return e, h.Deliver(e)
}

func (s *fakeSession) replayer() Replayer {
	return replay.NewController(replay.Options{Buffer: s.buf})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitBlocked(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.blocked:
	case <-time.After(3 * time.Second):
		t.Fatalf("sink never blocked")
	}
}

type runResult struct {
	s   Summary
	err error
}

func start(t *testing.T, h *Handler) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan runResult, 1)
	go func() {
		s, err := h.Run(ctx)
		out <- runResult{s, err}
	}()
	t.Cleanup(cancel)
	return cancel, out
}

func wait(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
		return runResult{}
	}
}

func data(t *testing.T, session string, seq uint64, typ envelope.Type) envelope.Envelope {
	t.Helper()
	e, err := envelope.New(envelope.PrimaryID(session, seq), seq, typ,
		envelope.WithSession(session),
		envelope.WithTimestamp(t0),
		envelope.WithPayload(map[string]any{"n": seq}))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return e
}

func seqs(envs []envelope.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, e := range envs {
		out[i] = e.Sequence()
	}
	return out
}

func types(envs []envelope.Envelope) []envelope.Type {
	out := make([]envelope.Type, len(envs))
	for i, e := range envs {
		out[i] = e.Type()
	}
	return out
}

func assertIncreasing(t *testing.T, envs []envelope.Envelope) {
	t.Helper()
	for i := 1; i < len(envs); i++ {
		if envs[i].Sequence() <= envs[i-1].Sequence() {
			t.Fatalf("frame %d (%s) seq %d after %s seq %d; all: %v",
				i, envs[i].Type(), envs[i].Sequence(), envs[i-1].Type(), envs[i-1].Sequence(), seqs(envs))
		}
	}
}

func assertTypes(t *testing.T, got []envelope.Envelope, want ...envelope.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", types(got), want)
	}
	for i := range want {
		if got[i].Type() != want[i] {
			t.Fatalf("frames = %v, want %v", types(got), want)
		}
	}
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateInitializing, StateHandshaking, true},
		{StateInitializing, StateConnected, false},
		{StateHandshaking, StateConnected, true},
		{StateConnected, StateReplaying, true},
		{StateReplaying, StateConnected, true},
		{StateReplaying, StateBackpressure, false},
		{StateConnected, StateBackpressure, true},
		{StateBackpressure, StateConnected, true},
		{StatePaused, StateConnected, true},
		{StateClosing, StateClosed, true},
		{StateClosing, StateConnected, false},
		{StateReplaying, StateError, true},
		{StateClosed, StateError, false},
		{StateError, StateClosing, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
	if !StateClosed.Terminal() || !StateError.Terminal() || StateClosing.Terminal() {
		t.Fatalf("terminal states wrong")
	}
}

func TestHandshakeAndKeepalive(t *testing.T) {
	clk := clock.Fake(t0)
	rec := newRecorder()
	var changes []string
	var mu sync.Mutex
	h := New(Options{
		Session:      "s1",
		ConnectionID: "c1",
		Config:       Config{ServerVersion: "1.2.0", Capabilities: []string{"replay", "pause"}},
		Sink:         rec,
		Sequencer:    newSession(t, "s1"),
		Clock:        clk,
		Hooks: Hooks{OnStateChange: func(_ *Handler, from, to State) {
			mu.Lock()
			changes = append(changes, from.String()+">"+to.String())
			mu.Unlock()
		}},
	})
	cancel, done := start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	frames := rec.all()
	assertTypes(t, frames, envelope.TypeHandshakeStart, envelope.TypeHandshakeComplete)
	hc := frames[1]
	p := hc.Payload()
	if p["server_version"] != "1.2.0" || p["keepalive_interval_ms"] != float64(30000) {
		t.Fatalf("handshake-complete payload = %v", p)
	}
	if hc.RetryHint() != DefaultRetryHintMs {
		t.Fatalf("retry hint = %d", hc.RetryHint())
	}

	clk.WaitForTimers(1)
	clk.Advance(DefaultKeepaliveInterval)
	waitFor(t, "keepalive", func() bool { return len(rec.ofType(envelope.TypeKeepalive)) == 1 })
	if h.Stats().LastKeepalive.IsZero() {
		t.Fatalf("keepalive time not recorded")
	}
	assertIncreasing(t, rec.all())

	cancel()
	r := wait(t, done)
	if r.err != nil || r.s.Reason != ReasonClientDisconnect || r.s.WasClean || r.s.Final != StateClosed {
		t.Fatalf("summary = %+v err = %v", r.s, r.err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 4 || changes[0] != "initializing>handshaking" || changes[1] != "handshaking>connected" {
		t.Fatalf("state changes = %v", changes)
	}
}

func TestWireSequencesStrictlyIncrease(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "S")
	for i := 0; i < 7; i++ {
		sess.publish(nil, envelope.TypeData)
	}
	rec := newRecorder()
	h := New(Options{
		Session: "S", ConnectionID: "c1", Sink: rec, Clock: clk,
		Sequencer: sess, Replayer: sess.replayer(),
		Resume: true, Watermark: 5,
	})
	_, _ = start(t, h)
	waitFor(t, "replay-end", func() bool { return len(rec.ofType(envelope.TypeReplayEnd)) == 1 })
	// A written live event means the keepalive ticker was rearmed after replay.
	sess.publish(h, envelope.TypeData)
	waitFor(t, "first live event", func() bool { return len(rec.ofType(envelope.TypeData)) == 1 })

	clk.Advance(DefaultKeepaliveInterval)
	waitFor(t, "first keepalive", func() bool { return len(rec.ofType(envelope.TypeKeepalive)) == 1 })
	sess.publish(h, envelope.TypeData)
	waitFor(t, "second live event", func() bool { return len(rec.ofType(envelope.TypeData)) == 2 })
	clk.Advance(DefaultKeepaliveInterval)
	waitFor(t, "second keepalive", func() bool { return len(rec.ofType(envelope.TypeKeepalive)) == 2 })

	frames := rec.all()
	assertTypes(t, frames,
		envelope.TypeHandshakeStart, envelope.TypeHandshakeComplete,
		envelope.TypeReplayStart, envelope.TypeReplayEvent, envelope.TypeReplayEvent, envelope.TypeReplayEnd,
		envelope.TypeData, envelope.TypeKeepalive, envelope.TypeData, envelope.TypeKeepalive)
	assertIncreasing(t, frames)
	if frames[0].Sequence() <= 7 {
		t.Fatalf("handshake reused a published sequence: %d", frames[0].Sequence())
	}
	for _, f := range frames {
		if got := sess.buf.GetInRange("S", f.Sequence(), f.Sequence()); len(got) != 1 || got[0].ID() != f.ID() {
			t.Fatalf("%s seq %d not mirrored into the buffer", f.Type(), f.Sequence())
		}
	}
	if wm, live := h.Stats().Watermark, frames[8].Sequence(); wm != live {
		t.Fatalf("watermark = %d, want %d", wm, live)
	}
}

type blockingReplayer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReplayer) Replay(ctx context.Context, req replay.Request, t replay.Target) (replay.Result, error) {
	close(b.entered)
	<-b.release
	res := replay.Result{From: req.From, To: req.From - 1}
	end, err := t.Stamp(ctx, func(seq uint64) (envelope.Envelope, error) {
		t.Follow(res.To)
		return replay.EndEnvelope(req, res, seq)
	})
	if err != nil {
		return res, err
	}
	return res, t.Emit(end)
}

func TestKeepaliveSuppressedWhileReplaying(t *testing.T) {
	clk := clock.Fake(t0)
	rec := newRecorder()
	rp := &blockingReplayer{entered: make(chan struct{}), release: make(chan struct{})}
	sess := newSession(t, "s1")
	h := New(Options{Session: "s1", ConnectionID: "c1", Sink: rec, Sequencer: sess,
		Clock: clk, Replayer: rp, Resume: true, Watermark: 5})
	_, _ = start(t, h)

	<-rp.entered
	if h.State() != StateReplaying {
		t.Fatalf("state = %s", h.State())
	}
	clk.WaitForTimers(1)
	clk.Advance(3 * DefaultKeepaliveInterval)
	close(rp.release)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })
	sess.publish(h, envelope.TypeData)
	waitFor(t, "live event", func() bool { return len(rec.ofType(envelope.TypeData)) == 1 })
	if n := len(rec.ofType(envelope.TypeKeepalive)); n != 0 {
		t.Fatalf("%d keepalives around replay", n)
	}
	clk.Advance(DefaultKeepaliveInterval)
	waitFor(t, "keepalive", func() bool { return len(rec.ofType(envelope.TypeKeepalive)) == 1 })
}

func TestResumeReplaysBeforeLiveDelivery(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "S")
	for i := 0; i < 10; i++ {
		sess.publish(nil, envelope.TypeData)
	}
	rec := newRecorder()
	h := New(Options{
		Session: "S", ConnectionID: "c1", Sink: rec, Clock: clk,
		Sequencer: sess, Replayer: sess.replayer(),
		Resume: true, Watermark: 5,
	})
	// Published after registration but before the replay is planned.
	sess.publish(h, envelope.TypeData)
	_, _ = start(t, h)

	waitFor(t, "replay-end", func() bool { return len(rec.ofType(envelope.TypeReplayEnd)) == 1 })
	live, _ := sess.publish(h, envelope.TypeData)
	waitFor(t, "live event", func() bool { return len(rec.ofType(envelope.TypeData)) == 1 })

	frames := rec.all()
	assertTypes(t, frames,
		envelope.TypeHandshakeStart, envelope.TypeHandshakeComplete,
		envelope.TypeReplayStart,
		envelope.TypeReplayEvent, envelope.TypeReplayEvent, envelope.TypeReplayEvent,
		envelope.TypeReplayEvent, envelope.TypeReplayEvent, envelope.TypeReplayEvent,
		envelope.TypeReplayEnd,
		envelope.TypeData)
	assertIncreasing(t, frames)

	if sp := frames[2].Payload(); sp["from"] != float64(6) || sp["count"] != float64(6) {
		t.Fatalf("replay-start payload = %v", sp)
	}
	for i, w := range rec.ofType(envelope.TypeReplayEvent) {
		orig, ok, err := replay.Unwrap(w)
		if err != nil || !ok || orig.Sequence() != uint64(6+i) || orig.ID() != envelope.PrimaryID("S", uint64(6+i)) {
			t.Fatalf("replayed %d = %s seq %d (%v %v)", i, orig.ID(), orig.Sequence(), ok, err)
		}
	}
	if got := frames[len(frames)-1]; got.ID() != live.ID() {
		t.Fatalf("live frame %s, want %s", got.ID(), live.ID())
	}
	if wm := h.Stats().Watermark; wm != live.Sequence() {
		t.Fatalf("watermark = %d", wm)
	}
}

func TestEventsPublishedBeforeHandshakeAreReplayed(t *testing.T) {
	sess := newSession(t, "S")
	rec := newRecorder()
	h := New(Options{Session: "S", ConnectionID: "c1", Sink: rec, Clock: clock.Fake(t0),
		Sequencer: sess, Replayer: sess.replayer()})
	early, ok := sess.publish(h, envelope.TypeData)
	if !ok {
		t.Fatalf("deliver before run refused")
	}
	_, _ = start(t, h)
	waitFor(t, "replay-end", func() bool { return len(rec.ofType(envelope.TypeReplayEnd)) == 1 })

	frames := rec.all()
	assertTypes(t, frames,
		envelope.TypeHandshakeStart, envelope.TypeHandshakeComplete,
		envelope.TypeReplayStart, envelope.TypeReplayEvent, envelope.TypeReplayEnd)
	assertIncreasing(t, frames)
	if orig, _, _ := replay.Unwrap(frames[3]); orig.ID() != early.ID() {
		t.Fatalf("replayed %s, want %s", orig.ID(), early.ID())
	}
}

func TestBackpressureEnterAndExit(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clk, Sequencer: sess,
		Config: Config{BackpressureThreshold: 10, MaxQueue: 100}})
	_, _ = start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	rec.hold()
	sess.publish(h, envelope.TypeData)
	waitBlocked(t, rec)
	for i := 2; i <= 30; i++ {
		if _, ok := sess.publish(h, envelope.TypeData); !ok {
			t.Fatalf("deliver %d refused", i)
		}
	}
	rec.release()

	waitFor(t, "all data", func() bool { return len(rec.ofType(envelope.TypeData)) == 30 })
	waitFor(t, "cleared", func() bool { return len(rec.ofType(envelope.TypeBackpressure)) == 2 })
	waitFor(t, "connected again", func() bool { return h.State() == StateConnected })

	frames := rec.all()
	assertIncreasing(t, frames)
	bp := rec.ofType(envelope.TypeBackpressure)
	if bp[0].Payload()["active"] != true || bp[1].Payload()["active"] != false {
		t.Fatalf("backpressure frames = %v", bp)
	}
	// The notice sits right behind the event that crossed the threshold.
	var before int
	for _, f := range frames {
		if f.ID() == bp[0].ID() {
			break
		}
		if f.Type() == envelope.TypeData {
			before++
		}
	}
	if before != 11 {
		t.Fatalf("%d events before the backpressure notice", before)
	}
	if last := frames[len(frames)-1]; last.ID() != bp[1].ID() {
		t.Fatalf("last frame %s, want the clearing notice", last.Type())
	}
	if h.Stats().Backpressured != 1 {
		t.Fatalf("backpressured = %d", h.Stats().Backpressured)
	}
}

func TestBackpressureHardMaximumFailsConnection(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clk, Sequencer: sess,
		Config: Config{BackpressureThreshold: 2, MaxQueue: 5}})
	_, done := start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	rec.hold()
	sess.publish(h, envelope.TypeData)
	waitBlocked(t, rec)
	// Four events plus the backpressure notice fill the queue.
	for i := 2; i <= 5; i++ {
		if _, ok := sess.publish(h, envelope.TypeData); !ok {
			t.Fatalf("deliver %d refused", i)
		}
	}
	if h.Stats().Queued != 5 {
		t.Fatalf("queued = %d", h.Stats().Queued)
	}
	if _, ok := sess.publish(h, envelope.TypeData); ok {
		t.Fatalf("deliver past hard maximum accepted")
	}
	rec.release()

	r := wait(t, done)
	if !errors.Is(r.err, ErrBackpressureExceeded) {
		t.Fatalf("err = %v", r.err)
	}
	if r.s.Final != StateError || r.s.Reason != ReasonBackpressureExceeded || r.s.Discarded != 5 || r.s.WasClean {
		t.Fatalf("summary = %+v", r.s)
	}
	frames := rec.all()
	n := len(frames)
	if frames[n-2].Type() != envelope.TypeError || frames[n-1].Type() != envelope.TypeConnectionClose {
		t.Fatalf("tail frames = %s, %s", frames[n-2].Type(), frames[n-1].Type())
	}
	if frames[n-1].Payload()["discarded"] != float64(5) {
		t.Fatalf("close payload = %v", frames[n-1].Payload())
	}
	assertIncreasing(t, frames)
	if _, ok := sess.publish(h, envelope.TypeData); ok {
		t.Fatalf("deliver after failure accepted")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clk, Sequencer: sess})
	_, done := start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	rec.hold()
	sess.publish(h, envelope.TypeData)
	waitBlocked(t, rec)
	for i := 2; i <= 4; i++ {
		sess.publish(h, envelope.TypeData)
	}
	h.Close(ReasonServerShutdown)
	if _, ok := sess.publish(h, envelope.TypeData); ok {
		t.Fatalf("deliver after close accepted")
	}
	rec.release()

	r := wait(t, done)
	if r.err != nil || !r.s.WasClean || r.s.Discarded != 0 || r.s.Reason != ReasonServerShutdown || r.s.Final != StateClosed {
		t.Fatalf("summary = %+v err = %v", r.s, r.err)
	}
	if got := rec.ofType(envelope.TypeData); len(got) != 4 {
		t.Fatalf("delivered = %v", seqs(got))
	}
	frames := rec.all()
	assertIncreasing(t, frames)
	last := frames[len(frames)-1]
	if last.Type() != envelope.TypeConnectionClose {
		t.Fatalf("last frame = %s", last.Type())
	}
	p := last.Payload()
	if p["reason"] != ReasonServerShutdown || p["was_clean"] != true || p["discarded"] != float64(0) {
		t.Fatalf("close payload = %v", p)
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

// stuckSink accepts the handshake and then never returns from a write.
// It cannot be aborted.
type stuckSink struct {
	*recorder
	mu      sync.Mutex
	stuck   bool
	unstick chan struct{}
}

func (s *stuckSink) WriteFrame(b []byte) error {
	s.mu.Lock()
	stuck := s.stuck
	s.mu.Unlock()
	if stuck {
		select {
		case s.recorder.blocked <- struct{}{}:
		default:
		}
		<-s.unstick
		return errors.New("closed")
	}
	return s.recorder.WriteFrame(b)
}

func TestCloseUnblocksStuckWrite(t *testing.T) {
	sess := newSession(t, "s")
	sink := &stuckSink{recorder: newRecorder(), unstick: make(chan struct{})}
	t.Cleanup(func() { close(sink.unstick) })
	h := New(Options{Session: "s", ConnectionID: "c", Sink: struct{ Sink }{sink}, Clock: clock.Fake(t0), Sequencer: sess})
	_, done := start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	sink.mu.Lock()
	sink.stuck = true
	sink.mu.Unlock()
	sess.publish(h, envelope.TypeData)
	waitBlocked(t, sink.recorder)
	sess.publish(h, envelope.TypeData)
	sess.publish(h, envelope.TypeData)

	began := time.Now()
	h.Close(ReasonStale)
	var r runResult
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run still blocked 2s after Close")
	}
	if d := time.Since(began); d < DefaultCloseTimeout/2 {
		t.Fatalf("returned after %v, before the close timeout", d)
	}
	if r.err != nil || r.s.WasClean || r.s.Reason != ReasonStale || r.s.Discarded != 2 || r.s.Final != StateClosed {
		t.Fatalf("summary = %+v err = %v", r.s, r.err)
	}
}

func TestCloseAbortsBlockedConnWrite(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	// Read the two handshake frames, then stop reading.
	handshook := make(chan struct{})
	go func() {
		br := bufio.NewReader(client)
		for frames := 0; frames < 2; {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\n" {
				frames++
			}
		}
		close(handshook)
	}()

	sess := newSession(t, "s")
	h := New(Options{Session: "s", ConnectionID: "c", Sink: NewWriterSink(server), Clock: clock.Fake(t0),
		Sequencer: sess, Config: Config{CloseTimeout: 20 * time.Millisecond}})
	_, done := start(t, h)
	<-handshook
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	sess.publish(h, envelope.TypeData)
	sess.publish(h, envelope.TypeData)
	h.Close(ReasonServerShutdown)
	r := wait(t, done)
	if r.err != nil || r.s.WasClean || r.s.Reason != ReasonServerShutdown || r.s.Final != StateClosed {
		t.Fatalf("summary = %+v err = %v", r.s, r.err)
	}
	if r.s.EventsSent != 2 {
		t.Fatalf("events sent = %d", r.s.EventsSent)
	}
}

func TestClientDisconnectDiscardsQueue(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clk, Sequencer: sess})
	cancel, done := start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	rec.hold()
	sess.publish(h, envelope.TypeData)
	waitBlocked(t, rec)
	sess.publish(h, envelope.TypeData)
	sess.publish(h, envelope.TypeData)
	cancel()

	r := wait(t, done)
	if r.err != nil || r.s.WasClean || r.s.Discarded != 2 || r.s.Reason != ReasonClientDisconnect {
		t.Fatalf("summary = %+v err = %v", r.s, r.err)
	}
	rec.release()
}

func TestWriteFailureClosesUncleanly(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clk, Sequencer: sess})
	_, done := start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	rec.fail()
	sess.publish(h, envelope.TypeData)
	r := wait(t, done)
	if r.err == nil || r.s.WasClean || r.s.Reason != ReasonWriteFailed || r.s.Final != StateClosed {
		t.Fatalf("summary = %+v err = %v", r.s, r.err)
	}
}

func TestPauseAndResume(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clk,
		Sequencer: sess, Replayer: sess.replayer()})
	_, _ = start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	if err := h.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitFor(t, "paused", func() bool { return h.State() == StatePaused })
	first, _ := sess.publish(h, envelope.TypeData)
	second, _ := sess.publish(h, envelope.TypeData)
	if q := h.Stats().Queued; q != 0 {
		t.Fatalf("%d events queued while paused", q)
	}
	if n := len(rec.ofType(envelope.TypeData)) + len(rec.ofType(envelope.TypeReplayEvent)); n != 0 {
		t.Fatalf("%d events written while paused", n)
	}

	if err := h.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "catch-up", func() bool { return len(rec.ofType(envelope.TypeReplayEnd)) == 1 })
	live, _ := sess.publish(h, envelope.TypeData)
	waitFor(t, "live event", func() bool { return len(rec.ofType(envelope.TypeData)) == 1 })

	frames := rec.all()
	assertTypes(t, frames[2:],
		envelope.TypePause, envelope.TypeResume,
		envelope.TypeReplayStart, envelope.TypeReplayEvent, envelope.TypeReplayEvent, envelope.TypeReplayEnd,
		envelope.TypeData)
	assertIncreasing(t, frames)
	for i, want := range []envelope.Envelope{first, second} {
		if orig, _, _ := replay.Unwrap(frames[5+i]); orig.ID() != want.ID() {
			t.Fatalf("caught up %s, want %s", orig.ID(), want.ID())
		}
	}
	if frames[len(frames)-1].ID() != live.ID() {
		t.Fatalf("live frame %s", frames[len(frames)-1].ID())
	}
}

func TestPauseWritesQueuedEventsFirst(t *testing.T) {
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clock.Fake(t0), Sequencer: sess})
	_, _ = start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	rec.hold()
	sess.publish(h, envelope.TypeData)
	waitBlocked(t, rec)
	sess.publish(h, envelope.TypeData)
	if err := h.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	rec.release()
	waitFor(t, "paused", func() bool { return h.State() == StatePaused })
	waitFor(t, "pause notice", func() bool { return len(rec.ofType(envelope.TypePause)) == 1 })

	frames := rec.all()
	assertTypes(t, frames[2:], envelope.TypeData, envelope.TypeData, envelope.TypePause)
	assertIncreasing(t, frames)
}

func TestFilterAppliesToLiveEvents(t *testing.T) {
	clk := clock.Fake(t0)
	sess := newSession(t, "s")
	rec := newRecorder()
	h := New(Options{Session: "s", ConnectionID: "c", Sink: rec, Clock: clk, Sequencer: sess,
		Filter: func(e envelope.Envelope) bool { return e.Type() != envelope.TypeUpdate }})
	_, _ = start(t, h)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	sess.publish(h, envelope.TypeData)
	sess.publish(h, envelope.TypeUpdate)
	sess.publish(h, envelope.TypeInsert)
	waitFor(t, "insert", func() bool { return len(rec.ofType(envelope.TypeInsert)) == 1 })
	if n := len(rec.ofType(envelope.TypeUpdate)); n != 0 {
		t.Fatalf("filtered event delivered")
	}
	if s := h.Stats(); s.EventsSent != 4 || s.LastEventAt.IsZero() {
		t.Fatalf("stats = %+v", s)
	}
}
