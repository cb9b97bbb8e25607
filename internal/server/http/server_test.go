package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/streamd/internal/config"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/replay"
	"github.com/rzbill/streamd/internal/runtime"
	streamsvc "github.com/rzbill/streamd/internal/services/streams"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

func testConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Server.Fsync = "always"
	return cfg
}

// newTestServer starts a real listener so responses can stream.
func newTestServer(t *testing.T, cfg cfgpkg.Config) (*httptest.Server, *streamsvc.Service) {
	t.Helper()
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	svc, err := streamsvc.New(rt, streamsvc.Options{ServerVersion: "test", Logger: logger})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	ts := httptest.NewServer(New(svc, logger).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		ts.Close()
		_ = rt.Close()
	})
	return ts, svc
}

func openStream(t *testing.T, ts *httptest.Server, session string, hdr map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stream/"+session, nil)
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// nextOfType reads frames until one of type want arrives.
func nextOfType(t *testing.T, fr *envelope.FrameReader, want envelope.Type) envelope.Envelope {
	t.Helper()
	type result struct {
		env envelope.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			f, err := fr.Next()
			if err != nil {
				ch <- result{err: err}
				return
			}
			env, err := f.Envelope()
			if err != nil {
				ch <- result{err: err}
				return
			}
			if env.Type() == want {
				ch <- result{env: env}
				return
			}
		}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("reading %s: %v", want, r.err)
		}
		return r.env
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return envelope.Envelope{}
	}
}

func post(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(t))
	resp := get(t, ts, "/stream/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var h streamsvc.Health
	decode(t, resp.Body, &h)
	if h.Status != "ok" || h.SequenceBackend != "persisted" {
		t.Fatalf("health %+v", h)
	}
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(t))
	resp := openStream(t, ts, "s1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("cache control %q", cc)
	}
	fr := envelope.NewFrameReader(resp.Body)
	hc := nextOfType(t, fr, envelope.TypeHandshakeComplete)
	if hc.Payload()["server_version"] != "test" {
		t.Fatalf("handshake payload %v", hc.Payload())
	}

	pub := post(t, ts, "/stream/s1/publish", `{"event_type":"update","payload":{"k":"v"}}`)
	if pub.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status %d", pub.StatusCode)
	}
	env := nextOfType(t, fr, envelope.TypeUpdate)
	if env.Sequence() <= hc.Sequence() || env.ID() != envelope.PrimaryID("s1", env.Sequence()) || env.Payload()["k"] != "v" {
		t.Fatalf("delivered %s seq %d payload %v", env.ID(), env.Sequence(), env.Payload())
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(t))
	for i := 0; i < 3; i++ {
		if resp := post(t, ts, "/stream/s1/publish", `{"payload":{"i":1}}`); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("publish status %d", resp.StatusCode)
		}
	}
	resp := openStream(t, ts, "s1", map[string]string{"Last-Event-ID": "s1:2"})
	fr := envelope.NewFrameReader(resp.Body)
	start := nextOfType(t, fr, envelope.TypeReplayStart)
	if start.Payload()["from"] != float64(3) {
		t.Fatalf("replay-start payload %v", start.Payload())
	}
	ev := nextOfType(t, fr, envelope.TypeReplayEvent)
	orig, ok, err := replay.Unwrap(ev)
	if err != nil || !ok || orig.Sequence() != 3 || orig.ID() != "s1:3" {
		t.Fatalf("replayed %s seq %d (%v %v)", orig.ID(), orig.Sequence(), ok, err)
	}
	if ev.Sequence() <= start.Sequence() {
		t.Fatalf("replay-event seq %d not after replay-start seq %d", ev.Sequence(), start.Sequence())
	}
	nextOfType(t, fr, envelope.TypeReplayEnd)
}

func TestStreamAdmissionErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission.MinClientVersion = "2.0.0"
	cfg.Stream.MaxConnectionsPerSession = 1
	ts, _ := newTestServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stream/s1", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("bad accept status %d", resp.StatusCode)
	}

	resp = openStream(t, ts, "s1", map[string]string{"X-Client-Version": "1.9.0"})
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("old client status %d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp.Body, &body)
	if body["kind"] != "version-mismatch" {
		t.Fatalf("error body %v", body)
	}

	first := openStream(t, ts, "s1", map[string]string{"X-Client-Version": "2.1.0"})
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream %d", first.StatusCode)
	}
	second := openStream(t, ts, "s1", map[string]string{"X-Client-Version": "2.1.0"})
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second stream %d", second.StatusCode)
	}
	decode(t, second.Body, &body)
	if body["kind"] != "max-connections" {
		t.Fatalf("error body %v", body)
	}

	resp = openStream(t, ts, "bad%20id", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad session status %d", resp.StatusCode)
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission.RequestsPerMinute = 1
	cfg.Admission.Burst = 1
	ts, _ := newTestServer(t, cfg)

	if resp := openStream(t, ts, "s1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first stream %d", resp.StatusCode)
	}
	resp := openStream(t, ts, "s2", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second stream %d", resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("Retry-After %q", ra)
	}
}

func TestReplayStatusAndGaps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.MaxPerSession = 2
	cfg.Store.HistoryReplay = false
	ts, _ := newTestServer(t, cfg)
	for i := 0; i < 4; i++ {
		post(t, ts, "/stream/s1/publish", `{"payload":{}}`)
	}

	resp := get(t, ts, "/stream/s1/replay?from_seq=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d", resp.StatusCode)
	}
	if g := resp.Header.Get("X-Replay-Gaps"); g != "1-2" {
		t.Fatalf("X-Replay-Gaps %q", g)
	}
	var envs []map[string]any
	decode(t, resp.Body, &envs)
	if len(envs) != 4 || envs[0]["event_type"] != "replay-start" || envs[3]["event_type"] != "replay-end" {
		t.Fatalf("replay body %v", envs)
	}

	resp = get(t, ts, "/stream/s1/gaps?from_seq=1&to_seq=4")
	var gaps struct {
		Gaps []struct{ Start, End uint64 } `json:"gaps"`
	}
	decode(t, resp.Body, &gaps)
	if len(gaps.Gaps) != 1 || gaps.Gaps[0].Start != 1 || gaps.Gaps[0].End != 2 {
		t.Fatalf("gaps %+v", gaps)
	}

	// Publishing alone does not create a session record; a stream does.
	if resp := get(t, ts, "/stream/s1/status"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before connect %d", resp.StatusCode)
	}
	openStream(t, ts, "s1", nil)
	resp = get(t, ts, "/stream/s1/status")
	var st streamsvc.SessionStatus
	decode(t, resp.Body, &st)
	if st.LatestSequence != 4 || st.ActiveConnections != 1 || st.MaxConnections != 5 {
		t.Fatalf("status %+v", st)
	}

	if resp := get(t, ts, "/stream/s1/replay?from_seq=x"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad from_seq %d", resp.StatusCode)
	}
}

func TestPublishValidation(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(t))
	if resp := post(t, ts, "/stream/s1/publish", `{"event_type":"keepalive"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("keepalive publish %d", resp.StatusCode)
	}
	if resp := post(t, ts, "/stream/s1/publish", `{"event_type":"nope"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type publish %d", resp.StatusCode)
	}
	if resp := post(t, ts, "/stream/s1/publish", `{`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json publish %d", resp.StatusCode)
	}
	if resp := post(t, ts, "/stream/s1/pause", ``); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pause without connections %d", resp.StatusCode)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	ts, svc := newTestServer(t, testConfig(t))
	resp := openStream(t, ts, "s1", nil)
	fr := envelope.NewFrameReader(resp.Body)
	nextOfType(t, fr, envelope.TypeHandshakeComplete)

	pause := post(t, ts, "/stream/s1/pause", ``)
	if pause.StatusCode != http.StatusOK {
		t.Fatalf("pause %d", pause.StatusCode)
	}
	nextOfType(t, fr, envelope.TypePause)
	held, err := svc.Publish(context.Background(), "s1", streamsvc.PublishRequest{Type: envelope.TypeData})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp := post(t, ts, "/stream/s1/resume", ``); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume %d", resp.StatusCode)
	}
	nextOfType(t, fr, envelope.TypeResume)
	// The event published while paused is caught up by a replay.
	nextOfType(t, fr, envelope.TypeReplayStart)
	orig, ok, err := replay.Unwrap(nextOfType(t, fr, envelope.TypeReplayEvent))
	if err != nil || !ok || orig.ID() != held.ID() {
		t.Fatalf("caught up %s (%v %v), want %s", orig.ID(), ok, err, held.ID())
	}
	nextOfType(t, fr, envelope.TypeReplayEnd)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(t))
	post(t, ts, "/stream/s1/publish", `{}`)
	resp := get(t, ts, "/metrics")
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "streamd_events_published_total") {
		t.Fatalf("metrics %d", resp.StatusCode)
	}
}

func TestDeleteSessionEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(t))
	resp := openStream(t, ts, "s1", nil)
	fr := envelope.NewFrameReader(resp.Body)
	nextOfType(t, fr, envelope.TypeHandshakeComplete)
	if pub := post(t, ts, "/stream/s1/publish", `{"payload":{"k":"v"}}`); pub.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status %d", pub.StatusCode)
	}
	nextOfType(t, fr, envelope.TypeData)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/stream/s1", nil)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		defer r.Body.Close()
		return r.StatusCode
	}
	if code := del(); code != http.StatusNoContent {
		t.Fatalf("delete status %d", code)
	}
	closed := nextOfType(t, fr, envelope.TypeConnectionClose)
	if closed.Payload()["reason"] != "session-deleted" {
		t.Fatalf("close payload %v", closed.Payload())
	}
	if code := del(); code != http.StatusNotFound {
		t.Fatalf("second delete status %d", code)
	}
	if st := get(t, ts, "/stream/s1/status"); st.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete %d", st.StatusCode)
	}
}
