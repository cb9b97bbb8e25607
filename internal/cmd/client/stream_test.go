package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rzbill/streamd/internal/envelope"
)

func frame(t *testing.T, session string, seq uint64, typ envelope.Type, payload map[string]any) []byte {
	t.Helper()
	id := envelope.PrimaryID(session, seq)
	if typ != envelope.TypeData {
		id = envelope.LocalID(session, seq, typ)
	}
	e, err := envelope.New(id, seq, typ, envelope.WithSession(session), envelope.WithPayload(payload))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, _ := envelope.EncodeFrame(e)
	return b
}

func run(t *testing.T, base string, args ...string) (string, error) {
	t.Helper()
	cmd := NewStreamCommand(func() string { return base })
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var rows []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		rows = append(rows, m)
	}
	return rows
}

func TestTailPrintsDataEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream/s1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		if got := r.URL.Query().Get("filter"); got != `event_type == "data"` {
			t.Errorf("filter = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write(frame(t, "s1", 0, envelope.TypeHandshakeComplete, nil))
		_, _ = w.Write([]byte(": comment\n\n"))
		_, _ = w.Write(frame(t, "s1", 1, envelope.TypeData, map[string]any{"n": 1}))
		_, _ = w.Write(frame(t, "s1", 2, envelope.TypeData, map[string]any{"n": 2}))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "tail", "--session", "s1", "--no-reconnect", "--filter", `event_type == "data"`)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	rows := decodeLines(t, out)
	if len(rows) != 2 {
		t.Fatalf("want 2 data rows, got %d: %s", len(rows), out)
	}
	if rows[0]["event_id"] != "s1:1" || rows[1]["event_id"] != "s1:2" {
		t.Fatalf("unexpected ids: %v %v", rows[0]["event_id"], rows[1]["event_id"])
	}
}

func TestTailAllIncludesControlEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(frame(t, "s1", 0, envelope.TypeHandshakeComplete, nil))
		_, _ = w.Write(frame(t, "s1", 1, envelope.TypeData, nil))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "tail", "-s", "s1", "--no-reconnect", "--all")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	rows := decodeLines(t, out)
	if len(rows) != 2 || rows[0]["event_type"] != "handshake-complete" {
		t.Fatalf("unexpected rows: %s", out)
	}
}

func TestTailReconnectsWithLastEventID(t *testing.T) {
	var (
		mu      sync.Mutex
		headers []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Get("Last-Event-ID"))
		n := len(headers)
		mu.Unlock()
		switch n {
		case 1:
			_, _ = w.Write(frame(t, "s1", 1, envelope.TypeData, nil))
		default:
			_, _ = w.Write(frame(t, "s1", 2, envelope.TypeData, nil))
		}
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "tail", "-s", "s1", "--limit", "2", "--reconnect-delay", "10ms")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if rows := decodeLines(t, out); len(rows) != 2 {
		t.Fatalf("want 2 rows, got %s", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(headers) != 2 || headers[0] != "" || headers[1] != "s1:1" {
		t.Fatalf("Last-Event-ID sequence = %q", headers)
	}
}

func TestTailStopsOnAdmissionError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Client-Version") != "0.1.0" {
			t.Errorf("client version header = %q", r.Header.Get("X-Client-Version"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte(`{"error":"client too old","kind":"version-mismatch"}`))
	}))
	defer ts.Close()

	_, err := run(t, ts.URL, "tail", "-s", "s1", "--client-version", "0.1.0")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "version-mismatch") || !strings.Contains(err.Error(), "client too old") {
		t.Fatalf("error = %v", err)
	}
}

func TestPublishPostsJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/stream/s1/publish" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body struct {
			EventType string         `json:"event_type"`
			Payload   map[string]any `json:"payload"`
			Metadata  map[string]any `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.EventType != "data" || body.Payload["hello"] != "world" || body.Metadata["src"] != "cli" {
			t.Errorf("body = %+v", body)
		}
		e, _ := envelope.New("s1:7", 7, envelope.TypeData, envelope.WithPayload(body.Payload))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(e)
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "publish", "-s", "s1", "--data", `{"hello":"world"}`, "--metadata", `{"src":"cli"}`)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(out, "published: s1:7 seq=7") {
		t.Fatalf("output = %q", out)
	}
}

func TestPublishRejectsNonObjectData(t *testing.T) {
	if _, err := run(t, "http://127.0.0.1:0", "publish", "-s", "s1", "--data", "[1,2]"); err == nil {
		t.Fatalf("expected error for array payload")
	}
}

func TestSessionRequired(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:0", "status")
	if err == nil || !strings.Contains(err.Error(), "--session") {
		t.Fatalf("err = %v", err)
	}
}

func TestReplayBuildsQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/stream/s1/replay" || q.Get("from_seq") != "3" || q.Get("to_seq") != "5" || q.Get("max_events") != "10" {
			t.Errorf("request = %s", r.URL.String())
		}
		e1, _ := envelope.New("s1:3", 3, envelope.TypeData)
		e2, _ := envelope.New("s1:4", 4, envelope.TypeData)
		_ = json.NewEncoder(w).Encode([]envelope.Envelope{e1, e2})
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "replay", "-s", "s1", "--from", "3", "--to", "5", "--max", "10")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rows := decodeLines(t, out); len(rows) != 2 || rows[1]["event_id"] != "s1:4" {
		t.Fatalf("output = %s", out)
	}
}

func TestStatusNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"streams: session not found"}`))
	}))
	defer ts.Close()

	_, err := run(t, ts.URL, "status", "-s", "nope")
	var se *statusError
	if err == nil || !errors.As(err, &se) || se.code != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestGapsAndPause(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stream/s1/gaps":
			if r.URL.Query().Get("from_seq") != "2" {
				t.Errorf("gaps query = %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"session_id":"s1","gaps":[{"from":2,"to":4}]}`))
		case "/stream/s1/pause":
			if r.URL.Query().Get("connection_id") != "c1" {
				t.Errorf("pause query = %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"session_id":"s1","affected":1}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "gaps", "-s", "s1", "--from", "2")
	if err != nil {
		t.Fatalf("gaps: %v", err)
	}
	if !strings.Contains(out, `"gaps"`) {
		t.Fatalf("gaps output = %s", out)
	}
	out, err = run(t, ts.URL, "pause", "-s", "s1", "--connection", "c1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !strings.Contains(out, "pause: 1 connection(s)") {
		t.Fatalf("pause output = %q", out)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodDelete || r.URL.Path != "/stream/s1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	if _, err := run(t, ts.URL, "delete", "-s", "s1"); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("request sent without confirmation")
	}
	out, err := run(t, ts.URL, "delete", "-s", "s1", "--yes")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if calls.Load() != 1 || !strings.Contains(out, "deleted: s1") {
		t.Fatalf("calls=%d output=%q", calls.Load(), out)
	}
}
