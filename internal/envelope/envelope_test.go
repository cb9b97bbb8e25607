package envelope

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestTypeTableClassification(t *testing.T) {
	cases := []struct {
		tag string
		cat Category
	}{
		{"handshake-start", CategoryLifecycle},
		{"keepalive", CategoryLifecycle},
		{"replay-event", CategoryReplay},
		{"insert", CategoryData},
		{"stage-activation", CategoryDomain},
		{"backpressure", CategoryControl},
		{"warning", CategoryError},
	}
	for _, c := range cases {
		typ, err := ParseType(c.tag)
		if err != nil {
			t.Fatalf("ParseType(%q): %v", c.tag, err)
		}
		if typ.Category() != c.cat || typ.String() != c.tag {
			t.Fatalf("%q: category=%v string=%q", c.tag, typ.Category(), typ.String())
		}
	}
	if !TypeReplayEnd.IsReplay() || TypeReplayEnd.IsData() || !TypeDelete.IsData() || !TypeEngineError.IsDomain() {
		t.Fatalf("predicate mismatch")
	}
	if TypeKeepalive.Publishable() || TypeReplayEvent.Publishable() || !TypeFlagChange.Publishable() {
		t.Fatalf("publishable mismatch")
	}
	if _, err := ParseType("bogus"); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

func TestNewRequiresIDAndType(t *testing.T) {
	if _, err := New("", 1, TypeData); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("empty id: %v", err)
	}
	if _, err := New("s:1", 1, TypeUnknown); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("unknown type: %v", err)
	}
	e, err := New("s:1", 1, TypeData)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Timestamp().IsZero() || e.Payload() == nil || len(e.Payload()) != 0 {
		t.Fatalf("defaults not applied")
	}
}

func TestEnvelopeIsImmutable(t *testing.T) {
	src := map[string]any{"k": "v", "nested": map[string]any{"a": "b"}}
	e, _ := New("s:1", 1, TypeData, WithPayload(src))
	src["k"] = "changed"
	p := e.Payload()
	p["nested"].(map[string]any)["a"] = "mutated"
	again := e.Payload()
	if again["k"] != "v" || again["nested"].(map[string]any)["a"] != "b" {
		t.Fatalf("payload leaked: %v", again)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := map[string]any{"row": "r1", "count": float64(3), "ok": true, "tags": []any{"a", "b"}}
	e, _ := New("S:7", 7, TypeUpdate,
		WithPayload(payload),
		WithMetadata(map[string]any{"source": "test"}),
		WithSession("S"),
		WithRetryHint(3000),
		WithTimestamp(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))

	frame, degraded := EncodeFrame(e)
	if degraded {
		t.Fatalf("unexpected degraded frame")
	}
	s := string(frame)
	if !strings.HasPrefix(s, "id: S:7\nevent: update\nretry: 3000\ndata: {") || !strings.HasSuffix(s, "}\n\n") {
		t.Fatalf("unexpected frame layout: %q", s)
	}
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got.ID() != e.ID() || got.Sequence() != e.Sequence() || got.Type() != e.Type() {
		t.Fatalf("header mismatch: %s/%d/%s", got.ID(), got.Sequence(), got.Type())
	}
	if !reflect.DeepEqual(got.Payload(), payload) {
		t.Fatalf("payload mismatch: %v", got.Payload())
	}
	if got.SessionID() != "S" || got.RetryHint() != 3000 || !got.Timestamp().Equal(e.Timestamp()) {
		t.Fatalf("optional fields mismatch")
	}
}

func TestFrameOmitsRetryWhenUnset(t *testing.T) {
	e, _ := New("S:1", 1, TypeData)
	frame, _ := EncodeFrame(e)
	if strings.Contains(string(frame), "retry:") {
		t.Fatalf("retry line present: %q", frame)
	}
}

func TestEncodeFrameFallsBackOnUnencodablePayload(t *testing.T) {
	e, _ := New("S:2", 2, TypeData, WithPayload(map[string]any{"bad": math.Inf(1)}))
	frame, degraded := EncodeFrame(e)
	if !degraded {
		t.Fatalf("expected degraded frame")
	}
	s := string(frame)
	for _, want := range []string{`"event_id":"S:2"`, `"sequence":2`, `"event_type":"data"`, `"serialization_failed":true`} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %s in %q", want, s)
		}
	}
	if _, err := DecodeFrame(frame); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("decoding degraded frame: %v", err)
	}
}

func TestFrameReaderSkipsComments(t *testing.T) {
	a, _ := New("S:1", 1, TypeData)
	b, _ := New("S:2", 2, TypeInsert)
	fa, _ := EncodeFrame(a)
	fb, _ := EncodeFrame(b)
	stream := ": ping\n\n" + string(fa) + string(fb)
	r := NewFrameReader(strings.NewReader(stream))
	var ids []string
	for {
		f, err := r.Next()
		if err != nil {
			break
		}
		e, err := f.Envelope()
		if err != nil {
			t.Fatalf("Envelope: %v", err)
		}
		ids = append(ids, e.ID())
	}
	if !reflect.DeepEqual(ids, []string{"S:1", "S:2"}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestResumeSequence(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"5", 5, true},
		{"S:5", 5, true},
		{"S:12:keepalive-abcd1234", 12, true},
		{"", 0, false},
		{"S:x", 0, false},
		{"garbage", 0, false},
	}
	for _, c := range cases {
		got, ok := ResumeSequence(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("ResumeSequence(%q) = %d,%v", c.in, got, ok)
		}
	}
	id := LocalID("S", 4, TypeKeepalive)
	if seq, ok := ResumeSequence(id); !ok || seq != 4 {
		t.Fatalf("LocalID %q resumes at %d", id, seq)
	}
	if PrimaryID("S", 9) != "S:9" {
		t.Fatalf("PrimaryID")
	}
	if !IsPrimaryID(PrimaryID("S", 9)) || IsPrimaryID(id) {
		t.Fatalf("IsPrimaryID")
	}
	if ValidSessionID("a:b") || !ValidSessionID("user_1-x") {
		t.Fatalf("ValidSessionID")
	}
}
