package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEnvelope is returned when required fields are missing.
var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// Envelope is an immutable sequenced event. The zero value is not valid;
// construct with New. Payload and Metadata return copies.
type Envelope struct {
	id        string
	seq       uint64
	typ       Type
	ts        time.Time
	payload   map[string]any
	metadata  map[string]any
	sessionID string
	retryMs   int
}

// Option customises an Envelope at construction.
type Option func(*Envelope)

// WithTimestamp overrides the default of time.Now().
func WithTimestamp(ts time.Time) Option { return func(e *Envelope) { e.ts = ts } }

// WithPayload copies p into the envelope.
func WithPayload(p map[string]any) Option { return func(e *Envelope) { e.payload = cloneMap(p) } }

// WithMetadata copies m into the envelope.
func WithMetadata(m map[string]any) Option { return func(e *Envelope) { e.metadata = cloneMap(m) } }

func WithSession(id string) Option { return func(e *Envelope) { e.sessionID = id } }

// WithRetryHint sets the reconnect delay advertised in the frame's retry line.
func WithRetryHint(ms int) Option { return func(e *Envelope) { e.retryMs = ms } }

// New builds an envelope. id and a valid type are required.
func New(id string, seq uint64, typ Type, opts ...Option) (Envelope, error) {
	if id == "" {
		return Envelope{}, fmt.Errorf("%w: empty event_id", ErrInvalidEnvelope)
	}
	if !typ.Valid() {
		return Envelope{}, fmt.Errorf("%w: event_type %d", ErrInvalidEnvelope, uint8(typ))
	}
	e := Envelope{id: id, seq: seq, typ: typ}
	for _, o := range opts {
		o(&e)
	}
	if e.ts.IsZero() {
		e.ts = time.Now()
	}
	if e.payload == nil {
		e.payload = map[string]any{}
	}
	if e.metadata == nil {
		e.metadata = map[string]any{}
	}
	if e.retryMs < 0 {
		e.retryMs = 0
	}
	return e, nil
}

func (e Envelope) ID() string           { return e.id }
func (e Envelope) Sequence() uint64     { return e.seq }
func (e Envelope) Type() Type           { return e.typ }
func (e Envelope) Timestamp() time.Time { return e.ts }
func (e Envelope) SessionID() string    { return e.sessionID }

// RetryHint is the advertised reconnect delay in milliseconds; 0 means unset.
func (e Envelope) RetryHint() int { return e.retryMs }

func (e Envelope) Payload() map[string]any  { return cloneMap(e.payload) }
func (e Envelope) Metadata() map[string]any { return cloneMap(e.metadata) }

// IsZero reports whether e was never constructed.
func (e Envelope) IsZero() bool { return e.id == "" }

type wireEnvelope struct {
	EventID     string         `json:"event_id"`
	Sequence    uint64         `json:"sequence"`
	EventType   Type           `json:"event_type"`
	Timestamp   string         `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
	Metadata    map[string]any `json:"metadata"`
	SessionID   string         `json:"session_id,omitempty"`
	RetryHintMs int            `json:"retry_hint_ms,omitempty"`
}

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return nil, ErrInvalidEnvelope
	}
	return json.Marshal(wireEnvelope{
		EventID:     e.id,
		Sequence:    e.seq,
		EventType:   e.typ,
		Timestamp:   e.ts.UTC().Format(timestampLayout),
		Payload:     e.payload,
		Metadata:    e.metadata,
		SessionID:   e.sessionID,
		RetryHintMs: e.retryMs,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	opts := []Option{WithPayload(w.Payload), WithMetadata(w.Metadata), WithSession(w.SessionID), WithRetryHint(w.RetryHintMs)}
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: timestamp: %v", ErrInvalidEnvelope, err)
		}
		opts = append(opts, WithTimestamp(ts))
	}
	v, err := New(w.EventID, w.Sequence, w.EventType, opts...)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// cloneMap deep-copies nested maps and slices so callers cannot reach
// into an envelope's state.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
