package replay

import (
	"fmt"

	"github.com/rzbill/streamd/internal/buffer"
	"github.com/rzbill/streamd/internal/envelope"
)

// Payload keys of a replay-event envelope.
const (
	KeyOriginalID        = "original_event_id"
	KeyOriginalSequence  = "original_sequence"
	KeyOriginalType      = "original_event_type"
	KeyOriginalPayload   = "original_payload"
	KeyOriginalTimestamp = "original_timestamp"
	KeyReplayed          = "replayed"
)

// Wrap turns a published envelope into a replay-event carrying seq. The id
// records the original sequence as the resume point, so a client that
// reconnects after it continues past the original.
func Wrap(orig envelope.Envelope, seq uint64) (envelope.Envelope, error) {
	meta := orig.Metadata()
	meta[KeyReplayed] = true
	id := envelope.LocalID(orig.SessionID(), orig.Sequence(), envelope.TypeReplayEvent)
	return envelope.New(id, seq, envelope.TypeReplayEvent,
		envelope.WithSession(orig.SessionID()),
		envelope.WithTimestamp(orig.Timestamp()),
		envelope.WithMetadata(meta),
		envelope.WithPayload(map[string]any{
			KeyOriginalID:        orig.ID(),
			KeyOriginalSequence:  orig.Sequence(),
			KeyOriginalType:      orig.Type().String(),
			KeyOriginalPayload:   orig.Payload(),
			KeyOriginalTimestamp: orig.Timestamp().UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
			KeyReplayed:          true,
		}))
}

// Unwrap reverses Wrap. ok is false for envelopes that are not replay-events.
func Unwrap(w envelope.Envelope) (envelope.Envelope, bool, error) {
	if w.Type() != envelope.TypeReplayEvent {
		return envelope.Envelope{}, false, nil
	}
	p := w.Payload()
	tag, _ := p[KeyOriginalType].(string)
	typ, err := envelope.ParseType(tag)
	if err != nil {
		return envelope.Envelope{}, true, fmt.Errorf("replay: unwrap %s: %w", w.ID(), err)
	}
	seq, ok := sequenceOf(p[KeyOriginalSequence])
	if !ok {
		// Older wrappers lack the field; the id still carries it.
		seq, ok = envelope.ResumeSequence(w.ID())
	}
	if !ok {
		return envelope.Envelope{}, true, fmt.Errorf("replay: unwrap %s: no original sequence", w.ID())
	}
	id, _ := p[KeyOriginalID].(string)
	if id == "" {
		id = envelope.PrimaryID(w.SessionID(), seq)
	}
	orig, _ := p[KeyOriginalPayload].(map[string]any)
	meta := w.Metadata()
	delete(meta, KeyReplayed)
	e, err := envelope.New(id, seq, typ,
		envelope.WithSession(w.SessionID()),
		envelope.WithTimestamp(w.Timestamp()),
		envelope.WithMetadata(meta),
		envelope.WithPayload(orig))
	return e, true, err
}

// sequenceOf accepts the numeric forms a payload value takes after a JSON or
// CBOR round trip.
func sequenceOf(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	case float64:
		return uint64(n), n >= 0
	default:
		return 0, false
	}
}

func gapsPayload(gaps []buffer.Gap) []any {
	out := make([]any, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, map[string]any{"start": g.Start, "end": g.End})
	}
	return out
}

// StartEnvelope announces the replay range and count.
func StartEnvelope(req Request, res Result, seq uint64) (envelope.Envelope, error) {
	var wm uint64
	if res.From > 0 {
		wm = res.From - 1
	}
	return envelope.New(envelope.LocalID(req.Session, wm, envelope.TypeReplayStart), seq, envelope.TypeReplayStart,
		envelope.WithSession(req.Session),
		envelope.WithRetryHint(req.RetryHintMs),
		envelope.WithPayload(map[string]any{
			"from":      res.From,
			"to":        res.To,
			"count":     res.Count(),
			"gaps":      gapsPayload(res.Gaps),
			"truncated": res.Truncated,
		}))
}

// EndEnvelope reports the number of events actually replayed.
func EndEnvelope(req Request, res Result, seq uint64) (envelope.Envelope, error) {
	wm := res.LastSequence()
	return envelope.New(envelope.LocalID(req.Session, wm, envelope.TypeReplayEnd), seq, envelope.TypeReplayEnd,
		envelope.WithSession(req.Session),
		envelope.WithPayload(map[string]any{
			"from":         res.From,
			"to":           res.To,
			"count":        res.Count(),
			"gaps":         gapsPayload(res.Gaps),
			"truncated":    res.Truncated,
			"from_history": res.FromHistory,
		}))
}
