package eventlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/rzbill/streamd/internal/codec"
	"github.com/rzbill/streamd/internal/envelope"
)

// Framing: varint headerLen | header | body | crc32c(header|body)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func EncodeRecord(header, body []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(body)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, body...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, body)
	return binary.BigEndian.AppendUint32(out, crc)
}

type Decoded struct {
	Header []byte
	Body   []byte
}

// DecodeRecord verifies the checksum. The returned slices alias b.
func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || uint64(n)+hlen+4 > uint64(len(b)) {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	body := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, body)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Decoded{}, false
	}
	return Decoded{Header: header, Body: body}, true
}

// header: appendedAt ms (be8) | event type (1 byte)
const headerLen = 9

func encodeHeader(at time.Time, t envelope.Type) []byte {
	h := make([]byte, 0, headerLen)
	h = appendBE8(h, uint64(at.UnixMilli()))
	return append(h, byte(t))
}

func headerTime(h []byte) (int64, bool) {
	if len(h) < headerLen {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(h[:8])), true
}

type storedEnvelope struct {
	ID        string         `cbor:"id"`
	Sequence  uint64         `cbor:"seq"`
	Type      string         `cbor:"type"`
	Timestamp int64          `cbor:"ts"`
	Payload   map[string]any `cbor:"payload,omitempty"`
	Metadata  map[string]any `cbor:"meta,omitempty"`
	Session   string         `cbor:"session,omitempty"`
	RetryMs   int            `cbor:"retry,omitempty"`
}

func encodeEnvelope(e envelope.Envelope, at time.Time) ([]byte, error) {
	body, err := codec.Marshal(storedEnvelope{
		ID:        e.ID(),
		Sequence:  e.Sequence(),
		Type:      e.Type().String(),
		Timestamp: e.Timestamp().UnixMicro(),
		Payload:   e.Payload(),
		Metadata:  e.Metadata(),
		Session:   e.SessionID(),
		RetryMs:   e.RetryHint(),
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode %s: %w", e.ID(), err)
	}
	return EncodeRecord(encodeHeader(at, e.Type()), codec.Compress(body)), nil
}

func decodeEnvelope(raw []byte) (envelope.Envelope, error) {
	dec, ok := DecodeRecord(raw)
	if !ok {
		return envelope.Envelope{}, ErrCorrupt
	}
	body, err := codec.Decompress(dec.Body)
	if err != nil {
		return envelope.Envelope{}, err
	}
	var s storedEnvelope
	if err := codec.Unmarshal(body, &s); err != nil {
		return envelope.Envelope{}, fmt.Errorf("eventlog: decode: %w", err)
	}
	typ, err := envelope.ParseType(s.Type)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.New(s.ID, s.Sequence, typ,
		envelope.WithTimestamp(time.UnixMicro(s.Timestamp)),
		envelope.WithPayload(s.Payload),
		envelope.WithMetadata(s.Metadata),
		envelope.WithSession(s.Session),
		envelope.WithRetryHint(s.RetryMs))
}
