package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedFrame is returned by DecodeFrame for input that is not a
// single well-formed event frame.
var ErrMalformedFrame = errors.New("envelope: malformed frame")

// EncodeFrame renders e as one SSE frame. If the payload cannot be encoded
// the data line carries a minimal body flagged serialization_failed and
// degraded is true; the frame is always usable.
func EncodeFrame(e Envelope) (frame []byte, degraded bool) {
	data, err := json.Marshal(e)
	if err != nil {
		degraded = true
		data, _ = json.Marshal(struct {
			EventID   string `json:"event_id"`
			Sequence  uint64 `json:"sequence"`
			EventType string `json:"event_type"`
			Failed    bool   `json:"serialization_failed"`
			Error     string `json:"error"`
		}{e.id, e.seq, e.typ.String(), true, err.Error()})
	}
	var b bytes.Buffer
	b.Grow(len(data) + len(e.id) + 48)
	b.WriteString("id: ")
	b.WriteString(e.id)
	b.WriteString("\nevent: ")
	b.WriteString(e.typ.String())
	b.WriteByte('\n')
	if e.retryMs > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(e.retryMs))
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), degraded
}

// Frame is a raw SSE frame split into its fields.
type Frame struct {
	ID    string
	Event string
	Retry int
	Data  string
}

// Envelope decodes the frame's data line. A degraded body (one flagged
// serialization_failed) is reported as an error wrapping ErrMalformedFrame.
func (f Frame) Envelope() (Envelope, error) {
	if f.Data == "" {
		return Envelope{}, fmt.Errorf("%w: no data", ErrMalformedFrame)
	}
	var marker struct {
		Failed bool `json:"serialization_failed"`
	}
	if err := json.Unmarshal([]byte(f.Data), &marker); err == nil && marker.Failed {
		return Envelope{}, fmt.Errorf("%w: serialization_failed for %s", ErrMalformedFrame, f.ID)
	}
	var e Envelope
	if err := json.Unmarshal([]byte(f.Data), &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.ID != "" && f.ID != e.id {
		return Envelope{}, fmt.Errorf("%w: id line %q does not match body %q", ErrMalformedFrame, f.ID, e.id)
	}
	return e, nil
}

// DecodeFrame parses exactly one frame produced by EncodeFrame.
func DecodeFrame(b []byte) (Envelope, error) {
	r := NewFrameReader(bytes.NewReader(b))
	f, err := r.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, fmt.Errorf("%w: empty input", ErrMalformedFrame)
		}
		return Envelope{}, err
	}
	return f.Envelope()
}

// FrameReader splits an SSE byte stream into frames. Comment lines are skipped.
type FrameReader struct {
	sc *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &FrameReader{sc: sc}
}

// Next returns the next complete frame, or io.EOF.
func (r *FrameReader) Next() (Frame, error) {
	var (
		f     Frame
		data  []string
		begun bool
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if begun {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		begun = true
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				f.Retry = n
			}
		case "data":
			data = append(data, value)
		}
	}
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	if begun {
		f.Data = strings.Join(data, "\n")
		return f, nil
	}
	return Frame{}, io.EOF
}
