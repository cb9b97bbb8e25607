package codec

import (
	"bytes"
	"strings"
	"testing"
)

func TestCBORMapsDecodeAsStringKeyed(t *testing.T) {
	in := map[string]any{"a": "x", "nested": map[string]any{"n": uint64(3)}}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T", out)
	}
	if _, ok := m["nested"].(map[string]any); !ok {
		t.Fatalf("nested decoded as %T", m["nested"])
	}
}

func TestCompressSmallStaysRaw(t *testing.T) {
	body := []byte("short")
	c := Compress(body)
	if c[0] != flagRaw {
		t.Fatalf("flag = %d", c[0])
	}
	got, err := Decompress(c)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestCompressLargeUsesZstd(t *testing.T) {
	body := []byte(strings.Repeat("event-payload ", 200))
	c := Compress(body)
	if c[0] != flagZstd || len(c) >= len(body) {
		t.Fatalf("expected compressed output, flag=%d len=%d", c[0], len(c))
	}
	got, err := Decompress(c)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, err := Decompress([]byte{9, 1}); err != ErrUnknownCompression {
		t.Fatalf("expected ErrUnknownCompression, got %v", err)
	}
}
