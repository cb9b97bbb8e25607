package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the body size above which Compress uses zstd.
const CompressThreshold = 512

// ErrUnknownCompression is returned for a body whose flag byte is not recognised.
var ErrUnknownCompression = errors.New("codec: unknown compression flag")

const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

var (
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("codec: zstd encoder: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("codec: zstd decoder: " + err.Error())
	}
}

// Compress prefixes body with a one-byte flag, compressing it with zstd when
// it is larger than CompressThreshold.
func Compress(body []byte) []byte {
	if len(body) <= CompressThreshold {
		out := make([]byte, 0, len(body)+1)
		return append(append(out, flagRaw), body...)
	}
	return zenc.EncodeAll(body, []byte{flagZstd})
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("codec: empty body")
	}
	switch data[0] {
	case flagRaw:
		return data[1:], nil
	case flagZstd:
		out, err := zdec.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd: %w", err)
		}
		return out, nil
	default:
		return nil, ErrUnknownCompression
	}
}
