package connection

import (
	"io"
	"net/http"
	"time"
)

// Sink receives encoded frames. Writes come from a single goroutine.
type Sink interface {
	WriteFrame(frame []byte) error
	Flush() error
}

// Aborter is implemented by sinks that can cut off a write in progress.
// Abort is called from another goroutine than WriteFrame, at most once.
type Aborter interface {
	Abort()
}

// WriterSink writes frames to w and flushes it when it is an http.Flusher.
// Abort sets a past write deadline when w supports deadlines, as a net.Conn
// does.
type WriterSink struct {
	w io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

func (s *WriterSink) WriteFrame(frame []byte) error {
	_, err := s.w.Write(frame)
	return err
}

func (s *WriterSink) Flush() error {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *WriterSink) Abort() {
	if d, ok := s.w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now())
	}
}
