package controllers

import (
	"net/http"
	"time"
)

// sseSink writes event frames to an HTTP response.
//
// The response headers are committed on the first frame, so admission
// failures that happen before it can still be answered with a status code.
// Flushing goes through http.ResponseController, which unwraps router
// middleware writers.
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

// prepare sets the event-stream headers and sends the status line.
func (s *sseSink) prepare() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// WriteFrame writes one encoded frame.
func (s *sseSink) WriteFrame(frame []byte) error {
	s.prepare()
	_, err := s.w.Write(frame)
	return err
}

// Flush pushes buffered frames to the client.
func (s *sseSink) Flush() error {
	err := s.rc.Flush()
	if err == http.ErrNotSupported {
		return nil
	}
	return err
}

// Abort fails the write in progress by moving the connection's write
// deadline to now.
func (s *sseSink) Abort() {
	_ = s.rc.SetWriteDeadline(time.Now())
}
