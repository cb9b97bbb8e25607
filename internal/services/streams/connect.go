package streamsvc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/streamd/internal/connection"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/metrics"
	"github.com/rzbill/streamd/internal/middleware"
	"github.com/rzbill/streamd/internal/session"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

// Connect admits a stream request and returns a registered handler ready
// for Serve. Refusals are *middleware.AdmissionError values; no handler is
// built for a refused request.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*connection.Handler, error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}
	if req.Admission == nil || req.Sink == nil {
		return nil, errors.New("streams: connect requires an admission request and a sink")
	}
	sessionID := req.Admission.SessionID
	if !envelope.ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	if err := s.chain.Run(ctx, req.Admission); err != nil {
		if ae, ok := middleware.AsAdmission(err); ok {
			metrics.AdmissionRejections.WithLabelValues(string(ae.Kind)).Inc()
		}
		return nil, err
	}
	cfg := s.config()
	filter, err := newEventFilter(req.Filter, cfg.Stream.MaxFilterSize)
	if err != nil {
		return nil, err
	}
	resumeSeq, resume := envelope.ResumeSequence(req.LastEventID)

	st := s.lockState(sessionID)
	if limit := cfg.Stream.MaxConnectionsPerSession; limit > 0 && len(st.conns)+st.reserved >= limit {
		st.mu.Unlock()
		metrics.AdmissionRejections.WithLabelValues(string(middleware.KindMaxConnections)).Inc()
		return nil, &middleware.AdmissionError{
			Kind:    middleware.KindMaxConnections,
			Message: fmt.Sprintf("session %s already has %d connections", sessionID, limit),
		}
	}
	st.reserved++
	st.mu.Unlock()

	connID := uuid.NewString()
	release := func() {
		st.mu.Lock()
		st.reserved--
		st.mu.Unlock()
	}
	if _, _, err := s.sessions.GetOrCreate(ctx, sessionID); err != nil {
		release()
		return nil, fmt.Errorf("streams: load session: %w", err)
	}
	rec := session.Connection{
		ID:            connID,
		Status:        session.StatusInitializing,
		OpenedAt:      s.clk.Now(),
		ClientIP:      req.Admission.ClientIP,
		ClientVersion: req.Admission.ClientVersion,
	}
	if resume {
		rec.ReconnectCount = 1
		rec.LastAckSeq = resumeSeq
	}
	if _, err := s.sessions.AddConnection(ctx, sessionID, rec); err != nil {
		release()
		return nil, fmt.Errorf("streams: record connection: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.reserved--
	watermark := resumeSeq
	if !resume {
		if watermark, err = s.sequences.For(sessionID).Current(ctx); err != nil {
			_ = s.sessions.UpdateConnectionStatus(ctx, connID, session.StatusError)
			return nil, fmt.Errorf("streams: current sequence: %w", err)
		}
	}
	h := connection.New(connection.Options{
		Session:      sessionID,
		ConnectionID: connID,
		Config: connection.Config{
			KeepaliveInterval:     cfg.Stream.KeepaliveInterval.D(),
			BackpressureThreshold: cfg.Stream.BackpressureThreshold,
			MaxQueue:              cfg.Stream.MaxQueue,
			RetryHintMs:           cfg.Stream.RetryHintMs,
			ReplayMaxEvents:       cfg.Stream.ReplayMaxEvents,
			CloseTimeout:          cfg.Stream.CloseTimeout.D(),
			ServerVersion:         s.version,
			Capabilities:          DefaultCapabilities,
		},
		Sink:      req.Sink,
		Sequencer: stamper{s: s, session: sessionID, conn: connID},
		Replayer:  s.replayer,
		Filter:    filter.Func(),
		Watermark: watermark,
		Resume:    resume,
		Clock:     s.clk,
		Logger:    s.logger,
		Hooks:     s.hooks(),
	})
	st.conns[connID] = h
	s.handlers.Add(1)
	metrics.ActiveConnections.Inc()
	s.logger.Info("streams.connect",
		logpkg.Str("session", sessionID),
		logpkg.Str("conn", connID),
		logpkg.Bool("resume", resume),
		logpkg.Uint64("watermark", watermark),
		logpkg.Str("client_ip", req.Admission.ClientIP))
	return h, nil
}

// Serve runs h until the connection ends and persists the outcome. ctx
// should be cancelled when the client goes away.
func (s *Service) Serve(ctx context.Context, h *connection.Handler) (connection.Summary, error) {
	defer s.handlers.Done()
	summary, runErr := h.Run(ctx)
	s.deregister(h)
	metrics.ActiveConnections.Dec()
	metrics.ConnectionsClosed.WithLabelValues(summary.Reason, strconv.FormatBool(summary.WasClean)).Inc()

	st := h.Stats()
	final := session.Status(summary.Final.String())
	// The request context is already gone on client disconnect.
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.sessions.UpdateConnection(pctx, h.ID(), func(rec *session.Record, c *session.Connection) {
		c.Status = final
		c.EventsSent = st.EventsSent
		c.LastAckSeq = st.Watermark
		c.CloseReason = summary.Reason
		if c.ClosedAt.IsZero() {
			c.ClosedAt = s.clk.Now()
		}
		rec.TotalEventsSent += st.EventsSent
	})
	deleted := summary.Reason == connection.ReasonSessionDeleted &&
		(errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrConnectionNotFound))
	if err != nil && !deleted {
		s.logger.Warn("streams.persist_close_failed", logpkg.Str("conn", h.ID()), logpkg.Err(err))
	}
	return summary, runErr
}

func (s *Service) deregister(h *connection.Handler) {
	st := s.existing(h.Session())
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.conns, h.ID())
	st.mu.Unlock()
}

func (s *Service) hooks() connection.Hooks {
	return connection.Hooks{
		OnStateChange: func(h *connection.Handler, _, to connection.State) {
			metrics.StateTransitions.WithLabelValues(to.String()).Inc()
			// Terminal states are written by Serve together with the totals.
			if to.Terminal() {
				return
			}
			if err := s.sessions.UpdateConnectionStatus(context.Background(), h.ID(), session.Status(to.String())); err != nil {
				s.logger.Debug("streams.status_update_failed", logpkg.Str("conn", h.ID()), logpkg.Err(err))
			}
		},
		OnKeepalive: func(h *connection.Handler, at time.Time) {
			err := s.sessions.UpdateConnection(context.Background(), h.ID(), func(_ *session.Record, c *session.Connection) {
				c.LastKeepalive = at
			})
			if err != nil {
				s.logger.Debug("streams.keepalive_update_failed", logpkg.Str("conn", h.ID()), logpkg.Err(err))
			}
		},
		OnSent: func(_ *connection.Handler, env envelope.Envelope, degraded bool) {
			metrics.EnvelopesSent.WithLabelValues(env.Type().Category().String()).Inc()
			if degraded {
				metrics.SerializationFailures.Inc()
			}
		},
	}
}

// Pause stops delivery on one live connection, or on every live
// connection of the session when connID is empty. It returns how many
// connections were paused.
func (s *Service) Pause(sessionID, connID string) (int, error) {
	return s.each(sessionID, connID, (*connection.Handler).Pause)
}

// Resume undoes Pause with the same addressing.
func (s *Service) Resume(sessionID, connID string) (int, error) {
	return s.each(sessionID, connID, (*connection.Handler).Resume)
}

func (s *Service) each(sessionID, connID string, fn func(*connection.Handler) error) (int, error) {
	hs := s.handlersOf(sessionID)
	if sessionID == "" {
		hs = nil
	}
	n := 0
	for _, h := range hs {
		if connID != "" && h.ID() != connID {
			continue
		}
		if err := fn(h); err != nil {
			if connID != "" {
				return 0, err
			}
			continue
		}
		n++
	}
	if n == 0 {
		if connID != "" {
			return 0, fmt.Errorf("%w: connection %s", ErrNoConnections, connID)
		}
		return 0, ErrNoConnections
	}
	return n, nil
}
