package streamsvc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/rzbill/streamd/internal/buffer"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/metrics"
	"github.com/rzbill/streamd/internal/replay"
	"github.com/rzbill/streamd/internal/session"
)

// Status reports the persisted record of a session merged with its live
// connections.
func (s *Service) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	if !envelope.ValidSessionID(sessionID) {
		return SessionStatus{}, ErrInvalidSessionID
	}
	rec, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return SessionStatus{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionStatus{}, err
	}
	latest, err := s.store.GetLatestSequence(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	lo, hi := s.buf.SequenceRange(sessionID)
	out := SessionStatus{
		SessionID:       sessionID,
		MaxConnections:  s.config().Stream.MaxConnectionsPerSession,
		TotalEventsSent: rec.TotalEventsSent,
		TotalReconnects: rec.TotalReconnects,
		LatestSequence:  latest,
		BufferMin:       lo,
		BufferMax:       hi,
		CreatedAt:       rec.CreatedAt,
		Connections:     []ConnectionStatus{},
	}
	for _, h := range s.handlersOf(sessionID) {
		st := h.Stats()
		out.TotalEventsSent += st.EventsSent
		out.Connections = append(out.Connections, ConnectionStatus{
			ID:            st.ConnectionID,
			State:         st.State.String(),
			Queued:        st.Queued,
			EventsSent:    st.EventsSent,
			Watermark:     st.Watermark,
			OpenedAt:      st.OpenedAt,
			LastWriteAt:   st.LastWriteAt,
			LastKeepalive: st.LastKeepalive,
		})
	}
	sort.Slice(out.Connections, func(i, j int) bool {
		return out.Connections[i].OpenedAt.Before(out.Connections[j].OpenedAt)
	})
	out.ActiveConnections = len(out.Connections)
	return out, nil
}

// ReplayRange returns the replay a client reconnecting with from-1 as its
// last event would see, without opening a stream. to and maxEvents are
// optional (zero).
func (s *Service) ReplayRange(ctx context.Context, sessionID string, from, to uint64, maxEvents int) (ReplayResponse, error) {
	if !envelope.ValidSessionID(sessionID) {
		return ReplayResponse{}, ErrInvalidSessionID
	}
	if to > 0 && from > to {
		return ReplayResponse{}, fmt.Errorf("streams: invalid range %d-%d", from, to)
	}
	t := &collector{stamper: stamper{s: s, session: sessionID}}
	res, err := s.replayer.Replay(ctx, replay.Request{
		Session:      sessionID,
		ConnectionID: "http-" + uuid.NewString(),
		From:         from,
		To:           to,
		MaxEvents:    maxEvents,
		RetryHintMs:  s.config().Stream.RetryHintMs,
	}, t)
	if err != nil {
		return ReplayResponse{}, err
	}
	metrics.Replays.Inc()
	metrics.ReplayedEvents.Add(float64(res.Count()))
	metrics.ReplayGaps.Add(float64(len(res.Gaps)))
	return ReplayResponse{Envelopes: t.out, Gaps: res.Gaps, Truncated: res.Truncated}, nil
}

// collector gathers a replay for a one-shot response. Its envelopes take
// session sequences but are not mirrored, since no stream carries them.
type collector struct {
	stamper
	out []envelope.Envelope
}

func (c *collector) Emit(env envelope.Envelope) error {
	c.out = append(c.out, env)
	return nil
}

func (c *collector) Follow(uint64) uint64 { return 0 }

// Gaps lists the ranges between from and to that a replay could not
// deliver. to defaults to the latest sequence.
func (s *Service) Gaps(ctx context.Context, sessionID string, from, to uint64) ([]buffer.Gap, error) {
	if !envelope.ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}
	if to == 0 {
		latest, err := s.store.GetLatestSequence(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		to = latest
	}
	res, err := s.replayer.Plan(ctx, replay.Request{Session: sessionID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	if res.Gaps == nil {
		return []buffer.Gap{}, nil
	}
	return res.Gaps, nil
}

// Health checks storage and summarises load.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:          "ok",
		SequenceBackend: string(s.sequences.Strategy()),
	}
	bs := s.buf.Stats()
	h.BufferedEvents, h.BufferSessions = bs.Events, bs.Sessions
	h.Connections = len(s.handlersOf(""))
	ids, err := s.sessions.List(ctx)
	if err == nil {
		h.Sessions = len(ids)
		err = s.rt.CheckHealth(ctx)
	}
	if err != nil {
		h.Status = "degraded"
		h.Error = err.Error()
	}
	return h
}
