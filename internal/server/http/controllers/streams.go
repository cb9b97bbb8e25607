package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/middleware"
	streamsvc "github.com/rzbill/streamd/internal/services/streams"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

// StreamsController serves the per-session endpoints: the event stream
// itself plus replay, status, gaps, publish and pause/resume.
type StreamsController struct {
	st     *streamsvc.Service
	logger logpkg.Logger
}

func NewStreamsController(svc *streamsvc.Service, logger logpkg.Logger) *StreamsController {
	return &StreamsController{st: svc, logger: logger.With(logpkg.Component("http.streams"))}
}

// RegisterRoutes mounts the session routes under /stream/{session_id}.
func (c *StreamsController) RegisterRoutes(r chi.Router) {
	r.Route("/stream/{session_id}", func(r chi.Router) {
		r.Get("/", c.handleStream)
		r.Delete("/", c.handleDelete)
		r.Get("/replay", c.handleReplay)
		r.Get("/status", c.handleStatus)
		r.Get("/gaps", c.handleGaps)
		r.Post("/publish", c.handlePublish)
		r.Post("/pause", c.handlePause)
		r.Post("/resume", c.handleResume)
	})
}

// handleStream admits the request and then holds the response open as an
// SSE stream until either side closes it.
// Query params: filter (CEL), last_event_id (fallback for Last-Event-ID).
func (c *StreamsController) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if !middleware.AcceptsEventStream(r.Header.Get("Accept")) {
		writeAdmission(w, &middleware.AdmissionError{
			Kind:    middleware.KindNotAcceptable,
			Message: "Accept must allow text/event-stream",
		})
		return
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	admission := middleware.NewRequest(r, sessionID)
	sink := newSSESink(w)
	h, err := c.st.Connect(r.Context(), streamsvc.ConnectRequest{
		Admission:   admission,
		LastEventID: lastEventID,
		Filter:      r.URL.Query().Get("filter"),
		Sink:        sink,
	})
	if err != nil {
		if ae, ok := middleware.AsAdmission(err); ok {
			c.logger.Info("http.admission_rejected",
				logpkg.Str("kind", string(ae.Kind)),
				logpkg.Str("session", sessionID),
				logpkg.Str("ip", admission.ClientIP),
				logpkg.Str("reason", ae.Message))
		}
		writeServiceError(w, err)
		return
	}
	// Headers go out before the handshake so the client sees the stream
	// open even if the first frame is delayed.
	sink.prepare()
	_ = sink.Flush()

	summary, err := c.st.Serve(r.Context(), h)
	if err != nil {
		c.logger.Debug("http.stream_ended",
			logpkg.Str("session", sessionID),
			logpkg.Str("conn", h.ID()),
			logpkg.Str("reason", summary.Reason),
			logpkg.Err(err))
	}
}

// handleReplay returns the replay envelopes as a JSON array.
// Query params: from_seq, to_seq, max_events
func (c *StreamsController) handleReplay(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	q := r.URL.Query()
	from, err := parseSeq(q.Get("from_seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from_seq")
		return
	}
	to, err := parseSeq(q.Get("to_seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to_seq")
		return
	}
	res, err := c.st.ReplayRange(r.Context(), sessionID, from, to, parseLimit(q.Get("max_events")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(res.Gaps) > 0 {
		w.Header().Set("X-Replay-Gaps", formatGaps(res.Gaps))
	}
	w.Header().Set("X-Replay-Truncated", strconv.FormatBool(res.Truncated))
	envs := res.Envelopes
	if envs == nil {
		envs = []envelope.Envelope{}
	}
	writeJSON(w, envs)
}

func (c *StreamsController) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.st.Status(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, st)
}

// handleGaps lists unrecoverable ranges.
// Query params: from_seq, to_seq
func (c *StreamsController) handleGaps(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	q := r.URL.Query()
	from, err := parseSeq(q.Get("from_seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from_seq")
		return
	}
	to, err := parseSeq(q.Get("to_seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to_seq")
		return
	}
	if from == 0 {
		from = 1
	}
	gaps, err := c.st.Gaps(r.Context(), sessionID, from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, gapsResp{SessionID: sessionID, From: from, To: to, Gaps: gaps})
}

// handlePublish injects an event. The body's event_type defaults to "data".
func (c *StreamsController) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	typ := envelope.TypeData
	if req.EventType != "" {
		t, err := envelope.ParseType(req.EventType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		typ = t
	}
	env, err := c.st.Publish(r.Context(), chi.URLParam(r, "session_id"), streamsvc.PublishRequest{
		Type:     typ,
		Payload:  req.Payload,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, env)
}

// handlePause pauses one connection (connection_id query param) or all of
// the session's connections.
func (c *StreamsController) handlePause(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	n, err := c.st.Pause(sessionID, r.URL.Query().Get("connection_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, controlResp{SessionID: sessionID, Affected: n})
}

func (c *StreamsController) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	n, err := c.st.Resume(sessionID, r.URL.Query().Get("connection_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, controlResp{SessionID: sessionID, Affected: n})
}

// handleDelete removes the session's history and record and closes its
// connections.
func (c *StreamsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := c.st.DeleteSession(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
