package streamsvc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/streamd/internal/authtoken"
	"github.com/rzbill/streamd/internal/buffer"
	cfgpkg "github.com/rzbill/streamd/internal/config"
	"github.com/rzbill/streamd/internal/connection"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/eventlog"
	"github.com/rzbill/streamd/internal/metrics"
	"github.com/rzbill/streamd/internal/middleware"
	"github.com/rzbill/streamd/internal/replay"
	"github.com/rzbill/streamd/internal/runtime"
	"github.com/rzbill/streamd/internal/sequence"
	"github.com/rzbill/streamd/internal/session"
	"github.com/rzbill/streamd/pkg/clock"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

var (
	ErrInvalidSessionID = errors.New("streams: invalid session id")
	ErrNotPublishable   = errors.New("streams: event type cannot be published")
	ErrSessionNotFound  = errors.New("streams: session not found")
	ErrNoConnections    = errors.New("streams: no live connections")
	ErrInvalidFilter    = errors.New("streams: invalid filter")
	ErrShuttingDown     = errors.New("streams: shutting down")
)

// DefaultCapabilities are announced in handshake-complete.
var DefaultCapabilities = []string{"replay", "gaps", "pause", "filter", "backpressure"}

type Options struct {
	// ServerVersion is announced to clients during the handshake.
	ServerVersion string
	// Verifier overrides the token verifier built from configuration.
	Verifier middleware.TokenVerifier
	Logger   logpkg.Logger
	// HealthHook receives the storage health result after every
	// maintenance pass.
	HealthHook func(error)
}

// Service is the streaming engine. It is safe for concurrent use.
type Service struct {
	rt        *runtime.Runtime
	buf       *buffer.Buffer
	store     *eventlog.Store
	sessions  *session.Repository
	sequences *sequence.Registry
	replayer  *replay.Controller
	chain     *middleware.Default
	clk       clock.Clock
	logger    logpkg.Logger
	version   string
	health    func(error)

	cfg atomic.Pointer[cfgpkg.Config]

	mu       sync.Mutex
	live     map[string]*sessionState
	closing  bool
	handlers sync.WaitGroup
}

// sessionState serializes publishes and registrations for one session.
type sessionState struct {
	mu    sync.Mutex
	conns map[string]*connection.Handler
	// reserved counts admitted connections not yet registered.
	reserved int
	// retired is set once the state has been dropped from Service.live.
	retired bool
}

// New builds the service over an open runtime. Persisted connection
// records left non-terminal by a previous process are closed as stale.
func New(rt *runtime.Runtime, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	cfg := rt.Config()
	s := &Service{
		rt:        rt,
		buf:       rt.Buffer(),
		store:     rt.Store(),
		sessions:  rt.Sessions(),
		sequences: rt.Sequences(),
		clk:       rt.Clock(),
		logger:    logger.With(logpkg.Component("streams")),
		version:   opts.ServerVersion,
		health:    opts.HealthHook,
		live:      make(map[string]*sessionState),
	}
	s.cfg.Store(&cfg)

	var history replay.History
	if cfg.Store.HistoryReplay {
		history = s.store
	}
	s.replayer = replay.NewController(replay.Options{
		Buffer:    s.buf,
		History:   history,
		Sequences: s.sequences,
		Logger:    logger,
	})

	verifier := opts.Verifier
	if verifier == nil {
		v, err := buildVerifier(cfg.Admission)
		if err != nil {
			return nil, err
		}
		if v != nil {
			verifier = v
		}
	}
	s.chain = middleware.NewDefault(admissionSettings(cfg.Admission, verifier, s.clk))

	if n, err := s.sessions.SweepStale(context.Background(), s.clk.Now().Add(time.Nanosecond)); err != nil {
		return nil, fmt.Errorf("streams: close orphaned connections: %w", err)
	} else if n > 0 {
		s.logger.Info("streams.orphans_closed", logpkg.Int("connections", n))
	}
	return s, nil
}

func buildVerifier(a cfgpkg.AdmissionConfig) (*authtoken.Verifier, error) {
	if a.TokenPublicKey == "" {
		return nil, nil
	}
	var (
		pub ed25519.PublicKey
		err error
	)
	if _, statErr := os.Stat(a.TokenPublicKey); statErr == nil {
		pub, err = authtoken.LoadPublicKey(a.TokenPublicKey)
	} else {
		pub, err = authtoken.ParsePublicKey(a.TokenPublicKey)
	}
	if err != nil {
		return nil, fmt.Errorf("streams: token public key: %w", err)
	}
	return authtoken.NewVerifier(pub, a.TokenAudience), nil
}

func admissionSettings(a cfgpkg.AdmissionConfig, v middleware.TokenVerifier, clk clock.Clock) middleware.Settings {
	return middleware.Settings{
		MinClientVersion:     a.MinClientVersion,
		RequireClientVersion: a.RequireClientVersion,
		RequestsPerMinute:    a.RequestsPerMinute,
		Burst:                a.Burst,
		RequireAuth:          a.RequireAuth,
		Verifier:             v,
		Clock:                clk,
	}
}

// ApplyConfig takes a reloaded configuration. Admission settings, including
// require_auth and a changed token key, apply to the next request; stream
// limits apply to connections opened afterwards.
func (s *Service) ApplyConfig(cfg cfgpkg.Config) {
	s.cfg.Store(&cfg)
	var verifier middleware.TokenVerifier
	if v, err := buildVerifier(cfg.Admission); err != nil {
		s.logger.Warn("streams.verifier_reload_failed", logpkg.Err(err))
	} else if v != nil {
		verifier = v
	}
	s.chain.Apply(admissionSettings(cfg.Admission, verifier, s.clk))
	s.logger.Info("streams.config_applied",
		logpkg.Str("min_client_version", cfg.Admission.MinClientVersion),
		logpkg.Bool("require_auth", cfg.Admission.RequireAuth),
		logpkg.Int("rpm", cfg.Admission.RequestsPerMinute),
		logpkg.Int("burst", cfg.Admission.Burst))
}

func (s *Service) config() cfgpkg.Config { return *s.cfg.Load() }

// Chain exposes the admission chain.
func (s *Service) Chain() *middleware.Default { return s.chain }

func (s *Service) state(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.live[sessionID]
	if !ok {
		st = &sessionState{conns: make(map[string]*connection.Handler)}
		s.live[sessionID] = st
	}
	return st
}

// lockState returns the session's state with its lock held.
func (s *Service) lockState(sessionID string) *sessionState {
	for {
		st := s.state(sessionID)
		st.mu.Lock()
		if !st.retired {
			return st
		}
		st.mu.Unlock()
	}
}

func (s *Service) existing(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID]
}

// handlers returns a snapshot of the live handlers of a session, or of
// every session when sessionID is empty.
func (s *Service) handlersOf(sessionID string) []*connection.Handler {
	s.mu.Lock()
	states := make([]*sessionState, 0, len(s.live))
	for id, st := range s.live {
		if sessionID == "" || id == sessionID {
			states = append(states, st)
		}
	}
	s.mu.Unlock()
	var out []*connection.Handler
	for _, st := range states {
		st.mu.Lock()
		for _, h := range st.conns {
			out = append(out, h)
		}
		st.mu.Unlock()
	}
	return out
}

// Publish assigns the next sequence, appends the envelope to the store and
// the buffer and queues it on every live connection of the session.
func (s *Service) Publish(ctx context.Context, sessionID string, req PublishRequest) (envelope.Envelope, error) {
	if !envelope.ValidSessionID(sessionID) {
		return envelope.Envelope{}, ErrInvalidSessionID
	}
	if !req.Type.Publishable() {
		return envelope.Envelope{}, fmt.Errorf("%w: %s", ErrNotPublishable, req.Type)
	}
	start := time.Now()
	st := s.lockState(sessionID)
	defer st.mu.Unlock()
	seq, err := s.sequences.For(sessionID).Next(ctx)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("streams: next sequence: %w", err)
	}
	env, err := envelope.New(envelope.PrimaryID(sessionID, seq), seq, req.Type,
		envelope.WithSession(sessionID),
		envelope.WithTimestamp(s.clk.Now()),
		envelope.WithPayload(req.Payload),
		envelope.WithMetadata(req.Metadata),
		envelope.WithRetryHint(s.config().Stream.RetryHintMs))
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := s.store.Append(ctx, env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("streams: store append: %w", err)
	}
	if err := s.buf.Append(env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("streams: buffer append: %w", err)
	}
	refused := 0
	for _, h := range st.conns {
		if !h.Deliver(env) {
			refused++
		}
	}

	metrics.EventsPublished.WithLabelValues(req.Type.String()).Inc()
	metrics.ObservePublish(time.Since(start))
	s.logger.Debug("streams.publish",
		logpkg.Str("session", sessionID),
		logpkg.Uint64("seq", seq),
		logpkg.Str("type", req.Type.String()),
		logpkg.Int("fanout", len(st.conns)),
		logpkg.Int("refused", refused))
	return env, nil
}

// DeleteSession closes the session's live connections and removes its
// buffered events, stored history and session record. The sequence
// generator is kept, so later events never reuse a deleted id.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if !envelope.ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	st := s.lockState(sessionID)
	latest, err := s.store.GetLatestSequence(ctx, sessionID)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	// Unregistered handlers receive no more events and their closing
	// envelopes are not mirrored into the emptied buffer.
	hs := make([]*connection.Handler, 0, len(st.conns))
	for id, h := range st.conns {
		hs = append(hs, h)
		delete(st.conns, id)
		h.Close(connection.ReasonSessionDeleted)
	}
	_, hi := s.buf.SequenceRange(sessionID)
	dropped := s.buf.EvictThrough(sessionID, hi)
	err = s.store.DeleteSession(ctx, sessionID)
	st.mu.Unlock()
	if err != nil {
		return fmt.Errorf("streams: delete history: %w", err)
	}

	existed := len(hs) > 0 || dropped > 0 || latest > 0
	if err := s.sessions.Delete(ctx, sessionID); err == nil {
		existed = true
	} else if !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("streams: delete session record: %w", err)
	}
	if !existed {
		return ErrSessionNotFound
	}
	s.logger.Info("streams.session_deleted",
		logpkg.Str("session", sessionID),
		logpkg.Int("connections", len(hs)),
		logpkg.Int("buffered", dropped),
		logpkg.Uint64("latest", latest))
	return nil
}

// Shutdown closes every live connection with reason server-shutdown and
// waits for them to finish or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	hs := s.handlersOf("")
	for _, h := range hs {
		h.Close(connection.ReasonServerShutdown)
	}
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("streams.shutdown", logpkg.Int("closed", len(hs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
