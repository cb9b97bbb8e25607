package streamsvc

import (
	"context"

	"github.com/rzbill/streamd/internal/envelope"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

// stamper numbers envelopes a connection emits on its own. They draw from
// the session's generator under the same lock as Publish, so published and
// connection-local envelopes share one increasing order. While the
// connection is registered each stamped envelope is mirrored into the
// buffer.
type stamper struct {
	s       *Service
	session string
	// conn is empty for envelopes that never reach a stream.
	conn string
}

func (p stamper) Stamp(ctx context.Context, build func(uint64) (envelope.Envelope, error)) (envelope.Envelope, error) {
	st := p.s.lockState(p.session)
	defer st.mu.Unlock()
	_, registered := st.conns[p.conn]
	return p.stamp(ctx, registered, build)
}

// StampHeld runs inside Publish, which only offers events to registered
// connections.
func (p stamper) StampHeld(ctx context.Context, build func(uint64) (envelope.Envelope, error)) (envelope.Envelope, error) {
	return p.stamp(ctx, p.conn != "", build)
}

func (p stamper) stamp(ctx context.Context, mirror bool, build func(uint64) (envelope.Envelope, error)) (envelope.Envelope, error) {
	seq, err := p.s.sequences.For(p.session).Next(ctx)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env, err := build(seq)
	if err != nil || !mirror {
		return env, err
	}
	if err := p.s.buf.Append(env); err != nil {
		p.s.logger.Warn("streams.mirror_failed",
			logpkg.Str("session", p.session),
			logpkg.Str("conn", p.conn),
			logpkg.Uint64("seq", seq),
			logpkg.Err(err))
	}
	return env, nil
}
