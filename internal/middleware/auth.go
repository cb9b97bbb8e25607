package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/streamd/internal/authtoken"
	"github.com/rzbill/streamd/pkg/clock"
)

// TokenVerifier validates a presented token string.
type TokenVerifier interface {
	Verify(token string, now time.Time) (authtoken.Token, error)
}

var errNoToken = errors.New("no token presented")

// Auth validates the session token and binds the identity to the request.
// A token naming a session may only open that session.
type Auth struct {
	clk clock.Clock

	mu       sync.RWMutex
	verifier TokenVerifier
	required bool
}

// NewAuth builds the check. With a nil verifier every request passes
// anonymously unless required is set.
func NewAuth(v TokenVerifier, required bool, clk clock.Clock) *Auth {
	return &Auth{verifier: v, required: required, clk: clock.OrReal(clk)}
}

func (a *Auth) Name() string { return "auth" }

// Update swaps the requirement and, when v is non-nil, the verifier.
func (a *Auth) Update(v TokenVerifier, required bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v != nil {
		a.verifier = v
	}
	a.required = required
}

func (a *Auth) settings() (TokenVerifier, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.verifier, a.required
}

// TokenFromHeaders reads "Authorization: Bearer <t>" or X-Session-Token.
func TokenFromHeaders(h interface{ Get(string) string }) string {
	if v := h.Get("Authorization"); v != "" {
		if scheme, tok, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(h.Get("X-Session-Token"))
}

// Subject returns the verified subject of the token req carries, or "" when
// there is none or it does not verify. The outcome is kept on req so Admit
// does not check the signature twice.
func (a *Auth) Subject(req *Request) string {
	v, _ := a.settings()
	claims, err := a.verify(v, req)
	if err != nil {
		return ""
	}
	return claims.Subject
}

func (a *Auth) verify(v TokenVerifier, req *Request) (authtoken.Token, error) {
	if req.checked {
		return req.claims, req.tokenErr
	}
	tok := TokenFromHeaders(req.Headers)
	if tok == "" || v == nil {
		return authtoken.Token{}, errNoToken
	}
	req.claims, req.tokenErr = v.Verify(tok, a.clk.Now())
	req.checked = true
	return req.claims, req.tokenErr
}

func (a *Auth) Admit(_ context.Context, req *Request) error {
	v, required := a.settings()
	if TokenFromHeaders(req.Headers) == "" {
		if required {
			return reject(KindInvalidSession, "missing session token")
		}
		return nil
	}
	if v == nil {
		if required {
			return reject(KindInvalidSession, "no verifier configured")
		}
		return nil
	}
	claims, err := a.verify(v, req)
	if err != nil {
		return reject(KindInvalidSession, "%v", err)
	}
	if claims.Session != "" && claims.Session != req.SessionID {
		return reject(KindInvalidSession, "token is bound to another session")
	}
	req.Identity = &Identity{
		Subject:   claims.Subject,
		Session:   claims.Session,
		ExpiresAt: time.Unix(claims.ExpiresAt, 0),
	}
	return nil
}
