// Package middleware runs the admission checks a stream request must pass
// before a connection is opened. Checks run in order and the chain stops at
// the first failure. The default order is version check, rate limit, then
// authentication, so outdated clients are turned away before any token
// bucket or signature work is done.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rzbill/streamd/internal/authtoken"
)

// Kind names an admission failure.
type Kind string

const (
	KindInvalidSession    Kind = "invalid-session"
	KindVersionMismatch   Kind = "version-mismatch"
	KindRateLimitExceeded Kind = "rate-limit-exceeded"
	KindMaxConnections    Kind = "max-connections"
	KindNotAcceptable     Kind = "not-acceptable"
)

// AdmissionError is returned when a request is refused.
type AdmissionError struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// HTTPStatus maps the failure kind onto a response code.
func (e *AdmissionError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidSession:
		return http.StatusUnauthorized
	case KindVersionMismatch:
		return http.StatusUpgradeRequired
	case KindRateLimitExceeded, KindMaxConnections:
		return http.StatusTooManyRequests
	case KindNotAcceptable:
		return http.StatusNotAcceptable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the
// Retry-After header; 0 when unset.
func (e *AdmissionError) RetryAfterSeconds() string {
	if e.RetryAfter <= 0 {
		return ""
	}
	s := int64((e.RetryAfter + time.Second - 1) / time.Second)
	return strconv.FormatInt(s, 10)
}

func reject(kind Kind, format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsAdmission extracts an AdmissionError from err.
func AsAdmission(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Identity is the authenticated caller.
type Identity struct {
	Subject   string
	Session   string
	ExpiresAt time.Time
}

// Request is the mutable admission context passed along the chain.
type Request struct {
	Headers       http.Header
	ClientIP      string
	SessionID     string
	ClientVersion string
	Identity      *Identity
	// Passed lists the middlewares that admitted the request, in order.
	Passed []string

	checked  bool
	claims   authtoken.Token
	tokenErr error
}

// NewRequest builds a Request from an HTTP request.
func NewRequest(r *http.Request, sessionID string) *Request {
	return &Request{
		Headers:       r.Header.Clone(),
		ClientIP:      ClientIP(r),
		SessionID:     sessionID,
		ClientVersion: r.Header.Get("X-Client-Version"),
	}
}

// Middleware is one admission check. Implementations may augment req.
type Middleware interface {
	Name() string
	Admit(ctx context.Context, req *Request) error
}

// Chain runs middlewares in order.
type Chain struct {
	mu  sync.RWMutex
	mws []Middleware
}

func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: append([]Middleware(nil), mws...)}
}

// Use appends a middleware.
func (c *Chain) Use(m Middleware) {
	c.mu.Lock()
	c.mws = append(c.mws, m)
	c.mu.Unlock()
}

// Names lists the middlewares in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.mws))
	for i, m := range c.mws {
		out[i] = m.Name()
	}
	return out
}

// Run admits req or returns the first failure. Errors that are not
// AdmissionErrors are internal failures.
func (c *Chain) Run(ctx context.Context, req *Request) error {
	c.mu.RLock()
	mws := c.mws
	c.mu.RUnlock()
	for _, m := range mws {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Admit(ctx, req); err != nil {
			return err
		}
		req.Passed = append(req.Passed, m.Name())
	}
	return nil
}
