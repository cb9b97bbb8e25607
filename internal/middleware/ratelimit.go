package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rzbill/streamd/pkg/clock"
)

const anonymousKey = "anonymous"

// RateLimiter keeps a token bucket per key. Buckets refill continuously at
// requests_per_minute/60 tokens per second up to burst.
type RateLimiter struct {
	clk clock.Clock
	// subject resolves the caller's verified identity; nil keys by address.
	subject func(*Request) string

	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(requestsPerMinute, burst int, clk clock.Clock) *RateLimiter {
	r := &RateLimiter{clk: clock.OrReal(clk), buckets: make(map[string]*bucket)}
	r.Update(requestsPerMinute, burst)
	return r
}

// Update changes the rate for existing and future buckets.
func (r *RateLimiter) Update(requestsPerMinute, burst int) {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Limit(float64(requestsPerMinute) / 60)
	if requestsPerMinute <= 0 {
		lim = rate.Inf
	}
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit, r.burst = lim, burst
	for _, b := range r.buckets {
		b.lim.SetLimitAt(now, lim)
		b.lim.SetBurstAt(now, burst)
	}
}

func (r *RateLimiter) Name() string { return "rate_limit" }

// KeyBySubject makes the limiter bucket requests by the verified token
// subject when one is presented. The limiter runs ahead of Auth, so it
// resolves the subject itself rather than reading req.Identity.
func (r *RateLimiter) KeyBySubject(subject func(*Request) string) {
	r.mu.Lock()
	r.subject = subject
	r.mu.Unlock()
}

// Key picks the bucket for req: the authenticated subject, the client IP,
// or the shared anonymous bucket.
func Key(req *Request) string {
	return keyFor(req, "")
}

func keyFor(req *Request, subject string) string {
	if subject != "" {
		return "user:" + subject
	}
	if req.Identity != nil && req.Identity.Subject != "" {
		return "user:" + req.Identity.Subject
	}
	if req.ClientIP != "" {
		return "ip:" + req.ClientIP
	}
	return anonymousKey
}

func (r *RateLimiter) Admit(_ context.Context, req *Request) error {
	r.mu.Lock()
	subject := r.subject
	r.mu.Unlock()
	var sub string
	if subject != nil {
		sub = subject(req)
	}
	if ok, wait := r.Allow(keyFor(req, sub)); !ok {
		return &AdmissionError{Kind: KindRateLimitExceeded, Message: "too many requests", RetryAfter: wait}
	}
	return nil
}

// Allow takes one token from key's bucket. When none is available it
// returns false and the delay until one will be.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := r.clk.Now()
	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	r.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Cleanup drops buckets not used since idle ago and returns how many.
func (r *RateLimiter) Cleanup(idle time.Duration) int {
	cutoff := r.clk.Now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, k)
			n++
		}
	}
	return n
}

// Len reports the number of live buckets.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
