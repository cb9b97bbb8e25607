package middleware

import "github.com/rzbill/streamd/pkg/clock"

// Settings configures the default chain.
type Settings struct {
	MinClientVersion     string
	RequireClientVersion bool
	RequestsPerMinute    int
	Burst                int
	RequireAuth          bool
	Verifier             TokenVerifier
	Clock                clock.Clock
}

// Default is the canonical chain plus handles for runtime reconfiguration.
type Default struct {
	*Chain
	Version   *VersionCheck
	RateLimit *RateLimiter
	Auth      *Auth
}

// NewDefault builds version check, rate limit and auth in that order.
func NewDefault(s Settings) *Default {
	d := &Default{
		Version:   NewVersionCheck(s.MinClientVersion, s.RequireClientVersion),
		RateLimit: NewRateLimiter(s.RequestsPerMinute, s.Burst, s.Clock),
		Auth:      NewAuth(s.Verifier, s.RequireAuth, s.Clock),
	}
	d.RateLimit.KeyBySubject(d.Auth.Subject)
	d.Chain = NewChain(d.Version, d.RateLimit, d.Auth)
	return d
}

// Apply updates the reloadable parts of the chain. A nil Verifier keeps the
// current one.
func (d *Default) Apply(s Settings) {
	d.Version.Update(s.MinClientVersion, s.RequireClientVersion)
	d.RateLimit.Update(s.RequestsPerMinute, s.Burst)
	d.Auth.Update(s.Verifier, s.RequireAuth)
}
