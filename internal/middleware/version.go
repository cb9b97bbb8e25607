package middleware

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
)

// VersionCheck rejects clients older than a minimum semantic version.
type VersionCheck struct {
	mu      sync.RWMutex
	min     string
	require bool
}

// NewVersionCheck builds the check. An empty min disables it. When require
// is false, requests without X-Client-Version are admitted.
func NewVersionCheck(min string, require bool) *VersionCheck {
	v := &VersionCheck{}
	v.Update(min, require)
	return v
}

// Update swaps the policy at runtime.
func (v *VersionCheck) Update(min string, require bool) {
	v.mu.Lock()
	v.min, v.require = canonical(min), require
	v.mu.Unlock()
}

func (v *VersionCheck) Name() string { return "version" }

func (v *VersionCheck) Admit(_ context.Context, req *Request) error {
	v.mu.RLock()
	min, require := v.min, v.require
	v.mu.RUnlock()
	if min == "" {
		return nil
	}
	raw := strings.TrimSpace(req.ClientVersion)
	if raw == "" {
		if require {
			return reject(KindVersionMismatch, "X-Client-Version is required (minimum %s)", min)
		}
		return nil
	}
	cv := canonical(raw)
	if cv == "" {
		return reject(KindVersionMismatch, "unparseable client version %q", raw)
	}
	if semver.Compare(cv, min) < 0 {
		return reject(KindVersionMismatch, "client version %s is below minimum %s", raw, min)
	}
	return nil
}

// canonical accepts versions with or without a leading "v".
func canonical(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	if !semver.IsValid(s) {
		return ""
	}
	return semver.Canonical(s)
}
