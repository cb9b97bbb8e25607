package config

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	logpkg "github.com/rzbill/streamd/pkg/log"
)

var strategies = map[string]bool{"memory": true, "persisted": true, "timestamp": true, "postgres": true}

var fsyncModes = map[string]bool{"always": true, "interval": true, "never": true}

// Validate reports every problem in cfg at once.
func Validate(cfg Config) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if cfg.Server.HTTPAddr == "" {
		add("server.http_addr is required")
	}
	if cfg.Server.DataDir == "" {
		add("server.data_dir is required")
	}
	if !fsyncModes[cfg.Server.Fsync] {
		add("server.fsync must be always, interval or never (got %q)", cfg.Server.Fsync)
	}

	s := cfg.Stream
	if s.KeepaliveInterval <= 0 {
		add("stream.keepalive_interval must be positive")
	}
	if s.MaxConnectionsPerSession <= 0 {
		add("stream.max_connections_per_session must be positive")
	}
	if s.BackpressureThreshold <= 0 {
		add("stream.backpressure_threshold must be positive")
	}
	if s.MaxQueue < s.BackpressureThreshold {
		add("stream.max_queue (%d) must be >= backpressure_threshold (%d)", s.MaxQueue, s.BackpressureThreshold)
	}
	if s.RetryHintMs < 0 {
		add("stream.retry_hint_ms must not be negative")
	}
	if s.ReplayMaxEvents < 0 {
		add("stream.replay_max_events must not be negative")
	}
	if s.CloseTimeout < 0 {
		add("stream.close_timeout must not be negative")
	}

	if cfg.Buffer.TTL <= 0 {
		add("buffer.ttl must be positive")
	}
	if cfg.Buffer.MaxPerSession <= 0 {
		add("buffer.max_per_session must be positive")
	}

	if !strategies[cfg.Sequence.Strategy] {
		add("sequence.strategy must be memory, persisted, timestamp or postgres (got %q)", cfg.Sequence.Strategy)
	}
	if cfg.Sequence.Strategy == "postgres" && cfg.Sequence.PostgresDSN == "" {
		add("sequence.postgres_dsn is required for the postgres strategy")
	}
	if cfg.Sequence.BlockSize < 0 {
		add("sequence.block_size must not be negative")
	}

	if cfg.Store.Retention < 0 {
		add("store.retention must not be negative")
	}

	a := cfg.Admission
	if a.MinClientVersion != "" && !validVersion(a.MinClientVersion) {
		add("admission.min_client_version %q is not a semantic version", a.MinClientVersion)
	}
	if a.RequestsPerMinute < 0 || a.Burst < 0 {
		add("admission.requests_per_minute and burst must not be negative")
	}
	if a.RequireAuth && a.TokenPublicKey == "" {
		add("admission.token_public_key is required when require_auth is set")
	}

	if cfg.Maintenance.Interval <= 0 {
		add("maintenance.interval must be positive")
	}
	if _, err := logpkg.ParseLevel(cfg.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validVersion(v string) bool {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}
