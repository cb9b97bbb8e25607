package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays STREAMD_* environment variables onto cfg. Unparseable
// values are ignored.
func FromEnv(cfg *Config) {
	envString("STREAMD_HTTP_ADDR", &cfg.Server.HTTPAddr)
	envString("STREAMD_GRPC_ADDR", &cfg.Server.GRPCAddr)
	envString("STREAMD_DATA_DIR", &cfg.Server.DataDir)
	envString("STREAMD_FSYNC", &cfg.Server.Fsync)
	envDuration("STREAMD_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	envDuration("STREAMD_KEEPALIVE_INTERVAL", &cfg.Stream.KeepaliveInterval)
	envInt("STREAMD_MAX_CONNECTIONS_PER_SESSION", &cfg.Stream.MaxConnectionsPerSession)
	envInt("STREAMD_BACKPRESSURE_THRESHOLD", &cfg.Stream.BackpressureThreshold)
	envInt("STREAMD_MAX_QUEUE", &cfg.Stream.MaxQueue)
	envInt("STREAMD_RETRY_HINT_MS", &cfg.Stream.RetryHintMs)
	envInt("STREAMD_REPLAY_MAX_EVENTS", &cfg.Stream.ReplayMaxEvents)
	envDuration("STREAMD_STALE_TIMEOUT", &cfg.Stream.StaleTimeout)
	envDuration("STREAMD_CLOSE_TIMEOUT", &cfg.Stream.CloseTimeout)

	envDuration("STREAMD_BUFFER_TTL", &cfg.Buffer.TTL)
	envInt("STREAMD_BUFFER_MAX_PER_SESSION", &cfg.Buffer.MaxPerSession)

	envString("STREAMD_SEQUENCE_STRATEGY", &cfg.Sequence.Strategy)
	envInt("STREAMD_SEQUENCE_BLOCK_SIZE", &cfg.Sequence.BlockSize)
	envString("STREAMD_POSTGRES_DSN", &cfg.Sequence.PostgresDSN)

	envDuration("STREAMD_STORE_RETENTION", &cfg.Store.Retention)
	envBool("STREAMD_HISTORY_REPLAY", &cfg.Store.HistoryReplay)

	envString("STREAMD_MIN_CLIENT_VERSION", &cfg.Admission.MinClientVersion)
	envBool("STREAMD_REQUIRE_CLIENT_VERSION", &cfg.Admission.RequireClientVersion)
	envInt("STREAMD_RATE_LIMIT_RPM", &cfg.Admission.RequestsPerMinute)
	envInt("STREAMD_RATE_LIMIT_BURST", &cfg.Admission.Burst)
	envBool("STREAMD_REQUIRE_AUTH", &cfg.Admission.RequireAuth)
	envString("STREAMD_TOKEN_PUBLIC_KEY", &cfg.Admission.TokenPublicKey)
	envString("STREAMD_TOKEN_AUDIENCE", &cfg.Admission.TokenAudience)

	envDuration("STREAMD_MAINTENANCE_INTERVAL", &cfg.Maintenance.Interval)

	envString("STREAMD_LOG_LEVEL", &cfg.Log.Level)
	envString("STREAMD_LOG_FORMAT", &cfg.Log.Format)
	envString("STREAMD_LOG_OUTPUT", &cfg.Log.Output)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
