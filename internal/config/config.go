package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	logpkg "github.com/rzbill/streamd/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Stream      StreamConfig      `json:"stream" yaml:"stream"`
	Buffer      BufferConfig      `json:"buffer" yaml:"buffer"`
	Sequence    SequenceConfig    `json:"sequence" yaml:"sequence"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Admission   AdmissionConfig   `json:"admission" yaml:"admission"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	Log         logpkg.Config     `json:"log" yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	// GRPCAddr serves the health service; empty disables it.
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	// Fsync is always, interval or never.
	Fsync           string   `json:"fsync" yaml:"fsync"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StreamConfig holds per-connection limits.
type StreamConfig struct {
	KeepaliveInterval        Duration `json:"keepalive_interval" yaml:"keepalive_interval"`
	MaxConnectionsPerSession int      `json:"max_connections_per_session" yaml:"max_connections_per_session"`
	BackpressureThreshold    int      `json:"backpressure_threshold" yaml:"backpressure_threshold"`
	MaxQueue                 int      `json:"max_queue" yaml:"max_queue"`
	RetryHintMs              int      `json:"retry_hint_ms" yaml:"retry_hint_ms"`
	ReplayMaxEvents          int      `json:"replay_max_events" yaml:"replay_max_events"`
	// StaleTimeout closes connections with no successful write for this
	// long. Zero means three keepalive intervals.
	StaleTimeout Duration `json:"stale_timeout" yaml:"stale_timeout"`
	// CloseTimeout is how long a closing connection may stay blocked on a
	// write before the write is aborted.
	CloseTimeout  Duration `json:"close_timeout" yaml:"close_timeout"`
	MaxFilterSize int      `json:"max_filter_size" yaml:"max_filter_size"`
}

type BufferConfig struct {
	TTL           Duration `json:"ttl" yaml:"ttl"`
	MaxPerSession int      `json:"max_per_session" yaml:"max_per_session"`
}

type SequenceConfig struct {
	// Strategy is memory, persisted, timestamp or postgres.
	Strategy    string `json:"strategy" yaml:"strategy"`
	BlockSize   int    `json:"block_size" yaml:"block_size"`
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
}

type StoreConfig struct {
	Retention Duration `json:"retention" yaml:"retention"`
	// HistoryReplay fills buffer gaps from the store during replay.
	HistoryReplay bool `json:"history_replay" yaml:"history_replay"`
}

// AdmissionConfig drives the middleware chain. These fields are applied
// live on reload.
type AdmissionConfig struct {
	MinClientVersion     string `json:"min_client_version" yaml:"min_client_version"`
	RequireClientVersion bool   `json:"require_client_version" yaml:"require_client_version"`
	RequestsPerMinute    int    `json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst                int    `json:"burst" yaml:"burst"`
	RequireAuth          bool   `json:"require_auth" yaml:"require_auth"`
	// TokenPublicKey is a path to, or the hex/base64 text of, the Ed25519
	// key that signs session tokens.
	TokenPublicKey string `json:"token_public_key" yaml:"token_public_key"`
	TokenAudience  string `json:"token_audience" yaml:"token_audience"`
}

type MaintenanceConfig struct {
	Interval      Duration `json:"interval" yaml:"interval"`
	RateLimitIdle Duration `json:"rate_limit_idle" yaml:"rate_limit_idle"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        "",
			DataDir:         DefaultDataDir(),
			Fsync:           "interval",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Stream: StreamConfig{
			KeepaliveInterval:        Duration(30 * time.Second),
			MaxConnectionsPerSession: 5,
			BackpressureThreshold:    100,
			MaxQueue:                 1000,
			RetryHintMs:              3000,
			CloseTimeout:             Duration(time.Second),
			MaxFilterSize:            2048,
		},
		Buffer: BufferConfig{
			TTL:           Duration(time.Hour),
			MaxPerSession: 1000,
		},
		Sequence: SequenceConfig{
			Strategy:  "persisted",
			BlockSize: 64,
		},
		Store: StoreConfig{
			Retention:     Duration(24 * time.Hour),
			HistoryReplay: true,
		},
		Admission: AdmissionConfig{
			RequestsPerMinute: 60,
			Burst:             10,
			TokenAudience:     "streamd",
		},
		Maintenance: MaintenanceConfig{
			Interval:      Duration(30 * time.Second),
			RateLimitIdle: Duration(10 * time.Minute),
		},
		Log: logpkg.Config{Level: "info", Format: "text", Output: "stderr"},
	}
}

// EffectiveStaleTimeout resolves a zero StaleTimeout.
func (c StreamConfig) EffectiveStaleTimeout() time.Duration {
	if c.StaleTimeout > 0 {
		return c.StaleTimeout.D()
	}
	return 3 * c.KeepaliveInterval.D()
}

// Load reads configuration from a YAML (.yaml/.yml) or JSON file over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}
