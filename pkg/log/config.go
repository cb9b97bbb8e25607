package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config is the declarative form of a logger.
type Config struct {
	Level  string   `json:"level" yaml:"level"`
	Format string   `json:"format" yaml:"format"`
	Output string   `json:"output" yaml:"output"`
	File   string   `json:"file,omitempty" yaml:"file,omitempty"`
	Redact []string `json:"redact,omitempty" yaml:"redact,omitempty"`
	// SampleInitial/SampleThereafter enable per-message sampling when
	// SampleThereafter > 0.
	SampleInitial    int  `json:"sample_initial,omitempty" yaml:"sample_initial,omitempty"`
	SampleThereafter int  `json:"sample_thereafter,omitempty" yaml:"sample_thereafter,omitempty"`
	Caller           bool `json:"caller,omitempty" yaml:"caller,omitempty"`
}

// ParseLevel converts a level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{ShowCaller: cfg.Caller}
	case "json":
		formatter = &JSONFormatter{ShowCaller: cfg.Caller}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	var out Output
	switch strings.ToLower(cfg.Output) {
	case "", "console", "stderr":
		out = NewConsoleOutput()
	case "null", "none":
		out = NullOutput{}
	case "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("log: file output requires a path")
		}
		fo, err := NewFileOutput(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("log: open %s: %w", cfg.File, err)
		}
		out = fo
	default:
		return nil, fmt.Errorf("log: unknown output %q", cfg.Output)
	}

	l := NewLogger(WithLevel(level), WithFormatter(formatter), WithOutput(out)).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions(cfg.Redact).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slogLogger = slog.New(h)
	return l, nil
}
