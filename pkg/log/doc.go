// Package log provides streamd's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Records are routed through log/slog via
// a bridge handler so formatting and outputs stay consistent across the
// process.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("stream"), log.Str("session", "s1"))
//	l.Info("connection.open", log.Int("active", 2))
//
// Use ApplyConfig to build a logger from a declarative Config. Libraries that
// log through the standard library (Pebble) can be captured with
// RedirectStdLog.
package log
