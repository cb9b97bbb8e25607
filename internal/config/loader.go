package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	logpkg "github.com/rzbill/streamd/pkg/log"
)

// Loader holds the current configuration read from a file and reloads it
// when the file changes. A reload that fails to parse or validate keeps the
// previous configuration.
type Loader struct {
	path   string
	logger logpkg.Logger

	mu       sync.RWMutex
	current  Config
	onChange []func(Config)
}

// NewLoader performs the initial load: file, then environment overlay,
// then validation.
func NewLoader(path string, logger logpkg.Logger) (*Loader, error) {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	l := &Loader{path: path, logger: logger.With(logpkg.Component("config"))}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the latest configuration.
func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after each successful reload.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the file now.
func (l *Loader) Reload() (Config, error) {
	cfg, err := l.load()
	if err != nil {
		return Config{}, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

// Watch hot-reloads the file on change until stop is called. The parent
// directory is watched so editors that replace the file are handled.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config.reload_failed", logpkg.Str("path", l.path), logpkg.Err(err))
						continue
					}
					l.logger.Info("config.reloaded", logpkg.Str("path", l.path))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config.watch_error", logpkg.Err(err))
			case <-done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }, nil
}

func (l *Loader) load() (Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return Config{}, err
	}
	FromEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
