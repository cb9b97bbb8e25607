package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/streamd/internal/config"
	"github.com/rzbill/streamd/internal/runtime"
	grpcserver "github.com/rzbill/streamd/internal/server/grpc"
	httpserver "github.com/rzbill/streamd/internal/server/http"
	streamsvc "github.com/rzbill/streamd/internal/services/streams"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

// Options select the configuration file and carry command-line overrides.
// Empty override fields leave the file/environment value in place.
type Options struct {
	ConfigPath string
	Version    string

	HTTPAddr  string
	GRPCAddr  string
	DataDir   string
	Sequence  string
	Fsync     string
	LogLevel  string
	LogFormat string
}

// apply overlays the command-line values. It runs on the initial load and
// again on every reload so a file change cannot undo a flag.
func (o Options) apply(cfg *cfgpkg.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.HTTPAddr, o.HTTPAddr)
	set(&cfg.Server.GRPCAddr, o.GRPCAddr)
	set(&cfg.Server.DataDir, o.DataDir)
	set(&cfg.Sequence.Strategy, o.Sequence)
	set(&cfg.Server.Fsync, o.Fsync)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.Format, o.LogFormat)
}

// resolve loads the configuration and applies overrides.
func resolve(opts Options) (*cfgpkg.Loader, cfgpkg.Config, error) {
	loader, err := cfgpkg.NewLoader(opts.ConfigPath, nil)
	if err != nil {
		return nil, cfgpkg.Config{}, err
	}
	cfg := loader.Config()
	opts.apply(&cfg)
	if err := cfgpkg.Validate(cfg); err != nil {
		return nil, cfgpkg.Config{}, err
	}
	return loader, cfg, nil
}

// Run starts the HTTP gateway, the optional gRPC health server and the
// maintenance loop, and blocks until ctx is cancelled or a signal arrives.
// Shutdown closes event streams first, then the listeners, then storage.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, cfg, err := resolve(opts)
	if err != nil {
		return err
	}

	logger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		lvl, _ := logpkg.ParseLevel(cfg.Log.Level)
		logger = logpkg.NewLogger(
			logpkg.WithLevel(lvl),
			logpkg.WithFormatter(&logpkg.TextFormatter{}),
			logpkg.WithOutput(logpkg.NewConsoleOutput()),
		)
		logger.Warn("log config rejected, using text/stderr", logpkg.Err(err))
	}
	// Pebble logs through the standard logger.
	logpkg.RedirectStdLog(logger)

	logger.Info("Starting streamd",
		logpkg.Str("version", opts.Version),
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("data_dir", cfg.Server.DataDir),
		logpkg.Str("sequence", cfg.Sequence.Strategy),
		logpkg.Str("fsync", cfg.Server.Fsync),
		logpkg.Str("config", opts.ConfigPath),
	)

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}
	defer rt.Close()

	var gsrv *grpcserver.Server
	healthHook := func(error) {}
	if cfg.Server.GRPCAddr != "" {
		gsrv = grpcserver.New(logger)
		healthHook = gsrv.SetHealth
	}

	svc, err := streamsvc.New(rt, streamsvc.Options{
		ServerVersion: opts.Version,
		Logger:        logger,
		HealthHook:    healthHook,
	})
	if err != nil {
		return err
	}
	healthHook(rt.CheckHealth(sctx))

	loader.OnChange(func(c cfgpkg.Config) {
		opts.apply(&c)
		if err := cfgpkg.Validate(c); err != nil {
			logger.Warn("config.rejected", logpkg.Err(err))
			return
		}
		svc.ApplyConfig(c)
		if lvl, err := logpkg.ParseLevel(c.Log.Level); err == nil {
			logger.SetLevel(lvl)
		}
		logger.Info("config.applied", logpkg.Str("level", c.Log.Level))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config.watch_disabled", logpkg.Err(err))
		stopWatch = func() {}
	}
	defer stopWatch()

	// Listeners outlive sctx so that streams can be closed before the
	// servers stop accepting.
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	hsrv := httpserver.New(svc, logger)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(serveCtx, cfg.Server.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if gsrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gsrv.ListenAndServe(serveCtx, cfg.Server.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.RunMaintenance(serveCtx)
	}()

	var runErr error
	select {
	case <-sctx.Done():
	case runErr = <-errCh:
		logger.Error("server.listener_failed", logpkg.Err(runErr))
	}

	timeout := cfg.Server.ShutdownTimeout.D()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sdCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := svc.Shutdown(sdCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("streams.shutdown", logpkg.Err(err))
	} else if err != nil {
		logger.Warn("streams.shutdown_timeout", logpkg.Dur("timeout", timeout))
	}
	stopServing()
	wg.Wait()
	logger.Info("streamd stopped")
	return runErr
}
