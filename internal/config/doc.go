// Package config loads streamd's runtime configuration. Default() is the
// baseline; Load reads a YAML or JSON file over it and FromEnv overlays
// STREAMD_* variables. A Loader keeps the current configuration and
// reloads it when the file changes, so admission settings can be tuned
// without a restart.
//
//	cfg, err := config.Load("/etc/streamd.yaml")
//	if err != nil { ... }
//	config.FromEnv(&cfg)
//	if err := config.Validate(cfg); err != nil { ... }
package config
