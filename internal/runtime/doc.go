// Package runtime wires storage, configuration and the shared stream state
// (event store, session records, sequence generators, replay buffer) into a
// single-node streamd instance.
//
// Example:
//
//	cfg := config.Default()
//	rt, err := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
//	if err != nil { ... }
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
package runtime
