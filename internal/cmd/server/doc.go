// Package serverrun exposes the Run entrypoint used by the CLI to start
// streamd: it loads configuration, opens the runtime, serves the HTTP
// gateway and the gRPC health service, and shuts them down in order.
//
// Example:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{ConfigPath: "streamd.yaml", HTTPAddr: ":8080"})
package serverrun
