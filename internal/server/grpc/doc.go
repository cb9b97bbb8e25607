// Package grpcserver exposes the standard grpc.health.v1 service for
// streamd. Event delivery itself is HTTP/SSE only; the gRPC listener exists
// so orchestrators can check the process with stock health checkers.
//
// Example:
//
//	s := grpcserver.New(logger)
//	s.SetHealth(rt.CheckHealth(ctx))
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
