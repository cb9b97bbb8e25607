// Package httpserver is the HTTP gateway of streamd. It serves the SSE
// event stream at /stream/{session_id} together with the JSON replay,
// status, gaps, publish and pause/resume endpoints, /stream/health and the
// Prometheus /metrics endpoint.
//
// Example:
//
//	svc, _ := streamsvc.New(rt, streamsvc.Options{Logger: logger})
//	s := httpserver.New(svc, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
