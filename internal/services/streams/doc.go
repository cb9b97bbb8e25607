// Package streamsvc is the streaming engine behind the HTTP and gRPC
// transports. It admits stream requests, runs one connection handler per
// client, assigns sequences and fans published events out to live
// connections, and answers replay, gap and status queries.
//
// Example:
//
//	svc, err := streamsvc.New(rt, streamsvc.Options{Logger: logger})
//	if err != nil { ... }
//	env, _ := svc.Publish(ctx, "session-1", streamsvc.PublishRequest{Type: envelope.TypeData, Payload: p})
//	h, err := svc.Connect(ctx, streamsvc.ConnectRequest{Admission: req, Sink: sink})
//	if err != nil { ... } // *middleware.AdmissionError for refusals
//	summary, err := svc.Serve(ctx, h)
package streamsvc

// Ordering
//
// Publish holds the session lock from sequence assignment until every live
// handler has the envelope queued, and Connect registers a handler under
// the same lock. A new handler therefore sees every event above the
// watermark it was registered with, and the handler drops anything at or
// below what it has already written. That makes the replay/live hand-off
// gap-free without a second pass.
