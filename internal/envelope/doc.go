// Package envelope defines the unit of delivery on a stream: an immutable,
// sequenced event record with a closed type taxonomy, plus its SSE wire
// framing.
//
// # Event ids
//
// Published events carry `{session}:{sequence}`. Envelopes that exist only
// on one connection (handshake, keepalive, replay markers, control notices)
// carry `{session}:{watermark}:{tag}-{suffix}` where watermark is the last
// published sequence that connection delivered. Either form, or a bare
// integer, is accepted back as Last-Event-ID; see ResumeSequence.
package envelope
