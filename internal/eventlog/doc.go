// Package eventlog persists published envelopes per session in Pebble so
// replay can reach further back than the in-memory buffer.
//
// Keys are lexicographically ordered for range scans:
//   - ss/{session}/m             latest appended sequence (be8)
//   - ss/{session}/t             highest sequence removed by retention (be8)
//   - ss/{session}/e/{seq_be8}   entry
//   - ssidx/{session}            session index used by PruneExpired
//
// Entries are framed as varint(headerLen) | header | body | crc32c where the
// header carries the append time and event type and the body is the CBOR
// encoded envelope, zstd-compressed when large.
//
//	st := eventlog.Open(db, eventlog.Options{Retention: 24 * time.Hour})
//	_ = st.Append(ctx, env)
//	evs, _ := st.GetEventsInRange(ctx, "s1", 10, 20)
//	n, _ := st.PruneExpired(ctx)
package eventlog
