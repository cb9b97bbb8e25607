// Package sequence hands out per-session, strictly increasing sequence
// numbers. Four interchangeable strategies share the Generator contract:
//
//   - memory: process-local counter, no durability.
//   - persisted: Pebble-backed counter that reserves blocks ahead of use so
//     that a restart never reissues a value.
//   - timestamp: ms*1000 + intra-millisecond counter, roughly chronological
//     without shared state.
//   - postgres: a row per session incremented with UPDATE ... RETURNING,
//     shared by every instance pointed at the same database.
//
// Every strategy is safe for concurrent callers.
package sequence
