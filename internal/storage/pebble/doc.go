// Package pebblestore wraps the Pebble key-value engine used for event
// history, session records and persisted sequence counters. It applies the
// configured fsync policy, reports operation latencies to a MetricsHook and
// offers prefix scans over the key spaces the other packages define.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeInterval})
//	if err != nil { ... }
//	defer db.Close()
//	_ = db.Set([]byte("k"), []byte("v"))
package pebblestore
