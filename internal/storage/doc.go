// Package storage persists the run journal: one record per finished task
// dispatch, kept for auditing and pruned by retention.
//
// Drivers:
//   - "file": JSON Lines file, compacted on prune
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL mode)
//
// The journal is write-mostly. Scheduler state is never restored from it.
package storage
