// Package storage provides the backing stores used by the scheduler.
//
// Two concerns share one Store:
//   - KV: atomic set-if-absent-with-expiry and compare-and-delete, used only by the lock manager
//   - RecordStore: one persisted TaskRecord per task name
//
// Drivers: memory (default), file (jsonl journal + snapshot, in-memory KV),
// sqlite (modernc.org/sqlite) and redis (go-redis).
package storage
