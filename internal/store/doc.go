// Package store provides the SQLite-backed durable on-device store for the
// ringside sync core.
//
// The store holds two kinds of state that must survive a process restart:
//   - Mirror rows: one local copy per replicated remote table, keyed by
//     (table_name, id), plus a last-synchronized watermark per table
//   - Queue items: the offline write queue, ordered by an AUTOINCREMENT seq
//
// # Critical Patterns
//
// Idempotent upsert-by-id:
//   - mirror_rows PRIMARY KEY (table_name, id) with ON CONFLICT DO UPDATE
//   - Applying the same change twice leaves the same row
//
// FIFO queue order:
//   - All queue reads use ORDER BY seq ASC
//   - seq is AUTOINCREMENT so a removed head is never reused
//
// Atomic full resync:
//   - ReplaceTable deletes and re-inserts a table's rows in one transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
