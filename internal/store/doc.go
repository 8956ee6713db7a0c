// Package store provides SQLite-backed durable storage for session message
// logs.
//
// Each session's log is append-only and totally ordered by seq, the dense
// sequence number the relay assigns. A relay loads the log on startup and
// appends every message it sequences, so a restarted relay replays exactly
// the order participants already saw.
//
// # Critical Patterns
//
// Idempotent appends
//   - messages.id is the content-addressed ir.MessageID
//   - INSERT ... ON CONFLICT(id) DO NOTHING makes redelivery harmless
//   - UNIQUE(session, seq) rejects a different message at a taken position
//
// Logical time only
//   - All ordering uses seq, never timestamps
//   - All reads are ORDER BY seq ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
