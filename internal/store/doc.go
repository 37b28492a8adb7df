// Package store provides SQLite-backed durable storage for coldtrace.
//
// The store holds:
//   - Readings: append-only, content-addressed, unique per (stream, timestamp)
//   - Detector state: one serialised detector.State per stream
//   - Deviations: immutable, content-addressed DeviationEvents
//   - Incidents: lifecycle rows guarded by an optimistic version column
//   - Audit entries: append-only, sequenced per incident
//   - Outbox: notifications awaiting delivery
//   - Reevaluation checkpoints: resumable progress per job
//
// # Atomicity
//
// Everything caused by one accepted reading (the reading, the new detector
// state, new deviations, their incidents, audit entries and outbox rows) is
// committed in a single transaction by CommitReading. A deviation that
// already exists is skipped together with everything it would have caused,
// which is what makes reevaluation and redelivery idempotent.
//
// # Deterministic Query Results
//
// Every list query has a total ORDER BY so results are identical across runs.
// Lists are returned as empty slices, never nil.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
