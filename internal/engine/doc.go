// Package engine is the coldtrace operation surface: reading ingestion,
// deviation recording, incident lifecycle and reevaluation.
//
// ARCHITECTURE:
//
// Facility lanes:
// Every facility has its own lane, a FIFO queue drained by one goroutine.
// All detection for the facility runs there in arrival order, so the
// detector for a (facility, metric) stream is owned by exactly one
// goroutine and needs no locks. Different facilities run in parallel.
//
// Ingestion flow:
//  1. Caller submits a reading; IngestReading waits for the lane reply.
//  2. The lane resolves the threshold, normalises the unit and runs the
//     detector on a copy of its state.
//  3. The reading, new detector state, new deviations, their incidents,
//     audit entries and outbox rows are committed in one transaction.
//  4. Only after the commit does the lane adopt the new detector state and
//     hand the notifications to the dispatcher.
//
// Incident steps run outside the lanes under a per-incident mutex. The
// store additionally checks the incident version, so a stale writer from
// another process fails with CONCURRENT_MODIFICATION instead of
// overwriting.
//
// Idempotency is structural: readings and deviations have content-addressed
// IDs and inserts are ON CONFLICT DO NOTHING. A replayed reading returns
// the stored one; a recomputed deviation that already exists causes no
// incident and no notification.
package engine
