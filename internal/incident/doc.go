// Package incident implements the incident lifecycle state machine.
//
//	open ──► investigating ──► corrective_action_planned ──► resolved
//	  │            │
//	  └────────────┴──► closed_without_action
//
// Every function here is pure: it takes the current incident and returns the
// next incident together with exactly one audit entry describing the step.
// Callers persist both atomically (see store.WriteTransition). A rejected
// step returns an InvalidTransitionError and the input incident is never
// modified.
//
// Audit entries are returned without ID or Seq; the engine assigns the ID and
// the store assigns the per-incident sequence number at commit time.
package incident
