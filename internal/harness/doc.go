// Package harness runs YAML scenarios against a real engine and checks the
// resulting trace.
//
// # Scenario Format
//
//	name: sustained_excursion
//	description: "Three out-of-band readings open one incident"
//	config: vaccine.cue
//	steps:
//	  - ingest:
//	      facility: depot-north
//	      at: "2026-03-01T08:00:00Z"
//	      every: 15m
//	      values: ["2", "2", "8", "9", "8", "2"]
//	    expect: { deviations: 1 }
//	  - transition:
//	      incident: 1
//	      action: begin_investigation
//	      actor: qa.lead
//	      note: "compressor cycling"
//	    expect: { state: investigating }
//	assertions:
//	  - type: trace_count
//	    event: deviation
//	    count: 1
//	  - type: final_state
//	    table: incidents
//	    where: { incident: 1 }
//	    expect: { state: investigating }
//
// Paths are relative to the scenario file. Incidents are referred to by the
// order in which the scenario opened them, starting at 1.
//
// # Assertion Types
//
//   - trace_contains: an event of the given type whose fields include Fields
//   - trace_order: the first occurrences of Events appear in that order
//   - trace_count: exactly Count events of the given type match Fields
//   - final_state: exactly one row of incidents or deviations matches Where,
//     and it includes Expect
//
// # Deterministic Runs
//
// Each run uses a fresh in-memory store, a manual clock set to each
// reading's timestamp, sequential IDs and a recording notification sink
// drained after every step. Traces omit content-addressed IDs, so the same
// scenario always produces byte-identical golden output.
package harness
