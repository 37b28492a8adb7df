// Package record provides the canonical record types for coldtrace.
//
// This package contains type definitions, canonical JSON and content-addressed
// identity only. All other internal packages import record; record imports
// nothing internal. This keeps it the foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - Sensor values and tolerance bounds are exact decimals, never floats
//   - Readings and deviation events are immutable once created
//   - Reading and deviation IDs are content-addressed so re-ingestion and
//     re-evaluation are idempotent
//   - All JSON tags use snake_case
package record
