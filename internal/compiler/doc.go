// Package compiler turns CUE threshold configuration into versioned
// thresholds.ConfigTable values.
//
// A configuration file declares facilities, named severity tables and
// threshold rules:
//
//	severity_tables: standard: [
//		{level: "minor"},
//		{level: "major", min_excursion: 2, min_duration: "1h"},
//	]
//	rules: "global-temperature": {
//		metric: "temperature", unit: "C", lower: 2, upper: 8
//		grace_period: "30m", max_gap: "2h"
//		effective_from: "2025-01-01T00:00:00Z"
//		severity: "standard"
//	}
//
// Every file is unified with the embedded schema before decoding, then
// checked by Validate. Errors carry CUE source positions where available.
package compiler
