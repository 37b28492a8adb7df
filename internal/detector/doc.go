// Package detector turns an ordered reading stream for one (facility, metric)
// pair into DeviationEvents.
//
// A Detector is a pure state machine: it performs no I/O, holds no locks and
// is owned by exactly one goroutine (the facility lane). Its State is a plain
// value that the engine persists alongside every accepted reading, so a
// restarted process or a reevaluation checkpoint resumes exactly where it
// left off.
//
// Window semantics:
//
//   - The first out-of-band reading opens a candidate window.
//   - Further out-of-band readings extend it, on either side of the band.
//   - An in-band reading, a monitoring gap, or Flush closes it.
//   - A closed window is reported only if it satisfies the grace period.
//
// Boundary values (exactly lower or upper) are in-band.
package detector
