// Package thresholds resolves the effective tolerance band, grace period and
// severity bands for a facility stream at a point in time.
//
// Configuration is an explicit, versioned ConfigTable value. Resolution is a
// pure function of (table, facility, metric, time): there is no ambient
// global threshold state. Layering is:
//
//	facility rule  >  facility-type rule  >  global rule
//
// and within one layer the most recently effective rule wins. When nothing
// matches, Resolve fails with NoApplicableThresholdError; callers must never
// fall back to an undefined threshold.
package thresholds
