package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainReading   = "coldtrace/reading/v1"
	DomainDeviation = "coldtrace/deviation/v1"
	DomainConfig    = "coldtrace/config/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ReadingID computes the content-addressed ID for a reading.
// Two readings with the same stream, timestamp, value and unit share an ID,
// which is what makes re-ingestion a no-op.
func ReadingID(facilityID string, metric Metric, ts time.Time, value decimal.Decimal, unit Unit) (string, error) {
	obj := map[string]any{
		"facility_id": facilityID,
		"metric":      metric,
		"timestamp":   ts,
		"value":       value,
		"unit":        unit,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ReadingID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainReading, canonical), nil
}

// DeviationID computes the content-addressed ID for a deviation event.
//
// The ID covers the window and the config version it was evaluated under, so
// re-evaluating the same readings with the same thresholds yields the same
// ID (idempotent) while a threshold change yields a distinct event.
func DeviationID(facilityID string, metric Metric, kind DeviationKind, start, end time.Time, configVersion string) (string, error) {
	obj := map[string]any{
		"facility_id":    facilityID,
		"metric":         metric,
		"kind":           kind,
		"start":          start,
		"end":            end,
		"config_version": configVersion,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DeviationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDeviation, canonical), nil
}

// ConfigHash computes the version hash for a canonical config payload.
func ConfigHash(payload map[string]any) (string, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("ConfigHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainConfig, canonical)[:16], nil
}

// MustReadingID is like ReadingID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustReadingID(facilityID string, metric Metric, ts time.Time, value decimal.Decimal, unit Unit) string {
	id, err := ReadingID(facilityID, metric, ts, value, unit)
	if err != nil {
		panic(err)
	}
	return id
}
