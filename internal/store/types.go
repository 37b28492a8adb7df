package store

import (
	"time"

	"github.com/roach88/coldtrace/internal/record"
)

// IncidentChange is one incident lifecycle step to persist.
type IncidentChange struct {
	// Incident is the state after the step.
	Incident record.Incident

	// PrevVersion is the version the step was computed from. Zero creates
	// the incident; otherwise the update only applies if the stored
	// version still matches.
	PrevVersion int

	// Audit is the entry describing the step. ID must be set; Seq is
	// assigned at commit.
	Audit record.AuditEntry
}

// DeviationWrite is a deviation together with everything it causes.
// Incident and Notifications are only written when the deviation is new.
type DeviationWrite struct {
	Event         record.DeviationEvent
	Incident      *IncidentChange
	Notifications []record.Notification
}

// ReadingCommit is the unit of work for one accepted reading.
type ReadingCommit struct {
	Reading       record.Reading
	DetectorState []byte // serialised detector.State after the reading
	Deviations    []DeviationWrite
}

// CommitResult reports what a commit changed.
type CommitResult struct {
	// Inserted is false when the reading was already stored; nothing else
	// is written in that case.
	Inserted bool

	// Seq is the store sequence of the reading.
	Seq int64

	// NewDeviations lists IDs of deviations inserted by this commit, in
	// input order. Deviations that already existed are omitted.
	NewDeviations []string
}

// Outbox statuses.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxDropped   = "dropped"
)

// OutboxEntry is a stored notification and its delivery status.
type OutboxEntry struct {
	Seq          int64
	Notification record.Notification
	Status       string
	Attempts     int
	LastError    string
	UpdatedAt    time.Time
}

// Checkpoint is the persisted progress of a reevaluation job.
type Checkpoint struct {
	JobID         string
	FacilityID    string
	Metric        record.Metric
	From          time.Time
	To            time.Time
	ConfigVersion string
	LastTimestamp *time.Time // last processed reading, nil before the first batch
	State         []byte     // serialised detector.State
	Processed     int
	Emitted       int
	Completed     bool
	UpdatedAt     time.Time
}

// ReadingQuery selects readings of one stream.
type ReadingQuery struct {
	FacilityID string
	Metric     record.Metric
	From       time.Time  // inclusive; zero means unbounded
	To         time.Time  // inclusive; zero means unbounded
	After      *time.Time // exclusive lower bound for paging
	Limit      int        // 0 means no limit
}

// DeviationQuery selects deviations overlapping a time range.
type DeviationQuery struct {
	FacilityID    string
	Metric        record.Metric          // empty matches any
	From          time.Time              // zero means unbounded
	To            time.Time              // zero means unbounded
	Source        record.DeviationSource // empty matches any
	ConfigVersion string                 // empty matches any
}

// IncidentQuery selects incidents.
type IncidentQuery struct {
	FacilityID string // empty matches any
	Metric     record.Metric
	OpenOnly   bool // exclude terminal states
}
