package models

import (
	"time"
)

// JobState enumerates the ledger states of a job.
type JobState string

const (
	StateIdle        JobState = "IDLE"
	StateProcessing  JobState = "PROCESSING"
	StateCrashed     JobState = "CRASHED"
	StateQuarantined JobState = "QUARANTINED"
)

// Valid reports whether s is one of the known ledger states.
func (s JobState) Valid() bool {
	switch s {
	case StateIdle, StateProcessing, StateCrashed, StateQuarantined:
		return true
	}
	return false
}

// JobRecord is the durable ledger row for a job.
type JobRecord struct {
	ID               string     `json:"id"`
	State            JobState   `json:"state"`
	LeaseEpoch       uint64     `json:"lease_epoch"`
	WorkerID         string     `json:"worker_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastProgressAt   *time.Time `json:"last_progress_at,omitempty"`
	CrashCount       int        `json:"crash_count"`
	Quarantined      bool       `json:"quarantined"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
}

// Lease is a time-bound exclusive claim on a job.
type Lease struct {
	JobID    string    `json:"job_id"`
	WorkerID string    `json:"worker_id"`
	Epoch    uint64    `json:"epoch"`
	Expiry   time.Time `json:"expiry"`
}

// Evidence is the forensic record kept in the evidence key while a lease is held.
type Evidence struct {
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id"`
	Epoch     uint64    `json:"epoch"`
	StartedAt time.Time `json:"started_at"`
	Host      string    `json:"host"`
}

// CrashEvent is emitted by the crash detector for each job whose liveness
// key is gone while its evidence survives. Orphaned events come from the
// ledger sweep and carry only the ledger's view of the job.
type CrashEvent struct {
	JobID       string    `json:"job_id"`
	Evidence    Evidence  `json:"evidence"`
	Orphaned    bool      `json:"orphaned,omitempty"`
	LedgerState JobState  `json:"ledger_state,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// CrashOutcome is the tracker's verdict after consuming a crash.
type CrashOutcome struct {
	CrashCount  int  `json:"crash_count"`
	Quarantined bool `json:"quarantined"`
	// Applied is false when the evidence had already been consumed.
	Applied bool `json:"applied"`
}
