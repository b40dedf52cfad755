// Package ledger is the durable state machine for jobs.
//
// Every write that moves a job's state or progress is one conditional update
// matching both the expected lease epoch and the expected state. Zero affected
// rows means the caller is stale and gets ErrStaleEpoch; it must abort without
// retrying. Outbox events ride in the same transaction as the transition they
// announce.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"job-lease-guard/internal/models"
	"job-lease-guard/internal/telemetry"
)

var (
	ErrStaleEpoch        = errors.New("stale epoch or state")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Ledger is implemented by the Postgres and GORM backends.
type Ledger interface {
	CreateJob(ctx context.Context, jobID string) (models.JobRecord, error)
	GetJob(ctx context.Context, jobID string) (models.JobRecord, error)
	ListJobs(ctx context.Context, q JobQuery) ([]models.JobRecord, error)
	// Transition applies t if and only if the row still has t.From and t.ExpectedEpoch.
	Transition(ctx context.Context, t Transition) (models.JobRecord, error)
	// RecordProgress stamps last_progress_at for a PROCESSING job held at epoch.
	RecordProgress(ctx context.Context, jobID string, epoch uint64, at time.Time) error
	ListOutbox(ctx context.Context, jobID string) ([]models.OutboxEvent, error)
	Close() error
}

// JobQuery selects jobs by state with keyset pagination on id.
type JobQuery struct {
	States        []models.JobState
	UpdatedBefore time.Time
	AfterID       string
	Limit         int
}

// Transition describes one fenced state change. Nil pointer fields are left untouched.
type Transition struct {
	JobID         string
	From          models.JobState
	To            models.JobState
	ExpectedEpoch uint64
	// NewEpoch replaces lease_epoch when non-zero. It may never go backwards.
	NewEpoch         uint64
	WorkerID         *string
	CrashCount       *int
	Quarantined      *bool
	QuarantineReason *string
	Events           []models.OutboxEvent
	At               time.Time
}

var allowed = map[models.JobState][]models.JobState{
	models.StateIdle:        {models.StateProcessing},
	models.StateProcessing:  {models.StateIdle, models.StateCrashed},
	models.StateCrashed:     {models.StateIdle, models.StateQuarantined},
	models.StateQuarantined: {models.StateIdle},
}

// Validate checks t against the state table and the epoch monotonicity rule.
func (t Transition) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidTransition)
	}
	ok := false
	for _, to := range allowed[t.From] {
		if to == t.To {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if t.NewEpoch != 0 && t.NewEpoch < t.ExpectedEpoch {
		return fmt.Errorf("%w: epoch %d would move back from %d", ErrInvalidTransition, t.NewEpoch, t.ExpectedEpoch)
	}
	if t.From == models.StateIdle && t.To == models.StateProcessing && t.NewEpoch <= t.ExpectedEpoch {
		return fmt.Errorf("%w: starting work needs an epoch above %d", ErrInvalidTransition, t.ExpectedEpoch)
	}
	for _, ev := range t.Events {
		if ev.AggregateID != t.JobID {
			return fmt.Errorf("%w: event %s belongs to %s", ErrInvalidTransition, ev.EventID, ev.AggregateID)
		}
	}
	return nil
}

// columns returns the column assignments for t, excluding updated_at.
func (t Transition) columns() map[string]any {
	cols := map[string]any{"state": string(t.To)}
	if t.NewEpoch != 0 {
		cols["lease_epoch"] = int64(t.NewEpoch)
	}
	if t.WorkerID != nil {
		cols["worker_id"] = *t.WorkerID
	}
	if t.CrashCount != nil {
		cols["crash_count"] = *t.CrashCount
	}
	if t.Quarantined != nil {
		cols["quarantined"] = *t.Quarantined
	}
	if t.QuarantineReason != nil {
		cols["quarantine_reason"] = *t.QuarantineReason
	}
	return cols
}

func (t Transition) at() time.Time {
	if t.At.IsZero() {
		return time.Now().UTC()
	}
	return t.At.UTC()
}

func stale(op, jobID string, epoch uint64, state models.JobState) error {
	telemetry.FencedWritesRejected.Inc()
	return fmt.Errorf("%s %s at epoch %d in %s: %w", op, jobID, epoch, state, ErrStaleEpoch)
}

func queryLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}
