// Package coordinator is the protocol callers and operators use. It keeps the
// lease store and the ledger in step: leases are checked in Redis, progress
// only sticks in the ledger when the caller's epoch still matches, and crash
// recovery moves both through the state machine in a resumable order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"job-lease-guard/internal/archive"
	"job-lease-guard/internal/config"
	"job-lease-guard/internal/detector"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/quarantine"
	"job-lease-guard/internal/queue"
	"job-lease-guard/internal/telemetry"
)

var (
	ErrOperatorRequired = errors.New("operator id is required")
	ErrNotQuarantined   = errors.New("job is not quarantined")
	// ErrStaleCrash means a crash event no longer matches the ledger and was dropped.
	ErrStaleCrash = errors.New("crash event does not match ledger")
)

// Deps are the collaborators of a Service. Queue and Archive are optional.
type Deps struct {
	Leases  *lease.Manager
	Tracker *quarantine.Tracker
	Ledger  ledger.Ledger
	Scanner *detector.Scanner
	Queue   *queue.RedisQueue
	Archive archive.Sink
}

// Service implements the lease protocol on top of its Deps.
type Service struct {
	leases  *lease.Manager
	tracker *quarantine.Tracker
	ledger  ledger.Ledger
	scanner *detector.Scanner
	queue   *queue.RedisQueue
	archive archive.Sink
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func New(deps Deps, cfg config.Config, log *slog.Logger) *Service {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		leases:  deps.Leases,
		tracker: deps.Tracker,
		ledger:  deps.Ledger,
		scanner: deps.Scanner,
		queue:   deps.Queue,
		archive: deps.Archive,
		ttl:     ttl,
		now:     time.Now,
		log:     logging.OrNop(log),
	}
}

// LeaseTTL is the default lease duration used when callers pass zero.
func (s *Service) LeaseTTL() time.Duration { return s.ttl }

// CreateJob registers an IDLE job and queues it.
func (s *Service) CreateJob(ctx context.Context, jobID string) (models.JobRecord, error) {
	if jobID == "" {
		return models.JobRecord{}, errors.New("job id is required")
	}
	job, err := s.ledger.CreateJob(ctx, jobID)
	if err != nil {
		return models.JobRecord{}, err
	}
	s.enqueue(ctx, jobID)
	return job, nil
}

// AcquireLease claims jobID for workerID and records the new epoch in the
// ledger with a job.started event. If the ledger refuses, the fresh lease is
// released again so no evidence is left behind.
func (s *Service) AcquireLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (models.Lease, error) {
	if ttl == 0 {
		ttl = s.ttl
	}
	job, err := s.ledger.GetJob(ctx, jobID)
	if err != nil {
		return models.Lease{}, err
	}
	switch job.State {
	case models.StateIdle:
	case models.StateQuarantined:
		return models.Lease{}, fmt.Errorf("acquire %s: %w", jobID, lease.ErrQuarantined)
	default:
		return models.Lease{}, fmt.Errorf("acquire %s: ledger state %s: %w", jobID, job.State, lease.ErrLeaseConflict)
	}

	l, err := s.leases.Acquire(ctx, jobID, workerID, ttl)
	if err != nil {
		return models.Lease{}, err
	}

	now := s.now().UTC()
	_, err = s.ledger.Transition(ctx, ledger.Transition{
		JobID:         jobID,
		From:          models.StateIdle,
		To:            models.StateProcessing,
		ExpectedEpoch: job.LeaseEpoch,
		NewEpoch:      l.Epoch,
		WorkerID:      &workerID,
		Events: []models.OutboxEvent{
			s.event(jobID, models.JobStartedPayload{WorkerID: workerID, Epoch: l.Epoch}, l.Epoch, now),
		},
		At: now,
	})
	if err != nil {
		if _, relErr := s.leases.Release(context.WithoutCancel(ctx), jobID, workerID, l.Epoch); relErr != nil {
			s.log.Warn("release after failed ledger start", "job_id", jobID, "epoch", l.Epoch, "err", relErr)
		}
		if errors.Is(err, ledger.ErrStaleEpoch) {
			return models.Lease{}, fmt.Errorf("acquire %s: %w: %w", jobID, lease.ErrLeaseConflict, err)
		}
		return models.Lease{}, err
	}
	s.log.Info("job started", "job_id", jobID, "worker_id", workerID, "epoch", l.Epoch)
	return l, nil
}

// RenewLease extends a held lease. False means the lease is lost for good.
func (s *Service) RenewLease(ctx context.Context, jobID, workerID string, epoch uint64, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = s.ttl
	}
	return s.leases.Renew(ctx, jobID, workerID, epoch, ttl)
}

// ReleaseLease gives the job back without completing it: the ledger returns
// to IDLE at the same epoch and the job is queued again.
func (s *Service) ReleaseLease(ctx context.Context, jobID, workerID string, epoch uint64) (bool, error) {
	err := s.finish(ctx, jobID, workerID, epoch, nil)
	switch {
	case errors.Is(err, lease.ErrLeaseLost), errors.Is(err, ledger.ErrStaleEpoch):
		return false, nil
	case err != nil:
		return false, err
	}
	s.enqueue(ctx, jobID)
	return true, nil
}

// CompleteJob records a successful run with a job.completed event and
// releases the lease. It fails with lease.ErrLeaseLost or
// ledger.ErrStaleEpoch when the caller no longer holds epoch.
func (s *Service) CompleteJob(ctx context.Context, jobID, workerID string, epoch uint64) error {
	now := s.now().UTC()
	return s.finish(ctx, jobID, workerID, epoch,
		[]models.OutboxEvent{s.event(jobID, models.JobCompletedPayload{WorkerID: workerID, Epoch: epoch}, epoch, now)})
}

// finish checks the lease, applies PROCESSING->IDLE, then deletes the lease
// keys. A failed delete leaves evidence that the crash flow later discards
// because the ledger already moved on.
func (s *Service) finish(ctx context.Context, jobID, workerID string, epoch uint64, events []models.OutboxEvent) error {
	if err := s.checkHolder(ctx, jobID, workerID, epoch); err != nil {
		return err
	}
	if _, err := s.ledger.Transition(ctx, ledger.Transition{
		JobID:         jobID,
		From:          models.StateProcessing,
		To:            models.StateIdle,
		ExpectedEpoch: epoch,
		Events:        events,
		At:            s.now().UTC(),
	}); err != nil {
		return err
	}
	ok, err := s.leases.Release(ctx, jobID, workerID, epoch)
	if err != nil {
		s.log.Warn("lease release failed after ledger commit", "job_id", jobID, "epoch", epoch, "err", err)
		return nil
	}
	if !ok {
		s.log.Warn("lease expired before release", "job_id", jobID, "epoch", epoch)
	}
	return nil
}

// RecordProgress stamps progress for a held lease.
func (s *Service) RecordProgress(ctx context.Context, jobID, workerID string, epoch uint64) error {
	if err := s.checkHolder(ctx, jobID, workerID, epoch); err != nil {
		return err
	}
	return s.ledger.RecordProgress(ctx, jobID, epoch, s.now())
}

// checkHolder fails with lease.ErrLeaseLost unless workerID holds jobID at epoch.
func (s *Service) checkHolder(ctx context.Context, jobID, workerID string, epoch uint64) error {
	cur, ok, err := s.leases.Current(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok || cur.WorkerID != workerID || cur.Epoch != epoch {
		return fmt.Errorf("%s at epoch %d for %s: %w", jobID, epoch, workerID, lease.ErrLeaseLost)
	}
	return nil
}

// ScanForCrashes reports crashed jobs without changing anything.
func (s *Service) ScanForCrashes(ctx context.Context) ([]models.CrashEvent, error) {
	return s.scanner.ScanForCrashes(ctx)
}

// RunDetector scans and recovers until ctx ends.
func (s *Service) RunDetector(ctx context.Context) error {
	return s.scanner.Run(ctx, func(ctx context.Context, ev models.CrashEvent) error {
		_, err := s.HandleCrash(ctx, ev)
		if errors.Is(err, ErrStaleCrash) {
			return nil
		}
		return err
	})
}

// ResetQuarantine clears a quarantined job so it can run again.
func (s *Service) ResetQuarantine(ctx context.Context, jobID, operatorID string) (bool, error) {
	if operatorID == "" {
		return false, ErrOperatorRequired
	}
	job, err := s.ledger.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	st, err := s.tracker.Status(ctx, jobID)
	if err != nil {
		return false, err
	}

	ledgerHeld := job.State == models.StateQuarantined ||
		(job.State == models.StateCrashed && st.Quarantined)
	if !ledgerHeld && !st.Quarantined {
		return false, fmt.Errorf("reset %s: %w", jobID, ErrNotQuarantined)
	}

	if ledgerHeld {
		zero, unset, reason := 0, false, ""
		now := s.now().UTC()
		_, err := s.ledger.Transition(ctx, ledger.Transition{
			JobID:            jobID,
			From:             job.State,
			To:               models.StateIdle,
			ExpectedEpoch:    job.LeaseEpoch,
			CrashCount:       &zero,
			Quarantined:      &unset,
			QuarantineReason: &reason,
			Events: []models.OutboxEvent{
				models.NewOutboxEvent(uuid.NewString(), jobID, models.JobQuarantineResetPayload{
					OperatorID:         operatorID,
					PreviousCrashCount: max(job.CrashCount, st.CrashCount),
				}, uuid.NewString(), now),
			},
			At: now,
		})
		if err != nil {
			return false, err
		}
	}
	if _, err := s.tracker.Reset(ctx, jobID); err != nil {
		return false, err
	}
	if s.queue != nil {
		if err := s.queue.Unquarantine(ctx, jobID); err != nil {
			s.log.Warn("unquarantine queue entry", "job_id", jobID, "err", err)
		}
	}
	s.enqueue(ctx, jobID)
	telemetry.QuarantineResets.Inc()
	s.log.Info("quarantine reset", "job_id", jobID, "operator_id", operatorID, "previous_crash_count", st.CrashCount)
	return true, nil
}

// JobStatus is the combined view of one job.
type JobStatus struct {
	Job     models.JobRecord  `json:"job"`
	Lease   *models.Lease     `json:"lease,omitempty"`
	Crashes quarantine.Status `json:"crashes"`
}

func (s *Service) Status(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := s.ledger.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	out := JobStatus{Job: job}
	cur, ok, err := s.leases.Current(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if ok {
		out.Lease = &cur
	}
	if out.Crashes, err = s.tracker.Status(ctx, jobID); err != nil {
		return JobStatus{}, err
	}
	return out, nil
}

// Outbox lists the events recorded for jobID.
func (s *Service) Outbox(ctx context.Context, jobID string) ([]models.OutboxEvent, error) {
	return s.ledger.ListOutbox(ctx, jobID)
}

// Quarantined lists the job IDs on the quarantine list.
func (s *Service) Quarantined(ctx context.Context, limit int64) ([]string, error) {
	if s.queue == nil {
		jobs, err := s.ledger.ListJobs(ctx, ledger.JobQuery{States: []models.JobState{models.StateQuarantined}, Limit: int(limit)})
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		return ids, nil
	}
	return s.queue.Quarantined(ctx, limit)
}

func (s *Service) event(jobID string, payload models.OutboxPayload, epoch uint64, now time.Time) models.OutboxEvent {
	return models.NewOutboxEvent(uuid.NewString(), jobID, payload, fmt.Sprint(epoch), now)
}

func (s *Service) enqueue(ctx context.Context, jobID string) {
	if s.queue == nil {
		return
	}
	if _, err := s.queue.Push(ctx, jobID); err != nil {
		s.log.Warn("enqueue failed", "job_id", jobID, "err", err)
	}
}
