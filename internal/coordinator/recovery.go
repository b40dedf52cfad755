package coordinator

import (
	"context"
	"errors"
	"fmt"

	"job-lease-guard/internal/archive"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/telemetry"
)

// HandleCrash recovers one crashed job. The steps are ordered so that a
// detector dying halfway, or two detectors racing, can replay the same event:
//
//  1. ledger PROCESSING -> CRASHED at the evidence epoch (job.crashed)
//  2. the tracker consumes the evidence and counts the crash
//  3. ledger CRASHED -> IDLE (job.requeued) or CRASHED -> QUARANTINED (job.quarantined)
//  4. the evidence is archived
//
// Evidence left by a holder the ledger never recorded, or by one whose run
// the ledger already closed, is discarded without counting.
func (s *Service) HandleCrash(ctx context.Context, ev models.CrashEvent) (models.CrashOutcome, error) {
	jobID, epoch := ev.JobID, ev.Evidence.Epoch
	log := s.log.With("job_id", jobID, "epoch", epoch, "worker_id", ev.Evidence.WorkerID, "orphaned", ev.Orphaned)

	job, err := s.ledger.GetJob(ctx, jobID)
	if err != nil {
		return models.CrashOutcome{}, err
	}

	switch {
	case job.State == models.StateProcessing && job.LeaseEpoch == epoch:
		if err := s.markCrashed(ctx, ev); err != nil {
			return models.CrashOutcome{}, err
		}
	case job.State == models.StateCrashed && job.LeaseEpoch == epoch:
		log.Info("resuming interrupted crash recovery")
	default:
		if !ev.Orphaned {
			discarded, err := s.tracker.DiscardEvidence(ctx, jobID, epoch)
			if err != nil {
				return models.CrashOutcome{}, err
			}
			if discarded {
				log.Info("discarded evidence the ledger does not account for", "ledger_state", job.State, "ledger_epoch", job.LeaseEpoch)
				return models.CrashOutcome{}, nil
			}
		}
		return models.CrashOutcome{}, fmt.Errorf("%s at epoch %d (ledger %s at %d): %w",
			jobID, epoch, job.State, job.LeaseEpoch, ErrStaleCrash)
	}

	var out models.CrashOutcome
	if ev.Orphaned {
		out, err = s.tracker.HandleOrphan(ctx, jobID, ev.Evidence, 0)
	} else {
		out, err = s.tracker.HandleCrash(ctx, jobID, ev.Evidence, 0)
	}
	if err != nil {
		return models.CrashOutcome{}, err
	}

	if err := s.settle(ctx, jobID, epoch, out); err != nil {
		return out, err
	}

	if out.Applied && s.archive != nil {
		if loc, err := s.archive.Put(ctx, archive.NewRecord(ev, out, s.now())); err != nil {
			log.Warn("archive crash evidence", "err", err)
		} else {
			log.Debug("crash evidence archived", "location", loc)
		}
	}
	return out, nil
}

func (s *Service) markCrashed(ctx context.Context, ev models.CrashEvent) error {
	now := s.now().UTC()
	_, err := s.ledger.Transition(ctx, ledger.Transition{
		JobID:         ev.JobID,
		From:          models.StateProcessing,
		To:            models.StateCrashed,
		ExpectedEpoch: ev.Evidence.Epoch,
		Events: []models.OutboxEvent{
			s.event(ev.JobID, models.JobCrashedPayload{
				WorkerID:  ev.Evidence.WorkerID,
				Epoch:     ev.Evidence.Epoch,
				Host:      ev.Evidence.Host,
				StartedAt: ev.Evidence.StartedAt,
				Orphaned:  ev.Orphaned,
			}, ev.Evidence.Epoch, now),
		},
		At: now,
	})
	if err == nil || !errors.Is(err, ledger.ErrStaleEpoch) {
		return err
	}
	// Another detector may have won the same transition.
	job, getErr := s.ledger.GetJob(ctx, ev.JobID)
	if getErr != nil {
		return getErr
	}
	if job.State == models.StateCrashed && job.LeaseEpoch == ev.Evidence.Epoch {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStaleCrash, err)
}

// settle moves a CRASHED job to its next state once the crash is counted.
// A stale result means another detector already settled it.
func (s *Service) settle(ctx context.Context, jobID string, epoch uint64, out models.CrashOutcome) error {
	now := s.now().UTC()
	count := out.CrashCount
	t := ledger.Transition{
		JobID:         jobID,
		From:          models.StateCrashed,
		ExpectedEpoch: epoch,
		CrashCount:    &count,
		At:            now,
	}
	if out.Quarantined {
		reason := fmt.Sprintf("crashed %d times", out.CrashCount)
		if st, err := s.tracker.Status(ctx, jobID); err == nil && st.Reason != "" {
			reason = st.Reason
		}
		quarantined := true
		t.To = models.StateQuarantined
		t.Quarantined = &quarantined
		t.QuarantineReason = &reason
		t.Events = []models.OutboxEvent{s.event(jobID, models.JobQuarantinedPayload{
			Epoch: epoch, CrashCount: out.CrashCount, Reason: reason,
		}, epoch, now)}
	} else {
		t.To = models.StateIdle
		t.Events = []models.OutboxEvent{s.event(jobID, models.JobRequeuedPayload{
			Epoch: epoch, CrashCount: out.CrashCount,
		}, epoch, now)}
	}

	if _, err := s.ledger.Transition(ctx, t); err != nil {
		if errors.Is(err, ledger.ErrStaleEpoch) {
			return nil
		}
		return err
	}

	if out.Quarantined {
		telemetry.JobsQuarantined.Inc()
		s.log.Warn("job quarantined", "job_id", jobID, "epoch", epoch, "crash_count", out.CrashCount, "reason", *t.QuarantineReason)
		if s.queue != nil {
			if err := s.queue.Quarantine(ctx, jobID); err != nil {
				s.log.Warn("quarantine queue entry", "job_id", jobID, "err", err)
			}
		}
		return nil
	}
	s.log.Info("job requeued after crash", "job_id", jobID, "epoch", epoch, "crash_count", out.CrashCount)
	s.enqueue(ctx, jobID)
	return nil
}
