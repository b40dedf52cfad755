package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/heartbeat"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/models"
)

// Coordinator is the part of the lease protocol a worker drives.
type Coordinator interface {
	AcquireLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (models.Lease, error)
	CompleteJob(ctx context.Context, jobID, workerID string, epoch uint64) error
	ReleaseLease(ctx context.Context, jobID, workerID string, epoch uint64) (bool, error)
	RecordProgress(ctx context.Context, jobID, workerID string, epoch uint64) error
}

// Queue hands out job IDs to try.
type Queue interface {
	Pop(ctx context.Context) (string, error)
	Push(ctx context.Context, jobID string) (bool, error)
}

// Task is one held lease as seen by a handler.
type Task struct {
	Lease models.Lease
	beat  *heartbeat.Beat
	p     *Processor
}

// Check returns nil while the lease is held. Handlers call it before every
// externally visible write.
func (t *Task) Check() error { return t.beat.Check() }

// Progress checks the lease and stamps progress in the ledger.
func (t *Task) Progress(ctx context.Context) error {
	if err := t.Check(); err != nil {
		return err
	}
	return t.p.coord.RecordProgress(ctx, t.Lease.JobID, t.Lease.WorkerID, t.Lease.Epoch)
}

// Handler runs the work for one job. ctx is cancelled when the lease is lost.
type Handler func(ctx context.Context, t *Task) error

// Processor drives the worker execution loop.
type Processor struct {
	coord        Coordinator
	queue        Queue
	beats        *heartbeat.Driver
	handler      Handler
	workerID     string
	pollInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	log          *slog.Logger
}

func NewProcessor(cfg config.Config, coord Coordinator, q Queue, beats *heartbeat.Driver, h Handler, log *slog.Logger) *Processor {
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Processor{
		coord:        coord,
		queue:        q,
		beats:        beats,
		handler:      h,
		workerID:     cfg.WorkerID,
		pollInterval: poll,
		backoffBase:  poll,
		backoffMax:   30 * poll,
		log:          logging.OrNop(log).With("worker_id", cfg.WorkerID),
	}
}

// Run pulls job IDs until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	defer p.beats.StopAll()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobID, err := p.queue.Pop(ctx)
		if err != nil {
			failures++
			p.log.Warn("dequeue failed", "err", err, "failures", failures)
			sleep(ctx, backoffWithJitter(p.backoffBase, p.backoffMax, failures))
			continue
		}
		if jobID == "" {
			sleep(ctx, p.pollInterval)
			continue
		}

		err = p.ProcessOne(ctx, jobID)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, lease.ErrLeaseConflict),
			errors.Is(err, lease.ErrCrashPending),
			errors.Is(err, lease.ErrQuarantined),
			errors.Is(err, ledger.ErrJobNotFound):
			// Someone else owns the next step for this job.
			p.log.Debug("skipping job", "job_id", jobID, "err", err)
		case errors.Is(err, lease.ErrStoreUnavailable):
			failures++
			if _, pushErr := p.queue.Push(context.WithoutCancel(ctx), jobID); pushErr != nil {
				p.log.Warn("requeue after store error", "job_id", jobID, "err", pushErr)
			}
			sleep(ctx, backoffWithJitter(p.backoffBase, p.backoffMax, failures))
		default:
			failures++
			p.log.Warn("job attempt failed", "job_id", jobID, "err", err)
			sleep(ctx, backoffWithJitter(p.backoffBase, p.backoffMax, failures))
		}
	}
}

// ProcessOne acquires jobID, runs the handler under a heartbeat, and commits
// the result only if the lease survived the whole run.
func (p *Processor) ProcessOne(ctx context.Context, jobID string) error {
	l, err := p.coord.AcquireLease(ctx, jobID, p.workerID, 0)
	if err != nil {
		return err
	}
	log := p.log.With("job_id", jobID, "epoch", l.Epoch)

	beat, err := p.beats.Start(ctx, l)
	if err != nil {
		p.release(ctx, l, log)
		return err
	}

	runErr := p.handler(beat.Context(), &Task{Lease: l, beat: beat, p: p})
	if lostErr := beat.Check(); lostErr != nil && beat.Lost() {
		<-beat.Done()
		log.Warn("lease lost during run; abandoning result", "err", lostErr)
		return fmt.Errorf("job %s epoch %d: %w", jobID, l.Epoch, lostErr)
	}
	beat.Stop()

	if runErr != nil {
		p.release(ctx, l, log)
		return fmt.Errorf("job %s: %w", jobID, runErr)
	}
	// The work is done and the lease verified; shutdown must not strand the commit.
	if err := p.coord.CompleteJob(context.WithoutCancel(ctx), jobID, p.workerID, l.Epoch); err != nil {
		return err
	}
	log.Info("job completed")
	return nil
}

func (p *Processor) release(ctx context.Context, l models.Lease, log *slog.Logger) {
	ok, err := p.coord.ReleaseLease(context.WithoutCancel(ctx), l.JobID, l.WorkerID, l.Epoch)
	if err != nil {
		log.Warn("release failed", "err", err)
		return
	}
	if !ok {
		log.Warn("lease already gone at release")
	}
}

// SleepHandler simulates work of length d in steps, checking the lease and
// recording progress between steps.
func SleepHandler(d time.Duration, steps int) Handler {
	if steps <= 0 {
		steps = 1
	}
	return func(ctx context.Context, t *Task) error {
		for i := 0; i < steps; i++ {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-time.After(d / time.Duration(steps)):
			}
			if err := t.Progress(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
