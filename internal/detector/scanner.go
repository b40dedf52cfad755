// Package detector finds crashed jobs: those whose liveness key is gone while
// the evidence key written at acquire still exists.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/telemetry"
)

// Handler receives each crash event found by a periodic scan.
type Handler func(ctx context.Context, ev models.CrashEvent) error

// Scanner walks evidence keys with SCAN and probes each one atomically.
// Scanning has no side effects; the same crash is reported until it is
// consumed by the quarantine tracker.
type Scanner struct {
	client      redis.UniversalClient
	keys        lease.Keys
	ledger      ledger.Ledger
	interval    time.Duration
	batch       int64
	orphanGrace time.Duration
	timeout     time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewScanner builds a scanner. l may be nil, which disables the orphan sweep.
func NewScanner(client redis.UniversalClient, l ledger.Ledger, cfg config.Config, log *slog.Logger) *Scanner {
	batch := cfg.ScanBatchSize
	if batch <= 0 {
		batch = 100
	}
	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	grace := cfg.OrphanGrace
	if grace <= 0 {
		grace = cfg.EvidenceTTL
	}
	return &Scanner{
		client:      client,
		keys:        lease.NewKeys(cfg.KeyPrefix),
		ledger:      l,
		interval:    interval,
		batch:       int64(batch),
		orphanGrace: grace,
		timeout:     timeout,
		now:         time.Now,
		log:         logging.OrNop(log),
	}
}

// ScanForCrashes returns one event per crashed job. Events come from
// evidence keys first, then from ledger rows stuck in PROCESSING or CRASHED
// whose Redis keys have both lapsed.
func (s *Scanner) ScanForCrashes(ctx context.Context) ([]models.CrashEvent, error) {
	started := time.Now()
	defer func() { telemetry.ScanDuration.Observe(time.Since(started).Seconds()) }()

	events, err := s.scanEvidence(ctx)
	if err != nil {
		return nil, err
	}
	if s.ledger != nil {
		seen := make(map[string]struct{}, len(events))
		for _, ev := range events {
			seen[ev.JobID] = struct{}{}
		}
		orphans, err := s.sweepOrphans(ctx, seen)
		if err != nil {
			return nil, err
		}
		events = append(events, orphans...)
	}
	telemetry.CrashesDetected.Add(float64(len(events)))
	return events, nil
}

func (s *Scanner) scanEvidence(ctx context.Context) ([]models.CrashEvent, error) {
	var (
		events []models.CrashEvent
		cursor uint64
	)
	for {
		keys, next, err := s.scanPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			jobID, ok := s.keys.JobFromEvidence(key)
			if !ok {
				continue
			}
			ev, crashed, err := s.probe(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if crashed {
				events = append(events, models.CrashEvent{JobID: jobID, Evidence: ev, DetectedAt: s.now().UTC()})
			}
		}
		if next == 0 {
			return events, nil
		}
		cursor = next
	}
}

func (s *Scanner) scanPage(ctx context.Context, cursor uint64) ([]string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	keys, next, err := s.client.Scan(ctx, cursor, s.keys.EvidencePattern(), s.batch).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: scan evidence: %w", lease.ErrStoreUnavailable, err)
	}
	return keys, next, nil
}

// probe reads the evidence for jobID only if its liveness key is absent.
func (s *Scanner) probe(ctx context.Context, jobID string) (models.Evidence, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := probeScript.Run(ctx, s.client,
		[]string{s.keys.Liveness(jobID), s.keys.Evidence(jobID)},
	).Slice()
	if errors.Is(err, redis.Nil) {
		return models.Evidence{}, false, nil
	}
	if err != nil {
		return models.Evidence{}, false, fmt.Errorf("%w: probe %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	ev, err := lease.EvidenceFromArray(raw)
	if err != nil {
		s.log.Warn("skipping malformed evidence", "job_id", jobID, "err", err)
		return models.Evidence{}, false, nil
	}
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	return ev, true, nil
}

func (s *Scanner) sweepOrphans(ctx context.Context, seen map[string]struct{}) ([]models.CrashEvent, error) {
	cutoff := s.now().Add(-s.orphanGrace)
	var (
		events []models.CrashEvent
		after  string
	)
	for {
		jobs, err := s.ledger.ListJobs(ctx, ledger.JobQuery{
			States:        []models.JobState{models.StateProcessing, models.StateCrashed},
			UpdatedBefore: cutoff,
			AfterID:       after,
			Limit:         int(s.batch),
		})
		if err != nil {
			return nil, fmt.Errorf("orphan sweep: %w", err)
		}
		for _, job := range jobs {
			if _, dup := seen[job.ID]; dup {
				continue
			}
			lapsed, err := s.keysLapsed(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			if !lapsed {
				continue
			}
			events = append(events, models.CrashEvent{
				JobID: job.ID,
				Evidence: models.Evidence{
					JobID:    job.ID,
					WorkerID: job.WorkerID,
					Epoch:    job.LeaseEpoch,
				},
				Orphaned:    true,
				LedgerState: job.State,
				DetectedAt:  s.now().UTC(),
			})
		}
		if len(jobs) < int(s.batch) {
			return events, nil
		}
		after = jobs[len(jobs)-1].ID
	}
}

// keysLapsed reports whether both the liveness and the evidence key are gone.
func (s *Scanner) keysLapsed(ctx context.Context, jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Exists(ctx, s.keys.Liveness(jobID), s.keys.Evidence(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: orphan check %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	return n == 0, nil
}

// Run scans every interval until ctx ends, handing each event to handle.
// Handler errors are logged and the event is retried on the next scan.
func (s *Scanner) Run(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx, handle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scanner) runOnce(ctx context.Context, handle Handler) {
	events, err := s.ScanForCrashes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("crash scan failed", "err", err)
		}
		return
	}
	for _, ev := range events {
		if err := handle(ctx, ev); err != nil {
			s.log.Warn("crash handling failed; will retry next scan",
				"job_id", ev.JobID, "epoch", ev.Evidence.Epoch, "orphaned", ev.Orphaned, "err", err)
		}
	}
}

// KEYS: liveness, evidence
var probeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return false
end
if redis.call('EXISTS', KEYS[2]) == 0 then
  return false
end
return redis.call('HGETALL', KEYS[2])
`)
