// Package quarantine counts crashes per job and turns repeated crashes into a
// terminal quarantine that only an operator can clear.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/telemetry"
)

var (
	// ErrThresholdTooLow rejects thresholds that would quarantine on a single transient failure.
	ErrThresholdTooLow = errors.New("quarantine threshold must be at least 2")
	// ErrStillAlive means the liveness key reappeared, so the crash report was spurious.
	ErrStillAlive = errors.New("job liveness key present")
)

// Status is the tracker's view of one job.
type Status struct {
	CrashCount  int    `json:"crash_count"`
	Quarantined bool   `json:"quarantined"`
	Reason      string `json:"reason,omitempty"`
	LastWorker  string `json:"last_worker,omitempty"`
	LastEpoch   uint64 `json:"last_epoch,omitempty"`
}

// Tracker keeps the per-job crash counters in Redis next to the lease keys.
type Tracker struct {
	client     redis.UniversalClient
	keys       lease.Keys
	threshold  int
	counterTTL time.Duration
	timeout    time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// NewTracker builds a tracker from config.
func NewTracker(client redis.UniversalClient, cfg config.Config, log *slog.Logger) (*Tracker, error) {
	if cfg.QuarantineThreshold < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrThresholdTooLow, cfg.QuarantineThreshold)
	}
	counterTTL := cfg.CrashCounterTTL
	if counterTTL == 0 {
		counterTTL = 24 * time.Hour
	}
	timeout := cfg.StoreTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Tracker{
		client:     client,
		keys:       lease.NewKeys(cfg.KeyPrefix),
		threshold:  cfg.QuarantineThreshold,
		counterTTL: counterTTL,
		timeout:    timeout,
		now:        time.Now,
		log:        logging.OrNop(log),
	}, nil
}

// Threshold is the configured crash limit.
func (t *Tracker) Threshold() int { return t.threshold }

// HandleCrash consumes the evidence for one crash. In a single script it
// checks the liveness key is still absent and the evidence still belongs to
// ev.Epoch, increments the counter, deletes the evidence, and sets the
// quarantine flag once the count reaches threshold. A second call for the same
// evidence returns Applied=false with the current count. A threshold of zero
// uses the configured one.
func (t *Tracker) HandleCrash(ctx context.Context, jobID string, ev models.Evidence, threshold int) (models.CrashOutcome, error) {
	return t.handle(ctx, jobID, ev, threshold, false)
}

// HandleOrphan counts a crash for which no evidence survives, such as a job
// whose evidence key expired before any scan saw it. It is idempotent per
// epoch through the counter's last_epoch field, and refuses while either the
// liveness or the evidence key exists.
func (t *Tracker) HandleOrphan(ctx context.Context, jobID string, ev models.Evidence, threshold int) (models.CrashOutcome, error) {
	return t.handle(ctx, jobID, ev, threshold, true)
}

func (t *Tracker) handle(ctx context.Context, jobID string, ev models.Evidence, threshold int, orphan bool) (models.CrashOutcome, error) {
	if threshold == 0 {
		threshold = t.threshold
	}
	if threshold < 2 {
		return models.CrashOutcome{}, fmt.Errorf("%w: got %d", ErrThresholdTooLow, threshold)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	reason := fmt.Sprintf("crashed %d times; last holder %s on %s at epoch %d", threshold, ev.WorkerID, ev.Host, ev.Epoch)
	keys := []string{t.keys.Liveness(jobID), t.keys.Evidence(jobID), t.keys.Crashes(jobID)}
	mode := "evidence"
	if orphan {
		mode = "orphan"
	}
	raw, err := handleCrashScript.Run(ctx, t.client, keys,
		strconv.FormatUint(ev.Epoch, 10), threshold, t.counterTTL.Milliseconds(), reason, t.now().UnixMilli(),
		mode, ev.WorkerID,
	).Int64Slice()
	if err != nil {
		return models.CrashOutcome{}, fmt.Errorf("%w: handle crash %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	if len(raw) != 3 {
		return models.CrashOutcome{}, fmt.Errorf("handle crash %s: unexpected script result %v", jobID, raw)
	}
	if raw[0] < 0 {
		return models.CrashOutcome{}, fmt.Errorf("handle crash %s epoch %d: %w", jobID, ev.Epoch, ErrStillAlive)
	}

	out := models.CrashOutcome{
		Applied:     raw[0] == 1,
		CrashCount:  int(raw[1]),
		Quarantined: raw[2] == 1,
	}
	if out.Applied {
		telemetry.CrashesHandled.Inc()
		t.log.Info("crash recorded",
			"job_id", jobID, "worker_id", ev.WorkerID, "epoch", ev.Epoch, "host", ev.Host,
			"crash_count", out.CrashCount, "quarantined", out.Quarantined, "orphaned", orphan)
	}
	return out, nil
}

// DiscardEvidence deletes evidence for epoch without counting a crash. Used
// when the holder died before the ledger ever recorded the attempt.
func (t *Tracker) DiscardEvidence(ctx context.Context, jobID string, epoch uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := discardScript.Run(ctx, t.client,
		[]string{t.keys.Liveness(jobID), t.keys.Evidence(jobID)},
		strconv.FormatUint(epoch, 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: discard evidence %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	return res == 1, nil
}

// Status reads the crash counter for jobID.
func (t *Tracker) Status(ctx context.Context, jobID string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	fields, err := t.client.HGetAll(ctx, t.keys.Crashes(jobID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: crash status %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	st := Status{
		Quarantined: fields["quarantined"] == "1",
		Reason:      fields["reason"],
		LastWorker:  fields["last_worker"],
	}
	if v := fields["count"]; v != "" {
		if st.CrashCount, err = strconv.Atoi(v); err != nil {
			return Status{}, fmt.Errorf("crash status %s: count %q: %w", jobID, v, err)
		}
	}
	if v := fields["last_epoch"]; v != "" {
		if st.LastEpoch, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Status{}, fmt.Errorf("crash status %s: last_epoch %q: %w", jobID, v, err)
		}
	}
	return st, nil
}

// Reset clears the counter and the quarantine flag. Operator use only.
func (t *Tracker) Reset(ctx context.Context, jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	n, err := t.client.Del(ctx, t.keys.Crashes(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: reset %s: %w", lease.ErrStoreUnavailable, jobID, err)
	}
	t.log.Info("crash counter reset", "job_id", jobID)
	return n > 0, nil
}

// KEYS: liveness, evidence, crash counter
// ARGV: expected epoch, threshold, counter ttl ms, quarantine reason, now ms, mode, worker
// Mode "evidence" consumes the evidence hash; mode "orphan" requires it absent.
// Returns {applied (1 applied, 0 already consumed, -1 still alive), count, quarantined}.
var handleCrashScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {-1, 0, 0}
end
local quarantined = 0
if redis.call('HGET', KEYS[3], 'quarantined') == '1' then
  quarantined = 1
end
local current = tonumber(redis.call('HGET', KEYS[3], 'count') or '0')
local worker = ARGV[7]
if ARGV[6] == 'orphan' then
  if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('HGET', KEYS[3], 'last_epoch') == ARGV[1] then
    return {0, current, quarantined}
  end
else
  if redis.call('HGET', KEYS[2], 'epoch') ~= ARGV[1] then
    return {0, current, quarantined}
  end
  worker = redis.call('HGET', KEYS[2], 'worker_id') or worker
end
local count = redis.call('HINCRBY', KEYS[3], 'count', 1)
redis.call('HSET', KEYS[3], 'last_worker', worker, 'last_epoch', ARGV[1], 'last_crash_at', ARGV[5])
redis.call('DEL', KEYS[2])
if count >= tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[3], 'quarantined', '1', 'reason', ARGV[4])
  redis.call('PERSIST', KEYS[3])
  quarantined = 1
elseif quarantined == 0 then
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
end
return {1, count, quarantined}
`)

// KEYS: liveness, evidence
// ARGV: expected epoch
var discardScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
if redis.call('HGET', KEYS[2], 'epoch') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`)
