package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/logging"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/telemetry"
)

// Manager owns acquire, renew and release against Redis. Every operation is a
// single Lua script so the holder check and the mutation cannot interleave
// with another client.
type Manager struct {
	client      redis.UniversalClient
	keys        Keys
	evidenceTTL time.Duration
	host        string
	timeout     time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewManager builds a lease manager from config.
func NewManager(client redis.UniversalClient, cfg config.Config, log *slog.Logger) *Manager {
	evidenceTTL := cfg.EvidenceTTL
	if evidenceTTL == 0 {
		evidenceTTL = 30 * time.Minute
	}
	timeout := cfg.StoreTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Manager{
		client:      client,
		keys:        NewKeys(cfg.KeyPrefix),
		evidenceTTL: evidenceTTL,
		host:        cfg.Host,
		timeout:     timeout,
		now:         time.Now,
		log:         logging.OrNop(log),
	}
}

// Keys exposes the key layout so the detector and tracker agree with the manager.
func (m *Manager) Keys() Keys { return m.keys }

// Acquire claims jobID for workerID. On success both the liveness and the
// evidence keys exist and the returned lease carries a fresh epoch strictly
// greater than any previously issued for the job.
func (m *Manager) Acquire(ctx context.Context, jobID, workerID string, ttl time.Duration) (models.Lease, error) {
	if jobID == "" || workerID == "" {
		return models.Lease{}, errors.New("acquire: job id and worker id are required")
	}
	if err := m.checkTTL(ttl); err != nil {
		return models.Lease{}, fmt.Errorf("acquire %s: %w", jobID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	now := m.now()
	keys := []string{
		m.keys.Liveness(jobID),
		m.keys.Evidence(jobID),
		m.keys.Epoch(jobID),
		m.keys.Crashes(jobID),
	}
	res, err := acquireScript.Run(ctx, m.client, keys,
		workerID, ttl.Milliseconds(), m.evidenceTTL.Milliseconds(), now.UnixMilli(), m.host, jobID,
	).Int64()
	if err != nil {
		return models.Lease{}, fmt.Errorf("%w: acquire %s: %w", ErrStoreUnavailable, jobID, err)
	}
	switch {
	case res == codeConflict:
		telemetry.LeaseConflicts.Inc()
		return models.Lease{}, fmt.Errorf("acquire %s: %w", jobID, ErrLeaseConflict)
	case res == codeCrashPending:
		telemetry.LeaseConflicts.Inc()
		return models.Lease{}, fmt.Errorf("acquire %s: %w", jobID, ErrCrashPending)
	case res == codeQuarantined:
		return models.Lease{}, fmt.Errorf("acquire %s: %w", jobID, ErrQuarantined)
	case res <= 0:
		return models.Lease{}, fmt.Errorf("acquire %s: unexpected script result %d", jobID, res)
	}

	telemetry.LeaseAcquired.Inc()
	lease := models.Lease{
		JobID:    jobID,
		WorkerID: workerID,
		Epoch:    uint64(res),
		Expiry:   now.Add(ttl),
	}
	m.log.Debug("lease acquired", "job_id", jobID, "worker_id", workerID, "epoch", lease.Epoch)
	return lease, nil
}

// Renew extends the liveness key only if it still holds workerID at epoch.
// A false return is final for that epoch: the caller must abort pending work.
// Store errors are returned alongside false; callers must treat them the same.
func (m *Manager) Renew(ctx context.Context, jobID, workerID string, epoch uint64, ttl time.Duration) (bool, error) {
	if err := m.checkTTL(ttl); err != nil {
		return false, fmt.Errorf("renew %s: %w", jobID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := renewScript.Run(ctx, m.client,
		[]string{m.keys.Liveness(jobID)},
		holderToken(workerID, epoch), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		telemetry.LeaseRenewals.WithLabelValues("error").Inc()
		return false, fmt.Errorf("%w: renew %s: %w", ErrStoreUnavailable, jobID, err)
	}
	if res != 1 {
		telemetry.LeaseRenewals.WithLabelValues("rejected").Inc()
		m.log.Warn("lease renewal rejected", "job_id", jobID, "worker_id", workerID, "epoch", epoch)
		return false, nil
	}
	telemetry.LeaseRenewals.WithLabelValues("ok").Inc()
	return true, nil
}

// checkTTL keeps the liveness key strictly shorter-lived than the evidence
// key, otherwise a dead holder would never show up as a crash.
func (m *Manager) checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidTTL, ttl)
	}
	if ttl >= m.evidenceTTL {
		return fmt.Errorf("%w: %s must be below the evidence ttl %s", ErrInvalidTTL, ttl, m.evidenceTTL)
	}
	return nil
}

// Release deletes the liveness and evidence keys and clears the crash counter,
// provided the caller still holds workerID at epoch.
func (m *Manager) Release(ctx context.Context, jobID, workerID string, epoch uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	keys := []string{
		m.keys.Liveness(jobID),
		m.keys.Evidence(jobID),
		m.keys.Crashes(jobID),
	}
	res, err := releaseScript.Run(ctx, m.client, keys, holderToken(workerID, epoch)).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: release %s: %w", ErrStoreUnavailable, jobID, err)
	}
	if res != 1 {
		return false, nil
	}
	telemetry.LeaseReleased.Inc()
	m.log.Debug("lease released", "job_id", jobID, "worker_id", workerID, "epoch", epoch)
	return true, nil
}

// Current reports the live lease for jobID, if any.
func (m *Manager) Current(ctx context.Context, jobID string) (models.Lease, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	pipe := m.client.Pipeline()
	getCmd := pipe.Get(ctx, m.keys.Liveness(jobID))
	ttlCmd := pipe.PTTL(ctx, m.keys.Liveness(jobID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.Lease{}, false, fmt.Errorf("%w: inspect %s: %w", ErrStoreUnavailable, jobID, err)
	}
	token, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return models.Lease{}, false, nil
	}
	if err != nil {
		return models.Lease{}, false, fmt.Errorf("%w: inspect %s: %w", ErrStoreUnavailable, jobID, err)
	}
	workerID, epoch, err := parseHolderToken(token)
	if err != nil {
		return models.Lease{}, false, fmt.Errorf("inspect %s: %w", jobID, err)
	}
	return models.Lease{
		JobID:    jobID,
		WorkerID: workerID,
		Epoch:    epoch,
		Expiry:   m.now().Add(ttlCmd.Val()),
	}, true, nil
}

func parseHolderToken(token string) (string, uint64, error) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] != ':' {
			continue
		}
		epoch, err := strconv.ParseUint(token[i+1:], 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("malformed holder token %q: %w", token, err)
		}
		return token[:i], epoch, nil
	}
	return "", 0, fmt.Errorf("malformed holder token %q", token)
}

const (
	codeConflict     int64 = -1
	codeCrashPending int64 = -2
	codeQuarantined  int64 = -3
)

// KEYS: liveness, evidence, epoch counter, crash counter
// ARGV: worker, ttl ms, evidence ttl ms, started_at ms, host, job id
var acquireScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'quarantined') == '1' then
  return -3
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -2
end
local epoch = redis.call('INCR', KEYS[3])
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. tostring(epoch), 'PX', ARGV[2])
redis.call('HSET', KEYS[2], 'job_id', ARGV[6], 'worker_id', ARGV[1], 'epoch', tostring(epoch), 'started_at', ARGV[4], 'host', ARGV[5])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return epoch
`)

// KEYS: liveness
// ARGV: holder token, ttl ms
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS: liveness, evidence, crash counter
// ARGV: holder token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
return 1
`)
