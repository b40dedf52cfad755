package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/coordinator"
	"job-lease-guard/internal/heartbeat"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/quarantine"
	"job-lease-guard/internal/queue"
)

type harness struct {
	mr     *miniredis.Miniredis
	coord  *coordinator.Service
	ledger *ledger.Gorm
	queue  *queue.RedisQueue
	keys   lease.Keys
	beats  *heartbeat.Driver
	cfg    config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	l := ledger.NewGorm(db)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { _ = l.Close() })

	cfg := config.Defaults()
	cfg.KeyPrefix = "wk"
	cfg.WorkerID = "worker-a"
	cfg.LeaseTTL = 300 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.WorkerPollInterval = 10 * time.Millisecond

	leases := lease.NewManager(client, cfg, nil)
	tracker, err := quarantine.NewTracker(client, cfg, nil)
	require.NoError(t, err)
	q := queue.NewRedisQueue(client, cfg)
	coord := coordinator.New(coordinator.Deps{
		Leases:  leases,
		Tracker: tracker,
		Ledger:  l,
		Queue:   q,
	}, cfg, nil)

	beats, err := heartbeat.NewDriver(leases, cfg, nil)
	require.NoError(t, err)

	return &harness{mr: mr, coord: coord, ledger: l, queue: q, keys: leases.Keys(), beats: beats, cfg: cfg}
}

func (h *harness) processor(fn Handler) *Processor {
	return NewProcessor(h.cfg, h.coord, h.queue, h.beats, fn, nil)
}

func (h *harness) createPopped(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.coord.CreateJob(ctx, jobID)
	require.NoError(t, err)
	id, err := h.queue.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, id)
}

func (h *harness) eventTypes(t *testing.T, jobID string) []string {
	t.Helper()
	events, err := h.coord.Outbox(context.Background(), jobID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func TestProcessOneCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createPopped(t, "job-1")

	p := h.processor(SleepHandler(100*time.Millisecond, 4))
	require.NoError(t, p.ProcessOne(ctx, "job-1"))

	job, err := h.ledger.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, job.State)
	require.NotNil(t, job.LastProgressAt)
	require.Equal(t, []string{models.EventJobStarted, models.EventJobCompleted}, h.eventTypes(t, "job-1"))
	require.False(t, h.mr.Exists(h.keys.Liveness("job-1")))
	require.Zero(t, h.beats.Active())
}

func TestProcessOneAbandonsWorkWhenLeaseIsLost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createPopped(t, "job-1")

	started := make(chan struct{})
	var checkErr error
	p := h.processor(func(ctx context.Context, task *Task) error {
		close(started)
		<-ctx.Done()
		checkErr = task.Check()
		return context.Cause(ctx)
	})

	go func() {
		<-started
		// Another holder takes the liveness key; the next renewal is refused.
		_ = h.mr.Set(h.keys.Liveness("job-1"), "worker-b:99")
	}()

	err := p.ProcessOne(ctx, "job-1")
	require.ErrorIs(t, err, lease.ErrLeaseLost)
	require.ErrorIs(t, checkErr, lease.ErrLeaseLost)

	job, err := h.ledger.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateProcessing, job.State)
	require.Equal(t, []string{models.EventJobStarted}, h.eventTypes(t, "job-1"))
	require.Zero(t, h.beats.Active())
}

func TestProcessOneCommitsWhenShutdownFollowsSuccess(t *testing.T) {
	h := newHarness(t)
	h.createPopped(t, "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := h.processor(func(context.Context, *Task) error {
		// SIGTERM lands after the work finished but before the commit.
		cancel()
		return nil
	})
	require.NoError(t, p.ProcessOne(ctx, "job-1"))

	job, err := h.ledger.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, job.State)
	require.Equal(t, []string{models.EventJobStarted, models.EventJobCompleted}, h.eventTypes(t, "job-1"))
	require.False(t, h.mr.Exists(h.keys.Liveness("job-1")))
	require.False(t, h.mr.Exists(h.keys.Evidence("job-1")))
	require.Zero(t, h.beats.Active())
}

func TestProcessOneReleasesOnHandlerError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createPopped(t, "job-1")

	boom := errors.New("boom")
	p := h.processor(func(context.Context, *Task) error { return boom })
	require.ErrorIs(t, p.ProcessOne(ctx, "job-1"), boom)

	job, err := h.ledger.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, job.State)
	require.False(t, h.mr.Exists(h.keys.Liveness("job-1")))
	require.False(t, h.mr.Exists(h.keys.Evidence("job-1")))

	id, err := h.queue.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
}

func TestProcessOneSkipsHeldJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createPopped(t, "job-1")

	_, err := h.coord.AcquireLease(ctx, "job-1", "worker-b", 0)
	require.NoError(t, err)

	called := false
	p := h.processor(func(context.Context, *Task) error {
		called = true
		return nil
	})
	require.ErrorIs(t, p.ProcessOne(ctx, "job-1"), lease.ErrLeaseConflict)
	require.False(t, called)
}

func TestRunProcessesQueuedJobs(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"job-1", "job-2"} {
		_, err := h.coord.CreateJob(ctx, id)
		require.NoError(t, err)
	}

	done := make(chan string, 2)
	p := h.processor(func(_ context.Context, task *Task) error {
		done <- task.Lease.JobID
		return nil
	})
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-done:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("jobs were not processed")
		}
	}
	require.Eventually(t, func() bool {
		events, err := h.coord.Outbox(context.Background(), "job-2")
		return err == nil && len(events) == 2 && events[1].EventType == models.EventJobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

type failingQueue struct{ pops atomic.Int32 }

func (q *failingQueue) Pop(context.Context) (string, error) {
	q.pops.Add(1)
	return "", fmt.Errorf("%w: pop: connection refused", lease.ErrStoreUnavailable)
}

func (q *failingQueue) Push(context.Context, string) (bool, error) { return false, nil }

func TestRunBacksOffWhileQueueIsDown(t *testing.T) {
	h := newHarness(t)
	q := &failingQueue{}
	p := NewProcessor(h.cfg, h.coord, q, h.beats, func(context.Context, *Task) error { return nil }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)

	// A flat 10ms poll would make about 25 attempts in this window.
	pops := q.pops.Load()
	require.GreaterOrEqual(t, pops, int32(2))
	require.Less(t, pops, int32(12))
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		b := backoffWithJitter(base, max, attempt)
		require.GreaterOrEqual(t, b, base/2, "attempt %d", attempt)
		require.LessOrEqual(t, b, max, "attempt %d", attempt)
	}
	require.Equal(t, base, backoffWithJitter(base, max, 0))
	require.Equal(t, time.Duration(1), backoffWithJitter(1, max, 1))
}
