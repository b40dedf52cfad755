package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/models"
)

// newTestLedger returns the Postgres backend when TEST_DATABASE_URL is set and
// an in-memory sqlite GORM ledger otherwise, so every test here covers both.
func newTestLedger(t *testing.T) Ledger {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return newPostgresLedger(t, dsn)
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Each new connection to ":memory:" is a fresh database.
	sqlDB.SetMaxOpenConns(1)

	l := NewGorm(db)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newPostgresLedger(t *testing.T, dsn string) *Postgres {
	t.Helper()
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, p.RunMigrations(ctx))

	truncate := func() {
		_, err := p.pool.Exec(ctx, `TRUNCATE outbox_events, jobs`)
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		_ = p.Close()
	})
	return p
}

func strPtr(s string) *string { return &s }

func start(t *testing.T, l Ledger, jobID string, from, to uint64, worker string) models.JobRecord {
	t.Helper()
	now := time.Now().UTC()
	job, err := l.Transition(context.Background(), Transition{
		JobID:         jobID,
		From:          models.StateIdle,
		To:            models.StateProcessing,
		ExpectedEpoch: from,
		NewEpoch:      to,
		WorkerID:      strPtr(worker),
		Events: []models.OutboxEvent{
			models.NewOutboxEvent(fmt.Sprintf("ev-%s-%d", jobID, to), jobID,
				models.JobStartedPayload{WorkerID: worker, Epoch: to}, fmt.Sprint(to), now),
		},
		At: now,
	})
	require.NoError(t, err)
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	created, err := l.CreateJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, created.State)
	require.Zero(t, created.LeaseEpoch)

	_, err = l.CreateJob(ctx, "job-1")
	require.ErrorIs(t, err, ErrJobExists)

	got, err := l.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", got.ID)
	require.Equal(t, models.StateIdle, got.State)

	_, err = l.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestTransitionIsFencedByEpoch(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateJob(ctx, "job-1")
	require.NoError(t, err)

	// Worker A starts at epoch 1, stalls, and worker B takes over at epoch 2.
	job := start(t, l, "job-1", 0, 1, "worker-a")
	require.Equal(t, uint64(1), job.LeaseEpoch)
	_, err = l.Transition(ctx, Transition{
		JobID: "job-1", From: models.StateProcessing, To: models.StateIdle, ExpectedEpoch: 1,
	})
	require.NoError(t, err)
	start(t, l, "job-1", 1, 2, "worker-b")

	// A wakes up and tries to complete with its old epoch.
	_, err = l.Transition(ctx, Transition{
		JobID: "job-1", From: models.StateProcessing, To: models.StateIdle, ExpectedEpoch: 1,
		Events: []models.OutboxEvent{
			models.NewOutboxEvent("stale-complete", "job-1",
				models.JobCompletedPayload{WorkerID: "worker-a", Epoch: 1}, "1", time.Now()),
		},
	})
	require.ErrorIs(t, err, ErrStaleEpoch)

	got, err := l.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateProcessing, got.State)
	require.Equal(t, uint64(2), got.LeaseEpoch)
	require.Equal(t, "worker-b", got.WorkerID)

	events, err := l.ListOutbox(ctx, "job-1")
	require.NoError(t, err)
	for _, ev := range events {
		require.NotEqual(t, "stale-complete", ev.EventID, "rejected transition must not leave outbox rows")
	}
}

func TestTransitionRequiresExpectedState(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateJob(ctx, "job-1")
	require.NoError(t, err)

	_, err = l.Transition(ctx, Transition{
		JobID: "job-1", From: models.StateProcessing, To: models.StateCrashed, ExpectedEpoch: 0,
	})
	require.ErrorIs(t, err, ErrStaleEpoch)
}

func TestTransitionValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateJob(ctx, "job-1")
	require.NoError(t, err)

	cases := []struct {
		name string
		tr   Transition
	}{
		{"idle cannot jump to crashed", Transition{JobID: "job-1", From: models.StateIdle, To: models.StateCrashed}},
		{"quarantined cannot resume processing", Transition{JobID: "job-1", From: models.StateQuarantined, To: models.StateProcessing}},
		{"start needs a fresh epoch", Transition{JobID: "job-1", From: models.StateIdle, To: models.StateProcessing, ExpectedEpoch: 3, NewEpoch: 3}},
		{"epoch cannot go backwards", Transition{JobID: "job-1", From: models.StateProcessing, To: models.StateIdle, ExpectedEpoch: 5, NewEpoch: 4}},
		{"missing job id", Transition{From: models.StateIdle, To: models.StateProcessing, NewEpoch: 1}},
		{"event for another job", Transition{
			JobID: "job-1", From: models.StateIdle, To: models.StateProcessing, NewEpoch: 1,
			Events: []models.OutboxEvent{models.NewOutboxEvent("e", "job-2", models.JobStartedPayload{}, "1", time.Now())},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Transition(ctx, tc.tr)
			require.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestOutboxCommitsWithTransitionAndDedupes(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateJob(ctx, "job-1")
	require.NoError(t, err)
	start(t, l, "job-1", 0, 1, "worker-a")

	crashed := models.NewOutboxEvent("crash-1", "job-1",
		models.JobCrashedPayload{WorkerID: "worker-a", Epoch: 1, Host: "h1"}, "1", time.Now())
	_, err = l.Transition(ctx, Transition{
		JobID: "job-1", From: models.StateProcessing, To: models.StateCrashed, ExpectedEpoch: 1,
		Events: []models.OutboxEvent{crashed},
	})
	require.NoError(t, err)

	// A replay with the same dedupe key but a new event id is absorbed.
	replay := crashed
	replay.EventID = "crash-1-replay"
	count := 1
	_, err = l.Transition(ctx, Transition{
		JobID: "job-1", From: models.StateCrashed, To: models.StateIdle, ExpectedEpoch: 1,
		CrashCount: &count,
		Events: []models.OutboxEvent{
			replay,
			models.NewOutboxEvent("requeue-1", "job-1", models.JobRequeuedPayload{Epoch: 1, CrashCount: 1}, "1", time.Now()),
		},
	})
	require.NoError(t, err)

	events, err := l.ListOutbox(ctx, "job-1")
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	require.ElementsMatch(t, []string{models.EventJobStarted, models.EventJobCrashed, models.EventJobRequeued}, types)

	for _, ev := range events {
		if ev.EventType == models.EventJobCrashed {
			payload, ok := ev.Payload.(models.JobCrashedPayload)
			require.True(t, ok)
			require.Equal(t, "h1", payload.Host)
			require.Equal(t, "job-1:job.crashed:1", ev.DedupeKey)
		}
	}

	job, err := l.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, job.State)
	require.Equal(t, 1, job.CrashCount)
}

func TestQuarantineFields(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateJob(ctx, "job-1")
	require.NoError(t, err)
	start(t, l, "job-1", 0, 1, "worker-a")
	_, err = l.Transition(ctx, Transition{JobID: "job-1", From: models.StateProcessing, To: models.StateCrashed, ExpectedEpoch: 1})
	require.NoError(t, err)

	q, count := true, 3
	job, err := l.Transition(ctx, Transition{
		JobID: "job-1", From: models.StateCrashed, To: models.StateQuarantined, ExpectedEpoch: 1,
		CrashCount: &count, Quarantined: &q, QuarantineReason: strPtr("crashed 3 times"),
	})
	require.NoError(t, err)
	require.Equal(t, models.StateQuarantined, job.State)
	require.True(t, job.Quarantined)
	require.Equal(t, "crashed 3 times", job.QuarantineReason)
	require.Equal(t, 3, job.CrashCount)
}

func TestListJobsPaginatesAndFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.CreateJob(ctx, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}
	start(t, l, "job-1", 0, 1, "w")
	start(t, l, "job-3", 0, 1, "w")

	idle, err := l.ListJobs(ctx, JobQuery{States: []models.JobState{models.StateIdle}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, idle, 2)
	require.Equal(t, "job-0", idle[0].ID)
	require.Equal(t, "job-2", idle[1].ID)

	next, err := l.ListJobs(ctx, JobQuery{States: []models.JobState{models.StateIdle}, AfterID: idle[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, "job-4", next[0].ID)

	processing, err := l.ListJobs(ctx, JobQuery{
		States:        []models.JobState{models.StateProcessing, models.StateCrashed},
		UpdatedBefore: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, processing, 2)

	none, err := l.ListJobs(ctx, JobQuery{
		States:        []models.JobState{models.StateProcessing},
		UpdatedBefore: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRecordProgressIsFenced(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, err := l.CreateJob(ctx, "job-1")
	require.NoError(t, err)

	require.ErrorIs(t, l.RecordProgress(ctx, "job-1", 0, time.Now()), ErrStaleEpoch)

	start(t, l, "job-1", 0, 1, "worker-a")
	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, l.RecordProgress(ctx, "job-1", 1, at))
	require.ErrorIs(t, l.RecordProgress(ctx, "job-1", 2, at), ErrStaleEpoch)

	job, err := l.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.LastProgressAt)
	require.True(t, at.Equal(*job.LastProgressAt))
}

func TestOpenSQLiteFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.LedgerDriver = "gorm-sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	_, err = l.CreateJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Reopening migrates idempotently and keeps the rows.
	l, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	defer l.Close()
	job, err := l.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, job.State)

	cfg.LedgerDriver = "mongo"
	_, err = Open(context.Background(), cfg)
	require.Error(t, err)
}
