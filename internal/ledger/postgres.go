package ledger

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-lease-guard/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres wraps pgxpool for the production ledger.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// RunMigrations applies embedded migrations that are not yet recorded in schema_migrations.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := p.applyMigration(ctx, name, strings.TrimSpace(string(content))); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) applyMigration(ctx context.Context, name, sql string) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if sql != "" {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, NOW())`, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit(ctx)
}

// CreateJob inserts an IDLE job at epoch 0.
func (p *Postgres) CreateJob(ctx context.Context, jobID string) (models.JobRecord, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (id, state, lease_epoch, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, jobID, string(models.StateIdle), now)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.JobRecord{}, fmt.Errorf("create %s: %w", jobID, ErrJobExists)
	}
	return models.JobRecord{ID: jobID, State: models.StateIdle, CreatedAt: now, UpdatedAt: now}, nil
}

const jobColumns = `id, state, lease_epoch, worker_id, created_at, updated_at, last_progress_at, crash_count, quarantined, quarantine_reason`

// GetJob fetches a job by id.
func (p *Postgres) GetJob(ctx context.Context, jobID string) (models.JobRecord, error) {
	return getJob(ctx, p.pool, jobID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getJob(ctx context.Context, q queryRower, jobID string) (models.JobRecord, error) {
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, fmt.Errorf("get %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.JobRecord, error) {
	var (
		job      models.JobRecord
		state    string
		epoch    int64
		progress pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &state, &epoch, &job.WorkerID, &job.CreatedAt, &job.UpdatedAt, &progress, &job.CrashCount, &job.Quarantined, &job.QuarantineReason); err != nil {
		return models.JobRecord{}, err
	}
	job.State = models.JobState(state)
	job.LeaseEpoch = uint64(epoch)
	if progress.Valid {
		t := progress.Time
		job.LastProgressAt = &t
	}
	return job, nil
}

// ListJobs returns jobs in any of q.States ordered by id.
func (p *Postgres) ListJobs(ctx context.Context, q JobQuery) ([]models.JobRecord, error) {
	states := make([]string, 0, len(q.States))
	for _, s := range q.States {
		states = append(states, string(s))
	}
	sql := `SELECT ` + jobColumns + ` FROM jobs WHERE state = ANY($1) AND id > $2`
	args := []any{states, q.AfterID}
	if !q.UpdatedBefore.IsZero() {
		sql += ` AND updated_at < $3`
		args = append(args, q.UpdatedBefore.UTC())
	}
	sql += fmt.Sprintf(` ORDER BY id LIMIT %d`, queryLimit(q.Limit))

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Transition runs the fenced update and the outbox inserts in one transaction.
func (p *Postgres) Transition(ctx context.Context, t Transition) (models.JobRecord, error) {
	if err := t.Validate(); err != nil {
		return models.JobRecord{}, err
	}
	update, args := transitionUpdate(t)

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, update, args...)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.JobRecord{}, stale("transition", t.JobID, t.ExpectedEpoch, t.From)
	}

	for _, ev := range t.Events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return models.JobRecord{}, fmt.Errorf("marshal %s payload: %w", ev.EventType, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox_events (event_id, aggregate_id, event_type, payload, dedupe_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dedupe_key) DO NOTHING
		`, ev.EventID, ev.AggregateID, ev.EventType, payload, ev.DedupeKey, ev.CreatedAt.UTC()); err != nil {
			return models.JobRecord{}, fmt.Errorf("insert outbox %s: %w", ev.EventType, err)
		}
	}

	job, err := getJob(ctx, tx, t.JobID)
	if err != nil {
		return models.JobRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.JobRecord{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// transitionUpdate builds the fenced UPDATE for t. $1..$3 are always the id,
// expected epoch and expected state; the SET columns follow in name order.
func transitionUpdate(t Transition) (string, []any) {
	cols := t.columns()
	cols["updated_at"] = t.at()

	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	sets := make([]string, 0, len(names))
	args := []any{t.JobID, int64(t.ExpectedEpoch), string(t.From)}
	for _, name := range names {
		args = append(args, cols[name])
		sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
	}
	return `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND lease_epoch = $2 AND state = $3`, args
}

// RecordProgress stamps last_progress_at, fenced on epoch and PROCESSING.
func (p *Postgres) RecordProgress(ctx context.Context, jobID string, epoch uint64, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET last_progress_at = $3, updated_at = $3
		WHERE id = $1 AND lease_epoch = $2 AND state = $4
	`, jobID, int64(epoch), at.UTC(), string(models.StateProcessing))
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stale("progress", jobID, epoch, models.StateProcessing)
	}
	return nil
}

// ListOutbox returns the events recorded for jobID, oldest first.
func (p *Postgres) ListOutbox(ctx context.Context, jobID string) ([]models.OutboxEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT event_id, aggregate_id, event_type, payload, dedupe_key, created_at, delivered_at
		FROM outbox_events WHERE aggregate_id = $1 ORDER BY created_at, event_id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		var (
			ev        models.OutboxEvent
			raw       []byte
			delivered pgtype.Timestamptz
		)
		if err := rows.Scan(&ev.EventID, &ev.AggregateID, &ev.EventType, &raw, &ev.DedupeKey, &ev.CreatedAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if ev.Payload, err = models.DecodeOutboxPayload(ev.EventType, raw); err != nil {
			return nil, err
		}
		if delivered.Valid {
			t := delivered.Time
			ev.DeliveredAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
