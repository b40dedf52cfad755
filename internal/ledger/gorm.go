package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"job-lease-guard/internal/models"
)

type jobRow struct {
	ID               string `gorm:"primaryKey;size:191"`
	State            string `gorm:"index:jobs_state_id_idx,priority:1;size:20;not null"`
	LeaseEpoch       int64  `gorm:"not null;default:0"`
	WorkerID         string `gorm:"size:255;not null;default:''"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastProgressAt   *time.Time
	CrashCount       int    `gorm:"not null;default:0"`
	Quarantined      bool   `gorm:"not null;default:false"`
	QuarantineReason string `gorm:"type:text;not null;default:''"`
}

func (jobRow) TableName() string { return "jobs" }

func (r jobRow) record() models.JobRecord {
	return models.JobRecord{
		ID:               r.ID,
		State:            models.JobState(r.State),
		LeaseEpoch:       uint64(r.LeaseEpoch),
		WorkerID:         r.WorkerID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastProgressAt:   r.LastProgressAt,
		CrashCount:       r.CrashCount,
		Quarantined:      r.Quarantined,
		QuarantineReason: r.QuarantineReason,
	}
}

type outboxRow struct {
	EventID     string `gorm:"primaryKey;size:191"`
	AggregateID string `gorm:"index;size:191;not null"`
	EventType   string `gorm:"size:64;not null"`
	Payload     []byte `gorm:"not null"`
	DedupeKey   string `gorm:"uniqueIndex;size:255;not null"`
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

func (outboxRow) TableName() string { return "outbox_events" }

// Gorm implements Ledger on GORM. It backs sqlite deployments and the tests,
// and can also run against Postgres.
type Gorm struct {
	db *gorm.DB
}

var _ Ledger = (*Gorm)(nil)

// NewGorm wraps an open GORM handle.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// OpenGorm opens a GORM ledger for driver "gorm-sqlite" (dsn is a file path)
// or "gorm-postgres" (dsn is a Postgres URL).
func OpenGorm(driver, dsn string) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case "gorm-sqlite":
		dialector = sqlite.Open(dsn)
	case "gorm-postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", driver, err)
	}
	if driver == "gorm-sqlite" {
		// sqlite allows one writer; a single connection keeps transactions serialized.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGorm(db), nil
}

// Migrate creates the tables.
func (g *Gorm) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(&jobRow{}, &outboxRow{})
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateJob inserts an IDLE job at epoch 0.
func (g *Gorm) CreateJob(ctx context.Context, jobID string) (models.JobRecord, error) {
	now := time.Now().UTC()
	row := jobRow{ID: jobID, State: string(models.StateIdle), CreatedAt: now, UpdatedAt: now}
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return models.JobRecord{}, fmt.Errorf("insert job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.JobRecord{}, fmt.Errorf("create %s: %w", jobID, ErrJobExists)
	}
	return row.record(), nil
}

// GetJob fetches a job by id.
func (g *Gorm) GetJob(ctx context.Context, jobID string) (models.JobRecord, error) {
	return getGormJob(g.db.WithContext(ctx), jobID)
}

func getGormJob(db *gorm.DB, jobID string) (models.JobRecord, error) {
	var row jobRow
	err := db.Where("id = ?", jobID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.JobRecord{}, fmt.Errorf("get %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("get job: %w", err)
	}
	return row.record(), nil
}

// ListJobs returns jobs in any of q.States ordered by id.
func (g *Gorm) ListJobs(ctx context.Context, q JobQuery) ([]models.JobRecord, error) {
	states := make([]string, 0, len(q.States))
	for _, s := range q.States {
		states = append(states, string(s))
	}
	query := g.db.WithContext(ctx).
		Where("state IN ?", states).
		Where("id > ?", q.AfterID)
	if !q.UpdatedBefore.IsZero() {
		query = query.Where("updated_at < ?", q.UpdatedBefore.UTC())
	}
	var rows []jobRow
	if err := query.Order("id").Limit(queryLimit(q.Limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]models.JobRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Transition runs the fenced update and the outbox inserts in one transaction.
func (g *Gorm) Transition(ctx context.Context, t Transition) (models.JobRecord, error) {
	if err := t.Validate(); err != nil {
		return models.JobRecord{}, err
	}
	updates := t.columns()
	updates["updated_at"] = t.at()

	var job models.JobRecord
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&jobRow{}).
			Where("id = ? AND lease_epoch = ? AND state = ?", t.JobID, int64(t.ExpectedEpoch), string(t.From)).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return stale("transition", t.JobID, t.ExpectedEpoch, t.From)
		}

		for _, ev := range t.Events {
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshal %s payload: %w", ev.EventType, err)
			}
			row := outboxRow{
				EventID:     ev.EventID,
				AggregateID: ev.AggregateID,
				EventType:   ev.EventType,
				Payload:     payload,
				DedupeKey:   ev.DedupeKey,
				CreatedAt:   ev.CreatedAt.UTC(),
			}
			err = tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
				Create(&row).Error
			if err != nil {
				return fmt.Errorf("insert outbox %s: %w", ev.EventType, err)
			}
		}

		var err error
		job, err = getGormJob(tx, t.JobID)
		return err
	})
	if err != nil {
		return models.JobRecord{}, err
	}
	return job, nil
}

// RecordProgress stamps last_progress_at, fenced on epoch and PROCESSING.
func (g *Gorm) RecordProgress(ctx context.Context, jobID string, epoch uint64, at time.Time) error {
	at = at.UTC()
	res := g.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND lease_epoch = ? AND state = ?", jobID, int64(epoch), string(models.StateProcessing)).
		Updates(map[string]any{"last_progress_at": at, "updated_at": at})
	if res.Error != nil {
		return fmt.Errorf("record progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return stale("progress", jobID, epoch, models.StateProcessing)
	}
	return nil
}

// ListOutbox returns the events recorded for jobID, oldest first.
func (g *Gorm) ListOutbox(ctx context.Context, jobID string) ([]models.OutboxEvent, error) {
	var rows []outboxRow
	err := g.db.WithContext(ctx).
		Where("aggregate_id = ?", jobID).
		Order("created_at").Order("event_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	out := make([]models.OutboxEvent, 0, len(rows))
	for _, r := range rows {
		payload, err := models.DecodeOutboxPayload(r.EventType, r.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, models.OutboxEvent{
			EventID:     r.EventID,
			AggregateID: r.AggregateID,
			EventType:   r.EventType,
			Payload:     payload,
			DedupeKey:   r.DedupeKey,
			CreatedAt:   r.CreatedAt,
			DeliveredAt: r.DeliveredAt,
		})
	}
	return out, nil
}
