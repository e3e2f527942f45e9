// Package duty tracks storage-limitation obligations created by permitted
// requests and promotes them to fulfilled once their retention period ends.
package duty

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/errs"
	"github.com/Mennes303/gdpr-art5-engine/pkg/metrics"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
)

// SchedulerPolicyUID labels audit entries synthesized by the tick, which run
// outside any stored policy.
const SchedulerPolicyUID = "duty-scheduler"

const (
	StateScheduled = "scheduled"
	StateFulfilled = "fulfilled"
)

// Record is one deletion obligation. DueAt is fixed at creation and never
// recalculated; State only ever moves scheduled -> fulfilled.
type Record struct {
	ID       int64     `json:"id"`
	AssetUID string    `json:"asset_uid"`
	DueAt    time.Time `json:"due_at"`
	State    string    `json:"state"`
}

// DB is the slice of pgx the store needs; Begin makes the tick transactional.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists duties and owns the expiry tick.
type Store struct {
	db  DB
	log *audit.Log
	now func() time.Time
}

func NewStore(db DB, log *audit.Log) *Store {
	return &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Add schedules a deletion duty afterDays from now.
func (s *Store) Add(ctx context.Context, assetUID string, afterDays int) (Record, error) {
	due := s.now().Add(time.Duration(afterDays) * 24 * time.Hour)
	return s.insert(ctx, assetUID, due)
}

// AddOverdue inserts an already-expired duty. Test and tooling hook only.
func (s *Store) AddOverdue(ctx context.Context, assetUID string) (Record, error) {
	return s.insert(ctx, assetUID, s.now().Add(-time.Hour))
}

func (s *Store) insert(ctx context.Context, assetUID string, due time.Time) (Record, error) {
	rec := Record{AssetUID: assetUID, DueAt: due, State: StateScheduled}
	err := s.db.QueryRow(ctx, `
		INSERT INTO duties (asset_uid, due_at, state)
		VALUES ($1, $2, $3)
		RETURNING id
	`, assetUID, due, StateScheduled).Scan(&rec.ID)
	if err != nil {
		return Record{}, errs.Storage("add duty", err)
	}
	return rec, nil
}

// Tick promotes every scheduled duty with due_at <= now to fulfilled and
// emits one Delete audit entry per promotion. Promotion and audit emission
// commit as one transaction: a crash cannot fulfil a duty without its trail,
// nor leave a trail for a duty that rolled back. With nothing due the tick
// writes nothing, so running it twice in a row is safe.
func (s *Store) Tick(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errs.Storage("duty tick begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, asset_uid FROM duties
		WHERE state=$1 AND due_at <= $2
		ORDER BY id ASC
		FOR UPDATE
	`, StateScheduled, now)
	if err != nil {
		return 0, errs.Storage("duty tick select", err)
	}
	type dueDuty struct {
		id       int64
		assetUID string
	}
	var due []dueDuty
	for rows.Next() {
		var d dueDuty
		if err := rows.Scan(&d.id, &d.assetUID); err != nil {
			rows.Close()
			return 0, errs.Storage("duty tick scan", err)
		}
		due = append(due, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.Storage("duty tick rows", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	if _, err := tx.Exec(ctx, `UPDATE duties SET state=$1 WHERE id = ANY($2)`, StateFulfilled, ids); err != nil {
		return 0, errs.Storage("duty tick update", err)
	}

	entries := make([]audit.Entry, 0, len(due))
	for _, d := range due {
		rc := models.RequestCtx{Action: "delete", Target: d.assetUID, Timestamp: now.UTC()}
		entry, err := s.log.AppendIn(ctx, tx, SchedulerPolicyUID, models.DecisionDelete, rc)
		if err != nil {
			return 0, err
		}
		entries = append(entries, entry)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errs.Storage("duty tick commit", err)
	}
	// Counted here, not in AppendIn: the records only exist once the
	// transaction commits.
	metrics.AuditAppends.WithLabelValues(string(models.DecisionDelete)).Add(float64(len(entries)))
	s.log.Notify(entries...)
	return len(due), nil
}

// CountOpen returns the number of duties still scheduled.
func (s *Store) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM duties WHERE state=$1`, StateScheduled).Scan(&n)
	if err != nil {
		return 0, errs.Storage("count open duties", err)
	}
	return n, nil
}

// MaxExpiry returns the latest due_at among scheduled duties, or nil when
// none remain.
func (s *Store) MaxExpiry(ctx context.Context) (*time.Time, error) {
	var max time.Time
	err := s.db.QueryRow(ctx, `
		SELECT due_at FROM duties WHERE state=$1 ORDER BY due_at DESC LIMIT 1
	`, StateScheduled).Scan(&max)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("max expiry", err)
	}
	max = max.UTC()
	return &max, nil
}
