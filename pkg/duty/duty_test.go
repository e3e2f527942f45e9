package duty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/metrics"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
)

type dutyRow struct {
	id       int64
	assetUID string
	dueAt    time.Time
	state    string
}

type auditRow struct {
	id        int64
	target    string
	decision  string
	policyUID string
	chain     string
}

// fakeDutyDB backs both the duty table and the audit table. Tick writes go
// through a staging transaction so a rollback leaves the parent untouched.
type fakeDutyDB struct {
	mu          sync.Mutex
	duties      []dutyRow
	audits      []auditRow
	nextDutyID  int64
	nextAuditID int64
	beginErr    error
	txInsertErr error
	lastTx      *fakeDutyTx
}

func (f *fakeDutyDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeDutyDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query on pool")
}

func (f *fakeDutyDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO duties"):
		f.nextDutyID++
		f.duties = append(f.duties, dutyRow{
			id:       f.nextDutyID,
			assetUID: args[0].(string),
			dueAt:    args[1].(time.Time),
			state:    args[2].(string),
		})
		return valueRow{values: []any{f.nextDutyID}}
	case strings.Contains(sql, "SELECT COUNT"):
		n := 0
		for _, d := range f.duties {
			if d.state == args[0].(string) {
				n++
			}
		}
		return valueRow{values: []any{n}}
	case strings.Contains(sql, "ORDER BY due_at DESC"):
		var max *time.Time
		for i, d := range f.duties {
			if d.state != args[0].(string) {
				continue
			}
			if max == nil || d.dueAt.After(*max) {
				max = &f.duties[i].dueAt
			}
		}
		if max == nil {
			return valueRow{err: pgx.ErrNoRows}
		}
		return valueRow{values: []any{*max}}
	default:
		return valueRow{err: fmt.Errorf("unexpected query: %s", sql)}
	}
}

func (f *fakeDutyDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTx = &fakeDutyTx{parent: f, stagedStates: map[int64]string{}, insertErr: f.txInsertErr}
	return f.lastTx, nil
}

type fakeDutyTx struct {
	parent       *fakeDutyDB
	stagedStates map[int64]string
	stagedAudits []auditRow
	insertErr    error
	committed    bool
	rolledBack   bool
}

func (t *fakeDutyTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeDutyTx) Commit(ctx context.Context) error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	for id, state := range t.stagedStates {
		for i := range t.parent.duties {
			if t.parent.duties[i].id == id {
				t.parent.duties[i].state = state
			}
		}
	}
	t.parent.audits = append(t.parent.audits, t.stagedAudits...)
	t.committed = true
	return nil
}

func (t *fakeDutyTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeDutyTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "UPDATE duties") {
		state := args[0].(string)
		for _, id := range args[1].([]int64) {
			t.stagedStates[id] = state
		}
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", len(t.stagedStates))), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (t *fakeDutyTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if !strings.Contains(sql, "FOR UPDATE") {
		return nil, fmt.Errorf("unexpected query: %s", sql)
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	state := args[0].(string)
	now := args[1].(time.Time)
	var rows [][]any
	for _, d := range t.parent.duties {
		if d.state == state && !d.dueAt.After(now) {
			rows = append(rows, []any{d.id, d.assetUID})
		}
	}
	return &valueRows{rows: rows, idx: -1}, nil
}

func (t *fakeDutyTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	switch {
	case strings.Contains(sql, "ORDER BY id DESC"):
		if n := len(t.stagedAudits); n > 0 {
			return valueRow{values: []any{t.stagedAudits[n-1].chain}}
		}
		if n := len(t.parent.audits); n > 0 {
			return valueRow{values: []any{t.parent.audits[n-1].chain}}
		}
		return valueRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "INSERT INTO audit_records"):
		if t.insertErr != nil {
			return valueRow{err: t.insertErr}
		}
		t.parent.nextAuditID++
		t.stagedAudits = append(t.stagedAudits, auditRow{
			id:        t.parent.nextAuditID,
			policyUID: args[2].(string),
			decision:  args[3].(string),
			target:    args[5].(string),
			chain:     args[10].(string),
		})
		return valueRow{values: []any{t.parent.nextAuditID}}
	default:
		return valueRow{err: fmt.Errorf("unexpected query: %s", sql)}
	}
}

func (t *fakeDutyTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeDutyTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeDutyTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeDutyTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeDutyTx) Conn() *pgx.Conn { return nil }

type valueRow struct {
	values []any
	err    error
}

func (r valueRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int64:
			*d = r.values[i].(int64)
		case *int:
			*d = r.values[i].(int)
		case *string:
			*d = r.values[i].(string)
		case *time.Time:
			*d = r.values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

type valueRows struct {
	rows [][]any
	idx  int
}

func (r *valueRows) Close()                                       {}
func (r *valueRows) Err() error                                   { return nil }
func (r *valueRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *valueRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *valueRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}
func (r *valueRows) Scan(dest ...any) error {
	return valueRow{values: r.rows[r.idx]}.Scan(dest...)
}
func (r *valueRows) Values() ([]any, error) { return nil, errors.New("not implemented") }
func (r *valueRows) RawValues() [][]byte    { return nil }
func (r *valueRows) Conn() *pgx.Conn        { return nil }

func newTestStore(db *fakeDutyDB, hook func(audit.Entry)) *Store {
	opts := []audit.Option{}
	if hook != nil {
		opts = append(opts, audit.WithOnAppend(hook))
	}
	s := NewStore(db, audit.New(db, opts...))
	s.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestAddSchedulesDuty(t *testing.T) {
	db := &fakeDutyDB{}
	s := newTestStore(db, nil)

	rec, err := s.Add(context.Background(), "urn:data:orders", 30)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if rec.ID != 1 || rec.State != StateScheduled {
		t.Fatalf("unexpected record: %+v", rec)
	}
	wantDue := s.now().Add(30 * 24 * time.Hour)
	if !rec.DueAt.Equal(wantDue) {
		t.Fatalf("due at: got %v want %v", rec.DueAt, wantDue)
	}
	if len(db.duties) != 1 || db.duties[0].state != StateScheduled {
		t.Fatalf("duty not persisted: %+v", db.duties)
	}
}

func TestTickPromotesDueDuties(t *testing.T) {
	db := &fakeDutyDB{}
	var fired []audit.Entry
	s := newTestStore(db, func(e audit.Entry) { fired = append(fired, e) })

	now := s.now()
	if _, err := s.AddOverdue(context.Background(), "urn:data:a"); err != nil {
		t.Fatalf("add overdue: %v", err)
	}
	if _, err := s.AddOverdue(context.Background(), "urn:data:b"); err != nil {
		t.Fatalf("add overdue: %v", err)
	}
	if _, err := s.Add(context.Background(), "urn:data:future", 30); err != nil {
		t.Fatalf("add: %v", err)
	}

	deleteAppends := testutil.ToFloat64(metrics.AuditAppends.WithLabelValues(string(models.DecisionDelete)))
	n, err := s.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 fulfilled, got %d", n)
	}
	states := map[string]string{}
	for _, d := range db.duties {
		states[d.assetUID] = d.state
	}
	if states["urn:data:a"] != StateFulfilled || states["urn:data:b"] != StateFulfilled {
		t.Fatalf("due duties not fulfilled: %v", states)
	}
	if states["urn:data:future"] != StateScheduled {
		t.Fatal("future duty must stay scheduled")
	}

	if len(db.audits) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(db.audits))
	}
	for _, a := range db.audits {
		if a.decision != string(models.DecisionDelete) || a.policyUID != SchedulerPolicyUID {
			t.Fatalf("unexpected audit record: %+v", a)
		}
	}
	if !db.lastTx.committed {
		t.Fatal("tick must commit")
	}

	// Hook fires only after commit, once per promoted duty.
	if len(fired) != 2 {
		t.Fatalf("expected 2 hook events, got %d", len(fired))
	}

	// Delete records count toward the audit append metric.
	got := testutil.ToFloat64(metrics.AuditAppends.WithLabelValues(string(models.DecisionDelete)))
	if got != deleteAppends+2 {
		t.Fatalf("expected 2 counted Delete appends, got %v", got-deleteAppends)
	}
}

func TestTickIdempotentWhenNothingDue(t *testing.T) {
	db := &fakeDutyDB{}
	s := newTestStore(db, nil)
	if _, err := s.Add(context.Background(), "urn:data:future", 30); err != nil {
		t.Fatalf("add: %v", err)
	}

	for i := 0; i < 2; i++ {
		n, err := s.Tick(context.Background(), s.now())
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if n != 0 {
			t.Fatalf("tick %d: expected 0 fulfilled, got %d", i, n)
		}
	}
	if len(db.audits) != 0 {
		t.Fatal("empty tick must write no audit records")
	}
	if db.lastTx.committed {
		t.Fatal("empty tick must not commit writes")
	}
}

func TestTickRollsBackWhenAuditFails(t *testing.T) {
	db := &fakeDutyDB{}
	fired := 0
	s := newTestStore(db, func(audit.Entry) { fired++ })
	if _, err := s.AddOverdue(context.Background(), "urn:data:a"); err != nil {
		t.Fatalf("add overdue: %v", err)
	}

	db.txInsertErr = errors.New("audit insert failed")

	if _, err := s.Tick(context.Background(), s.now()); err == nil {
		t.Fatal("expected tick error when audit append fails")
	}
	if !db.lastTx.rolledBack {
		t.Fatal("failed tick must roll back")
	}
	for _, d := range db.duties {
		if d.state != StateScheduled {
			t.Fatal("rollback must leave duty states unchanged")
		}
	}
	if len(db.audits) != 0 {
		t.Fatal("rolled-back audit records must not persist")
	}
	if fired != 0 {
		t.Fatal("hook must not fire for a rolled-back tick")
	}
}

func TestCountOpenAndMaxExpiry(t *testing.T) {
	db := &fakeDutyDB{}
	s := newTestStore(db, nil)

	if n, err := s.CountOpen(context.Background()); err != nil || n != 0 {
		t.Fatalf("count open empty: n=%d err=%v", n, err)
	}
	if max, err := s.MaxExpiry(context.Background()); err != nil || max != nil {
		t.Fatalf("max expiry empty: %v %v", max, err)
	}

	if _, err := s.Add(context.Background(), "urn:data:a", 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Add(context.Background(), "urn:data:b", 90); err != nil {
		t.Fatalf("add: %v", err)
	}

	if n, err := s.CountOpen(context.Background()); err != nil || n != 2 {
		t.Fatalf("count open: n=%d err=%v", n, err)
	}
	max, err := s.MaxExpiry(context.Background())
	if err != nil || max == nil {
		t.Fatalf("max expiry: %v %v", max, err)
	}
	want := s.now().Add(90 * 24 * time.Hour)
	if !max.Equal(want) {
		t.Fatalf("max expiry: got %v want %v", max, want)
	}
}

func TestTickBeginError(t *testing.T) {
	db := &fakeDutyDB{beginErr: errors.New("pool exhausted")}
	s := newTestStore(db, nil)
	if _, err := s.Tick(context.Background(), s.now()); err == nil {
		t.Fatal("expected begin error to surface")
	}
}
