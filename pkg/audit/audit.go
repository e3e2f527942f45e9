// Package audit implements the tamper-evident decision trail: an
// append-only, hash-chained sequence of Permit/Deny/Delete records.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mennes303/gdpr-art5-engine/pkg/errs"
	"github.com/Mennes303/gdpr-art5-engine/pkg/metrics"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
)

// DB is the slice of pgx the log needs. Satisfied by *pgxpool.Pool and by
// pgx.Tx, which lets the duty scheduler append inside its own transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is one committed audit record. Seq is the storage order; Chain links
// the record to its predecessor.
type Entry struct {
	Seq        int64             `json:"seq"`
	DecisionID string            `json:"decision_id"`
	Timestamp  time.Time         `json:"timestamp"`
	PolicyUID  string            `json:"policy_uid"`
	Decision   models.Decision   `json:"decision"`
	Ctx        models.RequestCtx `json:"ctx"`
	Digest     string            `json:"digest"`
	Chain      string            `json:"chain"`
}

// Log appends records to the audit_records table. The mutex serializes the
// read-tail + append critical section: without it two writers could chain
// off the same predecessor and fork the total order.
type Log struct {
	db       DB
	mu       sync.Mutex
	now      func() time.Time
	onAppend func(Entry)
}

type Option func(*Log)

// WithOnAppend registers a hook invoked after each committed record, used to
// fan out live audit events. Must not block.
func WithOnAppend(fn func(Entry)) Option {
	return func(l *Log) { l.onAppend = fn }
}

func withNow(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func New(db DB, opts ...Option) *Log {
	l := &Log{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes one record for the given decision against the log's own DB.
func (l *Log) Append(ctx context.Context, policyUID string, decision models.Decision, rc models.RequestCtx) (Entry, error) {
	entry, err := l.AppendIn(ctx, l.db, policyUID, decision, rc)
	if err != nil {
		return entry, err
	}
	metrics.AuditAppends.WithLabelValues(string(decision)).Inc()
	if l.onAppend != nil {
		l.onAppend(entry)
	}
	return entry, nil
}

// Notify fires the append hook for records committed through AppendIn, after
// their enclosing transaction has committed.
func (l *Log) Notify(entries ...Entry) {
	if l.onAppend == nil {
		return
	}
	for _, e := range entries {
		l.onAppend(e)
	}
}

// AppendIn writes one record through q, which may be a transaction. The
// critical section still spans read-tail and insert so concurrent appends
// through different handles cannot diverge.
func (l *Log) AppendIn(ctx context.Context, q DB, policyUID string, decision models.Decision, rc models.RequestCtx) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := rc.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	entry := Entry{
		DecisionID: uuid.New().String(),
		// Postgres keeps microseconds, so drop the nanoseconds up front or
		// the digest would stop matching after a storage round trip.
		Timestamp: ts.UTC().Truncate(time.Microsecond),
		PolicyUID: policyUID,
		Decision:  decision,
		Ctx:       rc,
	}
	digest, err := EntryDigest(entry)
	if err != nil {
		return Entry{}, errs.Storage("audit digest", err)
	}
	entry.Digest = digest

	prev, err := tailChain(ctx, q)
	if err != nil {
		return Entry{}, errs.Storage("audit tail", err)
	}
	entry.Chain = models.ChainHex(prev, entry.Digest)

	err = q.QueryRow(ctx, `
		INSERT INTO audit_records
			(decision_id, ts, policy_uid, decision, action, target, purpose, role, location, digest, chain)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`, entry.DecisionID, entry.Timestamp, entry.PolicyUID, string(entry.Decision),
		rc.Action, rc.Target, rc.Purpose, rc.Role, rc.Location,
		entry.Digest, entry.Chain).Scan(&entry.Seq)
	if err != nil {
		return Entry{}, errs.Storage("audit append", err)
	}
	return entry, nil
}

// FullAudit returns every record in write order.
func (l *Log) FullAudit(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, decision_id, ts, policy_uid, decision, action, target, purpose, role, location, digest, chain
		FROM audit_records
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, errs.Storage("audit query", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var decision string
		if err := rows.Scan(&e.Seq, &e.DecisionID, &e.Timestamp, &e.PolicyUID, &decision,
			&e.Ctx.Action, &e.Ctx.Target, &e.Ctx.Purpose, &e.Ctx.Role, &e.Ctx.Location,
			&e.Digest, &e.Chain); err != nil {
			return nil, errs.Storage("audit scan", err)
		}
		e.Decision = models.Decision(decision)
		e.Ctx.Timestamp = e.Timestamp
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("audit rows", err)
	}
	return out, nil
}

// Verify recomputes the chain from genesis and returns the number of intact
// records, or an IntegrityError at the first record that breaks it.
func (l *Log) Verify(ctx context.Context) (int, error) {
	entries, err := l.FullAudit(ctx)
	if err != nil {
		return 0, err
	}
	return VerifyEntries(entries)
}

// VerifyEntries recomputes each record's digest from its body and the chain
// link to its predecessor, without touching storage. It is also used by the
// CLI against records fetched over HTTP.
func VerifyEntries(entries []Entry) (int, error) {
	prev := ""
	for _, e := range entries {
		digest, err := EntryDigest(e)
		if err != nil {
			return 0, &errs.IntegrityError{Seq: e.Seq, Msg: "digest recompute failed"}
		}
		if e.Digest != digest {
			return 0, &errs.IntegrityError{Seq: e.Seq, Msg: "digest mismatch"}
		}
		if e.Chain != models.ChainHex(prev, e.Digest) {
			return 0, &errs.IntegrityError{Seq: e.Seq, Msg: "chain mismatch"}
		}
		prev = e.Chain
	}
	return len(entries), nil
}

func tailChain(ctx context.Context, q DB) (string, error) {
	var chain string
	err := q.QueryRow(ctx, `SELECT chain FROM audit_records ORDER BY id DESC LIMIT 1`).Scan(&chain)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil // genesis
	}
	if err != nil {
		return "", err
	}
	return chain, nil
}

// EntryDigest hashes the record's substantive fields in canonical JSON form.
// Seq and Chain are excluded: the former is assigned by storage, the latter
// derives from the digest itself. The timestamp is rendered in UTC so the
// digest is stable no matter which zone a scanned timestamptz carries.
func EntryDigest(e Entry) (string, error) {
	body := map[string]interface{}{
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"policy_uid": e.PolicyUID,
		"decision":   string(e.Decision),
		"action":     e.Ctx.Action,
		"target":     e.Ctx.Target,
		"purpose":    e.Ctx.Purpose,
		"role":       e.Ctx.Role,
		"location":   e.Ctx.Location,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	canonical, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return models.DigestHex(canonical), nil
}
