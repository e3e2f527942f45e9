package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mennes303/gdpr-art5-engine/pkg/errs"
)

type policyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Policies is keyed persistent storage for raw policy documents. Every write
// runs as a single statement inside Postgres' transactional WAL engine, so
// readers never observe partial updates.
type Policies struct {
	DB policyDB
}

func NewPolicies(db policyDB) *Policies { return &Policies{DB: db} }

// Create inserts a new policy and returns its assigned id.
func (p *Policies) Create(ctx context.Context, uid, body string) (int64, error) {
	var id int64
	err := p.DB.QueryRow(ctx, `
		INSERT INTO policies (uid, body, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		RETURNING id
	`, uid, body).Scan(&id)
	if err != nil {
		return 0, errs.Storage("create policy", err)
	}
	return id, nil
}

// Read returns the raw JSON body for one policy.
func (p *Policies) Read(ctx context.Context, id int64) (string, error) {
	var body string
	err := p.DB.QueryRow(ctx, `SELECT body FROM policies WHERE id=$1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", errs.Storage("read policy", err)
	}
	return body, nil
}

// Update replaces the body and bumps updated_at.
func (p *Policies) Update(ctx context.Context, id int64, body string) error {
	cmd, err := p.DB.Exec(ctx, `
		UPDATE policies SET body=$2, updated_at=now() WHERE id=$1
	`, id, body)
	if err != nil {
		return errs.Storage("update policy", err)
	}
	if cmd.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes one policy completely.
func (p *Policies) Delete(ctx context.Context, id int64) error {
	cmd, err := p.DB.Exec(ctx, `DELETE FROM policies WHERE id=$1`, id)
	if err != nil {
		return errs.Storage("delete policy", err)
	}
	if cmd.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Seed inserts a fixture policy under an explicit id without overwriting a
// pre-existing record, then keeps the id sequence ahead of seeded rows so
// later Creates cannot collide.
func (p *Policies) Seed(ctx context.Context, id int64, uid, body string) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO policies (id, uid, body, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO NOTHING
	`, id, uid, body)
	if err != nil {
		return errs.Storage("seed policy", err)
	}
	_, err = p.DB.Exec(ctx, `
		SELECT setval('policies_id_seq', (SELECT GREATEST(MAX(id), 1) FROM policies))
	`)
	if err != nil {
		return errs.Storage("seed policy sequence", err)
	}
	return nil
}
