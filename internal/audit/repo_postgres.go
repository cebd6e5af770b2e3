package audit

import (
	"context"
	"database/sql"
)

// NOTE: This repository assumes an append-only audit_events table exists.
// No Update/Delete statements are written here by contract.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events
  (id, type, actor_user_id, actor_role, stream_session_id, billing_session_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.Type, e.ActorUserID, e.ActorRole,
		e.StreamSessionID, e.BillingSessionID,
		e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}
