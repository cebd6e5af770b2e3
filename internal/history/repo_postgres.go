package history

import (
	"context"
	"database/sql"
	"encoding/json"

	"bidcall-platform/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - call_history     (write-once, UNIQUE (billing_session_id))
// - transactions     (immutable append-only, UNIQUE (idempotency_key))

// PostgresRepo is the durable Repository backing the settlement archive.
type PostgresRepo struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) SaveCall(ctx context.Context, call CallHistory, txs []Transaction) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		gifts, err := json.Marshal(call.Gifts)
		if err != nil {
			return err
		}
		const q = `
INSERT INTO call_history
  (id, billing_session_id, stream_session_id, influencer_id, explorer_id,
   start_time, end_time, duration_seconds, earnings_minor, end_reason, gifts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (billing_session_id) DO NOTHING
`
		res, err := tx.ExecContext(ctx, q,
			call.ID, call.BillingSessionID, call.StreamSessionID,
			call.InfluencerID, call.ExplorerID,
			call.StartTime, call.EndTime, call.DurationSeconds,
			call.EarningsMinor, call.EndReason, gifts, call.CreatedAt,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrAlreadyRecorded
		}
		return insertTransactions(ctx, tx, txs)
	})
}

func (r *PostgresRepo) SaveTransactions(ctx context.Context, txs []Transaction) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return insertTransactions(ctx, tx, txs)
	})
}

func insertTransactions(ctx context.Context, tx *sql.Tx, txs []Transaction) error {
	const q = `
INSERT INTO transactions
  (id, user_id, amount_minor, type, status, reference_id, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (idempotency_key) DO NOTHING
`
	var inserted int64
	for _, t := range txs {
		res, err := tx.ExecContext(ctx, q,
			t.ID, t.UserID, t.AmountMinor, t.Type, t.Status,
			t.ReferenceID, t.IdempotencyKey, t.CreatedAt,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if inserted == 0 && len(txs) > 0 {
		return ErrAlreadyRecorded
	}
	return nil
}

func (r *PostgresRepo) CallsByUser(ctx context.Context, userID string) ([]CallHistory, error) {
	const q = `
SELECT id, billing_session_id, stream_session_id, influencer_id, explorer_id,
       start_time, end_time, duration_seconds, earnings_minor, end_reason, gifts, created_at
FROM call_history
WHERE influencer_id = $1 OR explorer_id = $1
ORDER BY start_time DESC
`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallHistory
	for rows.Next() {
		var c CallHistory
		var gifts []byte
		if err := rows.Scan(
			&c.ID, &c.BillingSessionID, &c.StreamSessionID,
			&c.InfluencerID, &c.ExplorerID,
			&c.StartTime, &c.EndTime, &c.DurationSeconds,
			&c.EarningsMinor, &c.EndReason, &gifts, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(gifts) > 0 {
			if err := json.Unmarshal(gifts, &c.Gifts); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) TransactionsByUser(ctx context.Context, userID string) ([]Transaction, error) {
	const q = `
SELECT id, user_id, amount_minor, type, status, reference_id, idempotency_key, created_at
FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC
`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.AmountMinor, &t.Type, &t.Status,
			&t.ReferenceID, &t.IdempotencyKey, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
