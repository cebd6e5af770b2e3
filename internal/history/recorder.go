package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bidcall-platform/internal/billing"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyRecorded is returned by repositories when the idempotency
	// key already exists. The recorder treats it as success.
	ErrAlreadyRecorded = errors.New("settlement already recorded")

	ErrInvalidSettlement = errors.New("invalid settlement")
)

// Repository persists the archive. SaveCall writes the CallHistory row and
// its transactions in one atomic unit; both methods must fail with
// ErrAlreadyRecorded on a duplicate idempotency key.
type Repository interface {
	SaveCall(ctx context.Context, call CallHistory, txs []Transaction) error
	SaveTransactions(ctx context.Context, txs []Transaction) error
	CallsByUser(ctx context.Context, userID string) ([]CallHistory, error)
	TransactionsByUser(ctx context.Context, userID string) ([]Transaction, error)
}

// RetryQueue re-queues a settlement whose durable write failed. Delivery is
// at-least-once; the repository's idempotency keys absorb duplicates.
type RetryQueue interface {
	Publish(ctx context.Context, s billing.Settlement) error
}

// Recorder turns settlements into the append-only archive: CallHistory plus
// per-user transactions for completed calls, compensating transactions for
// failed and refunded ones.
//
// The charge has already happened by the time a settlement arrives, so a
// failed write is never dropped: it goes to the retry queue instead.
type Recorder struct {
	repo  Repository
	queue RetryQueue

	clock func() time.Time
	log   *slog.Logger
}

func NewRecorder(repo Repository, queue RetryQueue, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{repo: repo, queue: queue, clock: time.Now, log: log}
}

// RecordSettlement satisfies the billing coordinator's Recorder contract.
func (r *Recorder) RecordSettlement(ctx context.Context, s billing.Settlement) error {
	if err := r.Apply(ctx, s); err != nil {
		if r.queue == nil {
			return err
		}
		if qErr := r.queue.Publish(ctx, s); qErr != nil {
			return errors.Join(err, qErr)
		}
		r.log.Warn("settlement write deferred to retry queue", "billing_session_id", s.BillingSessionID, "err", err)
	}
	return nil
}

// Apply performs the durable write. Safe to call repeatedly with the same
// settlement; the retry consumer calls it directly.
func (r *Recorder) Apply(ctx context.Context, s billing.Settlement) error {
	if s.BillingSessionID == "" {
		return ErrInvalidSettlement
	}

	var err error
	switch s.Kind {
	case billing.SettlementCompleted:
		err = r.repo.SaveCall(ctx, r.buildCall(s), r.buildCallTransactions(s))
	case billing.SettlementFailed:
		err = r.repo.SaveTransactions(ctx, []Transaction{{
			ID:             uuid.NewString(),
			UserID:         s.ExplorerID,
			AmountMinor:    s.AmountMinor,
			Type:           TypeBidSpend,
			Status:         StatusFailed,
			ReferenceID:    s.BillingSessionID,
			IdempotencyKey: s.BillingSessionID + ":failed",
			CreatedAt:      r.clock().UTC(),
		}})
	case billing.SettlementRefunded:
		err = r.repo.SaveTransactions(ctx, []Transaction{{
			ID:             uuid.NewString(),
			UserID:         s.ExplorerID,
			AmountMinor:    s.AmountMinor,
			Type:           TypeRefund,
			Status:         StatusCompleted,
			ReferenceID:    s.BillingSessionID,
			IdempotencyKey: s.BillingSessionID + ":refund",
			CreatedAt:      r.clock().UTC(),
		}})
	default:
		return ErrInvalidSettlement
	}

	if errors.Is(err, ErrAlreadyRecorded) {
		return nil
	}
	if err == nil {
		r.log.Info("settlement recorded", "billing_session_id", s.BillingSessionID, "kind", s.Kind, "amount_minor", s.AmountMinor)
	}
	return err
}

// GetCallHistoryByUserID returns the calls a user took part in, either side.
func (r *Recorder) GetCallHistoryByUserID(ctx context.Context, userID string) ([]CallHistory, error) {
	return r.repo.CallsByUser(ctx, userID)
}

// GetTransactionsByUserID returns the user's transaction ledger.
func (r *Recorder) GetTransactionsByUserID(ctx context.Context, userID string) ([]Transaction, error) {
	return r.repo.TransactionsByUser(ctx, userID)
}

func (r *Recorder) buildCall(s billing.Settlement) CallHistory {
	gifts := make([]GiftRecord, 0, len(s.Gifts))
	for _, g := range s.Gifts {
		gifts = append(gifts, GiftRecord{
			GiftType:    g.GiftType,
			FromUserID:  g.FromUserID,
			AmountMinor: g.AmountMinor,
			SentAt:      g.SentAt,
		})
	}
	return CallHistory{
		ID:               uuid.NewString(),
		BillingSessionID: s.BillingSessionID,
		StreamSessionID:  s.StreamSessionID,
		InfluencerID:     s.InfluencerID,
		ExplorerID:       s.ExplorerID,
		StartTime:        s.StartedAt,
		EndTime:          s.EndedAt,
		DurationSeconds:  s.DurationSeconds,
		EarningsMinor:    s.AmountMinor + giftTotal(s.Gifts),
		EndReason:        s.Reason,
		Gifts:            gifts,
		CreatedAt:        r.clock().UTC(),
	}
}

func (r *Recorder) buildCallTransactions(s billing.Settlement) []Transaction {
	now := r.clock().UTC()
	txs := []Transaction{
		{
			ID:             uuid.NewString(),
			UserID:         s.ExplorerID,
			AmountMinor:    s.AmountMinor,
			Type:           TypeBidSpend,
			Status:         StatusCompleted,
			ReferenceID:    s.BillingSessionID,
			IdempotencyKey: s.BillingSessionID + ":spend",
			CreatedAt:      now,
		},
		{
			ID:             uuid.NewString(),
			UserID:         s.InfluencerID,
			AmountMinor:    s.AmountMinor,
			Type:           TypeCallEarning,
			Status:         StatusCompleted,
			ReferenceID:    s.BillingSessionID,
			IdempotencyKey: s.BillingSessionID + ":earning",
			CreatedAt:      now,
		},
	}
	for _, g := range s.Gifts {
		txs = append(txs,
			Transaction{
				ID:             uuid.NewString(),
				UserID:         g.FromUserID,
				AmountMinor:    g.AmountMinor,
				Type:           TypeGiftSent,
				Status:         StatusCompleted,
				ReferenceID:    g.ID,
				IdempotencyKey: g.ID + ":sent",
				CreatedAt:      now,
			},
			Transaction{
				ID:             uuid.NewString(),
				UserID:         g.ToUserID,
				AmountMinor:    g.AmountMinor,
				Type:           TypeGiftReceived,
				Status:         StatusCompleted,
				ReferenceID:    g.ID,
				IdempotencyKey: g.ID + ":received",
				CreatedAt:      now,
			},
		)
	}
	return txs
}

func giftTotal(gs []billing.Gift) int64 {
	var sum int64
	for _, g := range gs {
		sum += g.AmountMinor
	}
	return sum
}
