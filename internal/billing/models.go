package billing

import "time"

// BillingSession is the payment/accrual lifecycle for one accepted bid's call.
//
// Money invariants:
// - AccruedMinor is non-decreasing while Status == StatusActive.
// - Exactly one BillingSession may be active per stream session.
// - Once completed/refunded the record is immutable except audit fields;
//   settlement is produced exactly once, keyed by the billing session id.
type BillingSession struct {
	ID              string `json:"id" db:"id"`
	StreamSessionID string `json:"stream_session_id" db:"stream_session_id"`
	BidID           string `json:"bid_id" db:"bid_id"`

	ExplorerID   string `json:"explorer_id" db:"explorer_id"`     // payer
	InfluencerID string `json:"influencer_id" db:"influencer_id"` // payee

	// BidAmountMinor is the flat admission charge in minor units.
	BidAmountMinor int64 `json:"bid_amount_minor" db:"bid_amount_minor"`

	// PerMinuteRateMinor is the metered rate; 0 means flat admission only.
	PerMinuteRateMinor int64 `json:"per_minute_rate_minor" db:"per_minute_rate_minor"`

	Status Status `json:"status" db:"status"`

	StartedAt time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// AccruedMinor is the running call cost: bid amount plus rate × started
	// minutes, recomputed on a fixed tick and frozen by StopAccrual.
	AccruedMinor int64 `json:"accrued_minor" db:"accrued_minor"`

	EndReason EndReason `json:"end_reason,omitempty" db:"end_reason"`

	// PaymentRef is the external payment collaborator's reference
	// (e.g. a Stripe PaymentIntent id).
	PaymentRef string `json:"payment_ref,omitempty" db:"payment_ref"`

	Gifts []Gift `json:"gifts,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Status string

const (
	StatusAuthorizing Status = "authorizing"
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRefunded    Status = "refunded"
)

type EndReason string

const (
	EndReasonCompleted    EndReason = "completed"
	EndReasonDisconnected EndReason = "disconnected"
	EndReasonCancelled    EndReason = "cancelled"
)

// Gift is a one-off payment sent during a live call. Gifts are settled with
// the call, not accrued into the metered cost.
type Gift struct {
	ID          string    `json:"id" db:"id"`
	GiftType    string    `json:"gift_type" db:"gift_type"`
	FromUserID  string    `json:"from_user_id" db:"from_user_id"`
	ToUserID    string    `json:"to_user_id" db:"to_user_id"`
	AmountMinor int64     `json:"amount_minor" db:"amount_minor"`
	SentAt      time.Time `json:"sent_at" db:"sent_at"`
}
