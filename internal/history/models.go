package history

import "time"

// Transaction is one append-only money movement from a user's point of view.
// Rows are never updated; corrections are compensating rows.
type Transaction struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	Type   TransactionType   `json:"type" db:"type"`
	Status TransactionStatus `json:"status" db:"status"`

	// ReferenceID points at the causing record (billing session or gift id).
	ReferenceID string `json:"reference_id" db:"reference_id"`

	// IdempotencyKey dedupes retried writes; unique per logical movement.
	IdempotencyKey string `json:"-" db:"idempotency_key"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type TransactionType string

const (
	TypeBidSpend     TransactionType = "bid_spend"
	TypeCallEarning  TransactionType = "call_earning"
	TypeGiftSent     TransactionType = "gift_sent"
	TypeGiftReceived TransactionType = "gift_received"
	TypeRefund       TransactionType = "refund"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// CallHistory is the write-once archive row for a settled call, keyed by the
// billing session id so redelivered settlements collapse into one row.
type CallHistory struct {
	ID               string `json:"id" db:"id"`
	BillingSessionID string `json:"billing_session_id" db:"billing_session_id"`
	StreamSessionID  string `json:"stream_session_id" db:"stream_session_id"`

	InfluencerID string `json:"influencer_id" db:"influencer_id"`
	ExplorerID   string `json:"explorer_id" db:"explorer_id"`

	StartTime       time.Time `json:"start_time" db:"start_time"`
	EndTime         time.Time `json:"end_time" db:"end_time"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`

	EarningsMinor int64 `json:"earnings_minor" db:"earnings_minor"`

	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	Gifts []GiftRecord `json:"gifts,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GiftRecord is the archived form of a gift sent during the call.
type GiftRecord struct {
	GiftType    string    `json:"gift_type"`
	FromUserID  string    `json:"from_user_id"`
	AmountMinor int64     `json:"amount_minor"`
	SentAt      time.Time `json:"sent_at"`
}
