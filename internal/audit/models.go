package audit

import "time"

// Event is an immutable, append-only audit log record for money-affecting
// actions (payment failures, refunds, forced session ends).
//
// Invariants:
// - Events are never updated or deleted.
// - Capture is best-effort; critical flows must not block on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event, if any;
	// engine-internal transitions (timeouts) leave it empty.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	StreamSessionID  string `json:"stream_session_id,omitempty" db:"stream_session_id"`
	BillingSessionID string `json:"billing_session_id,omitempty" db:"billing_session_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypePaymentFailure EventType = "payment_failure"
	EventTypeRefund         EventType = "refund"
	EventTypeSessionEnd     EventType = "session_end"
)
