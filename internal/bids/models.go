package bids

import "time"

// Bid is an offer by a viewer to pay AmountMinor for the next call slot.
//
// Status transitions are owned by the resolution engine and the ledger; no
// other component writes bids. Within a session at most one bid is accepted
// at any time, and that transition is atomic with the rejection of every
// other active bid.
type Bid struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	BidderID  string `json:"bidder_id" db:"bidder_id"`

	// AmountMinor is the admission offer in minor units (cents).
	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	PlacedAt time.Time `json:"placed_at" db:"placed_at"`

	Status Status `json:"status" db:"status"`

	// RejectReason is set for rejected bids ("session resolved", creator
	// rejection, ...).
	RejectReason string `json:"reject_reason,omitempty" db:"reject_reason"`
}

type Status string

const (
	StatusActive   Status = "active"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusOutbid   Status = "outbid"
	StatusExpired  Status = "expired"
)
