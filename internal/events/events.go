package events

// Outbound event catalog pushed to connected clients.
//
// Delivery contract: at-least-once per addressed user, in the order the
// causing operations committed within a session. Receivers must tolerate
// duplicates (notably BidAccepted).

type Type string

const (
	TypeNewBid       Type = "NewBid"
	TypeOutbid       Type = "Outbid"
	TypeBidAccepted  Type = "BidAccepted"
	TypeBidRejected  Type = "BidRejected"
	TypeStreamJoined Type = "StreamJoined"
	TypeSessionEnded Type = "SessionEnded"
	TypeGiftReceived Type = "GiftReceived"
	TypeError        Type = "Error"
)

type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type NewBidPayload struct {
	BidID       string `json:"bid_id"`
	BidderID    string `json:"bidder_id"`
	AmountMinor int64  `json:"amount_minor"`
}

type OutbidPayload struct {
	PreviousBidderID string `json:"previous_bidder_id"`
	NewHighestMinor  int64  `json:"new_highest_minor"`
}

type BidAcceptedPayload struct {
	BidID       string `json:"bid_id"`
	BidderID    string `json:"bidder_id"`
	AmountMinor int64  `json:"amount_minor"`
}

type BidRejectedPayload struct {
	BidID    string `json:"bid_id"`
	BidderID string `json:"bidder_id"`
	Reason   string `json:"reason"`
}

type StreamJoinedPayload struct {
	UserID  string `json:"user_id"`
	Success bool   `json:"success"`
}

type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

type GiftReceivedPayload struct {
	FromUserID  string `json:"from_user_id"`
	GiftType    string `json:"gift_type"`
	AmountMinor int64  `json:"amount_minor"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Emitter fans an event out to each addressed user's live connections.
// Implementations must be safe to call while a session's critical section is
// held: enqueue only, never block on the network.
type Emitter interface {
	EmitTo(userIDs []string, ev Event)
}

// NopEmitter discards events. Useful in tests that don't assert on fan-out.
type NopEmitter struct{}

func (NopEmitter) EmitTo([]string, Event) {}
