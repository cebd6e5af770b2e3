package session

import "time"

// StreamSession is the lifecycle object for one creator's live call slot.
//
// Invariants:
// - CurrentExplorerID set ⇒ Status == StatusLive.
// - At most one non-terminal session per influencer (registry check plus the
//   redis live-slot guard across processes).
// - Mutations go through the Registry only; everything else reads snapshots.
type StreamSession struct {
	ID           string `json:"id" db:"id"`
	InfluencerID string `json:"influencer_id" db:"influencer_id"`

	// CurrentExplorerID is empty until an accepted viewer joins.
	CurrentExplorerID string `json:"current_explorer_id,omitempty" db:"current_explorer_id"`

	// AwaitingExplorerID is set between bid acceptance and the viewer's join.
	AwaitingExplorerID string `json:"awaiting_explorer_id,omitempty" db:"awaiting_explorer_id"`

	// BillingSessionID links the active billing cycle once a bid is accepted.
	BillingSessionID string `json:"billing_session_id,omitempty" db:"billing_session_id"`

	Status    Status `json:"status" db:"status"`
	AllowBids bool   `json:"allow_bids" db:"allow_bids"`

	// PerMinuteRateMinor is the metered rate in minor units; 0 means flat
	// admission only.
	PerMinuteRateMinor int64 `json:"per_minute_rate_minor" db:"per_minute_rate_minor"`

	StartTime time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty" db:"end_time"`

	EndReason EndReason `json:"end_reason,omitempty" db:"end_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Status string

const (
	StatusPending Status = "pending"
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
)

type EndReason string

const (
	EndReasonCompleted    EndReason = "completed"
	EndReasonDisconnected EndReason = "disconnected"
	EndReasonCancelled    EndReason = "cancelled"
)
