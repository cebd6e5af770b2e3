package gateway

import (
	"context"
	"errors"
	"log/slog"

	"bidcall-platform/internal/bids"
	"bidcall-platform/internal/billing"
	"bidcall-platform/internal/events"
	"bidcall-platform/internal/rbac"
	"bidcall-platform/internal/resolve"
	"bidcall-platform/internal/session"
)

// Intent is the inbound client envelope.
type Intent struct {
	Action string `json:"action"`

	SessionID   string `json:"session_id,omitempty"`
	BidID       string `json:"bid_id,omitempty"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	GiftType    string `json:"gift_type,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

const (
	ActionPlaceBid     = "place_bid"
	ActionAcceptBid    = "accept_bid"
	ActionRejectBid    = "reject_bid"
	ActionJoinStream   = "join_stream"
	ActionLeaveSession = "leave_session"
	ActionSendGift     = "send_gift"
)

// Gateway translates client intents into engine operations and engine
// errors into typed Error events for the originating client. Success
// notifications flow back through the hub from inside the operations
// themselves; Dispatch never double-sends them.
type Gateway struct {
	hub      *Hub
	ledger   *bids.Ledger
	engine   *resolve.Engine
	registry *session.Registry
	billing  *billing.Coordinator

	log *slog.Logger
}

func New(hub *Hub, ledger *bids.Ledger, engine *resolve.Engine, registry *session.Registry, coordinator *billing.Coordinator, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		hub:      hub,
		ledger:   ledger,
		engine:   engine,
		registry: registry,
		billing:  coordinator,
		log:      log,
	}
}

// Dispatch executes one intent for an authenticated user. Errors are
// answered on the user's own connections as Error events, not returned:
// the websocket has no request/response pairing to carry them.
func (g *Gateway) Dispatch(ctx context.Context, userID, role string, in Intent) {
	var err error
	switch in.Action {
	case ActionPlaceBid:
		err = g.requireRole(role, rbac.RoleExplorer)
		if err == nil {
			_, err = g.ledger.PlaceBid(ctx, in.SessionID, userID, in.AmountMinor)
		}
	case ActionAcceptBid:
		err = g.requireRole(role, rbac.RoleInfluencer)
		if err == nil {
			_, err = g.engine.AcceptBid(ctx, userID, in.BidID)
		}
	case ActionRejectBid:
		err = g.requireRole(role, rbac.RoleInfluencer)
		if err == nil {
			err = g.engine.RejectBid(ctx, userID, in.BidID, in.Reason)
		}
	case ActionJoinStream:
		err = g.requireRole(role, rbac.RoleExplorer)
		if err == nil {
			_, err = g.registry.MarkViewerJoined(ctx, in.SessionID, userID)
		}
	case ActionLeaveSession:
		err = g.leaveSession(ctx, userID, in.SessionID)
	case ActionSendGift:
		err = g.requireRole(role, rbac.RoleExplorer)
		if err == nil {
			_, err = g.billing.RecordGift(ctx, in.SessionID, userID, in.GiftType)
		}
	default:
		err = errUnknownAction
	}

	if err != nil {
		g.log.Debug("intent failed", "action", in.Action, "user_id", userID, "err", err)
		g.hub.EmitTo([]string{userID}, events.Event{
			Type:      events.TypeError,
			SessionID: in.SessionID,
			Payload:   events.ErrorPayload{Code: errorCode(err), Message: err.Error()},
		})
	}
}

// leaveSession ends the call cycle when a participant leaves deliberately.
func (g *Gateway) leaveSession(ctx context.Context, userID, sessionID string) error {
	sess, ok := g.registry.Snapshot(sessionID)
	if !ok {
		return session.ErrNotFound
	}
	if sess.InfluencerID != userID && sess.CurrentExplorerID != userID && sess.AwaitingExplorerID != userID {
		return errNotParticipant
	}
	if _, err := g.billing.EndCall(ctx, sessionID, billing.EndReasonCompleted); err != nil {
		return err
	}
	g.ledger.ExpireSession(sessionID)
	return nil
}

// HandleDisconnect is invoked when a user's last connection drops.
func (g *Gateway) HandleDisconnect(userID string) {
	g.registry.NotifyDisconnect(userID)
}

// HandleReconnect is invoked when a user's first connection comes up.
func (g *Gateway) HandleReconnect(userID string) {
	g.registry.NotifyReconnect(userID)
}

func (g *Gateway) requireRole(role, want string) error {
	if role == want || rbac.IsAdmin(role) {
		return nil
	}
	return errForbidden
}

var (
	errUnknownAction  = errors.New("unknown action")
	errForbidden      = errors.New("role not allowed for action")
	errNotParticipant = errors.New("not a participant of this session")
)

// errorCode maps engine errors onto stable codes clients can branch on.
func errorCode(err error) string {
	var pe *billing.PaymentError
	switch {
	case errors.As(err, &pe):
		if pe.Declined {
			return "payment_declined"
		}
		return "payment_failed"
	case errors.Is(err, bids.ErrAmountTooLow):
		return "amount_too_low"
	case errors.Is(err, bids.ErrBiddingClosed):
		return "bidding_closed"
	case errors.Is(err, bids.ErrOwnSession):
		return "own_session"
	case errors.Is(err, bids.ErrBidNotFound):
		return "bid_not_found"
	case errors.Is(err, bids.ErrSessionNotFound), errors.Is(err, session.ErrNotFound):
		return "session_not_found"
	case errors.Is(err, resolve.ErrBidAlreadyResolved):
		return "bid_already_resolved"
	case errors.Is(err, resolve.ErrNotOwner), errors.Is(err, errForbidden), errors.Is(err, errNotParticipant):
		return "forbidden"
	case errors.Is(err, resolve.ErrSessionNotPending):
		return "session_not_pending"
	case errors.Is(err, session.ErrAlreadyOccupied):
		return "already_occupied"
	case errors.Is(err, session.ErrNotJoinable):
		return "not_joinable"
	case errors.Is(err, billing.ErrSessionNotLive):
		return "session_not_live"
	case errors.Is(err, billing.ErrUnknownGift):
		return "unknown_gift"
	case errors.Is(err, errUnknownAction):
		return "unknown_action"
	default:
		return "invalid_request"
	}
}
