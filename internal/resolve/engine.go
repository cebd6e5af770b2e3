package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bidcall-platform/internal/bids"
	"bidcall-platform/internal/billing"
	"bidcall-platform/internal/events"
	"bidcall-platform/internal/session"
	"bidcall-platform/pkg/utils"
)

var (
	ErrNotOwner           = errors.New("only the session's influencer can resolve bids")
	ErrBidAlreadyResolved = errors.New("bid already resolved or resolution in flight")
	ErrSessionNotPending  = errors.New("session not accepting resolutions")
)

const rejectReasonAnotherAccepted = "another bid was accepted"

// Biller opens the billing session for an accepted bid. Implemented by the
// billing coordinator; a fake stands in for it in tests.
type Biller interface {
	Authorize(ctx context.Context, bid bids.Bid, influencerID string, rateMinor int64) (billing.BillingSession, error)
}

// Engine resolves bids: acceptance (with payment, two-phase) and rejection.
//
// Acceptance is two-phase so the session's critical section is never held
// across the payment call:
//
//	phase 1 (locked):   reserve the winner, tentatively reject the rest,
//	                    mark the session resolution-in-flight
//	phase 2 (unlocked): authorize payment, bounded by the payment timeout
//	commit (locked):    record the awaited viewer, arm the join window
//	rollback (locked):  return winner and rejected bids to active
//
// Events for rejected bidders are deferred until commit: if payment fails,
// nobody was told anything that has to be untold.
type Engine struct {
	locks *utils.KeyedMutex

	mu       sync.Mutex
	inflight map[string]string // session id -> bid id being resolved

	ledger   *bids.Ledger
	registry *session.Registry
	biller   Biller
	emitter  events.Emitter

	paymentTimeout time.Duration
	log            *slog.Logger
}

type EngineConfig struct {
	PaymentAuthTimeout time.Duration
}

func NewEngine(locks *utils.KeyedMutex, ledger *bids.Ledger, registry *session.Registry, biller Biller, emitter events.Emitter, cfg EngineConfig, log *slog.Logger) *Engine {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.PaymentAuthTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		locks:          locks,
		inflight:       make(map[string]string),
		ledger:         ledger,
		registry:       registry,
		biller:         biller,
		emitter:        emitter,
		paymentTimeout: timeout,
		log:            log,
	}
}

// AcceptBid accepts one bid: charges the bidder and, on success, reserves
// the call slot for them. Exactly one concurrent AcceptBid per session can
// win; the rest fail with ErrBidAlreadyResolved.
func (e *Engine) AcceptBid(ctx context.Context, influencerID, bidID string) (billing.BillingSession, error) {
	bid, ok := e.ledger.Get(bidID)
	if !ok {
		return billing.BillingSession{}, bids.ErrBidNotFound
	}
	sessionID := bid.SessionID

	// Phase 1: reserve under the session lock.
	e.locks.Lock(sessionID)

	sess, ok := e.registry.Snapshot(sessionID)
	if !ok {
		e.locks.Unlock(sessionID)
		return billing.BillingSession{}, bids.ErrSessionNotFound
	}
	if sess.InfluencerID != influencerID {
		e.locks.Unlock(sessionID)
		return billing.BillingSession{}, ErrNotOwner
	}
	if sess.Status != session.StatusPending || sess.AwaitingExplorerID != "" {
		e.locks.Unlock(sessionID)
		return billing.BillingSession{}, ErrSessionNotPending
	}

	e.mu.Lock()
	if _, busy := e.inflight[sessionID]; busy {
		e.mu.Unlock()
		e.locks.Unlock(sessionID)
		return billing.BillingSession{}, ErrBidAlreadyResolved
	}
	e.inflight[sessionID] = bidID
	e.mu.Unlock()

	reserved, err := e.ledger.Reserve(sessionID, bidID)
	if err != nil {
		e.clearInflight(sessionID)
		e.locks.Unlock(sessionID)
		if errors.Is(err, bids.ErrBidNotFound) {
			// Already accepted/rejected/outbid: resolved from the caller's view.
			return billing.BillingSession{}, ErrBidAlreadyResolved
		}
		return billing.BillingSession{}, err
	}
	rejected := e.ledger.RejectOthers(sessionID, bidID, rejectReasonAnotherAccepted)

	e.locks.Unlock(sessionID)

	// Phase 2: payment, outside the lock, bounded.
	payCtx, cancel := context.WithTimeout(ctx, e.paymentTimeout)
	bs, payErr := e.biller.Authorize(payCtx, reserved, influencerID, sess.PerMinuteRateMinor)
	cancel()

	if payErr != nil {
		e.locks.Lock(sessionID)
		e.ledger.Rollback(sessionID, bidID, rejected)
		e.clearInflight(sessionID)
		e.locks.Unlock(sessionID)

		e.log.Warn("accept rolled back on payment failure", "session_id", sessionID, "bid_id", bidID, "err", payErr)
		return billing.BillingSession{}, fmt.Errorf("authorize bid payment: %w", payErr)
	}

	// Commit: record the awaited viewer and release the in-flight marker.
	// Bidding stayed open while payment was in flight, so sweep again for
	// any bid placed during that window.
	e.locks.Lock(sessionID)
	if err := e.registry.ReserveJoin(sessionID, reserved.BidderID, bs.ID); err != nil {
		// The session ended while payment was in flight. The billing session
		// is already active; let the end-call path settle it.
		e.log.Error("join reservation failed after payment", "session_id", sessionID, "bid_id", bidID, "err", err)
	}
	rejected = append(rejected, e.ledger.RejectOthers(sessionID, bidID, rejectReasonAnotherAccepted)...)
	e.clearInflight(sessionID)
	e.locks.Unlock(sessionID)

	// Deferred fan-out, in commit order.
	accepted := events.Event{
		Type:      events.TypeBidAccepted,
		SessionID: sessionID,
		Payload:   events.BidAcceptedPayload{BidID: bidID, BidderID: reserved.BidderID, AmountMinor: reserved.AmountMinor},
	}
	e.emitter.EmitTo([]string{reserved.BidderID, influencerID}, accepted)
	for _, rb := range rejected {
		e.emitter.EmitTo([]string{rb.BidderID}, events.Event{
			Type:      events.TypeBidRejected,
			SessionID: sessionID,
			Payload:   events.BidRejectedPayload{BidID: rb.ID, BidderID: rb.BidderID, Reason: rb.RejectReason},
		})
	}

	e.log.Info("bid accepted", "session_id", sessionID, "bid_id", bidID, "billing_session_id", bs.ID, "amount_minor", reserved.AmountMinor)
	return bs, nil
}

// RejectBid declines a single bid without touching the others. The bidder's
// money was never moved, so there is nothing to compensate.
func (e *Engine) RejectBid(ctx context.Context, influencerID, bidID, reason string) error {
	bid, ok := e.ledger.Get(bidID)
	if !ok {
		return bids.ErrBidNotFound
	}
	sessionID := bid.SessionID

	e.locks.Lock(sessionID)

	sess, ok := e.registry.Snapshot(sessionID)
	if !ok {
		e.locks.Unlock(sessionID)
		return bids.ErrSessionNotFound
	}
	if sess.InfluencerID != influencerID {
		e.locks.Unlock(sessionID)
		return ErrNotOwner
	}

	rejected, err := e.ledger.MarkRejected(sessionID, bidID, reason)
	e.locks.Unlock(sessionID)
	if err != nil {
		return err
	}

	e.emitter.EmitTo([]string{rejected.BidderID}, events.Event{
		Type:      events.TypeBidRejected,
		SessionID: sessionID,
		Payload:   events.BidRejectedPayload{BidID: bidID, BidderID: rejected.BidderID, Reason: reason},
	})
	e.log.Info("bid rejected", "session_id", sessionID, "bid_id", bidID)
	return nil
}

func (e *Engine) clearInflight(sessionID string) {
	e.mu.Lock()
	delete(e.inflight, sessionID)
	e.mu.Unlock()
}
