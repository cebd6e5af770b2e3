package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bidcall-platform/internal/audit"
	"bidcall-platform/internal/bids"
	"bidcall-platform/internal/events"
	"bidcall-platform/internal/session"
	"bidcall-platform/pkg/utils"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("billing session not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("billing session in invalid state for operation")
	ErrSessionNotLive  = errors.New("stream session not live")
	ErrUnknownGift     = errors.New("unknown gift type")
)

// Settlement is the immutable outcome handed to the history recorder exactly
// once per billing session (the recorder stays idempotent on the id anyway,
// since the retry queue may redeliver).
type Settlement struct {
	Kind SettlementKind `json:"kind"`

	BillingSessionID string `json:"billing_session_id"`
	StreamSessionID  string `json:"stream_session_id"`
	InfluencerID     string `json:"influencer_id"`
	ExplorerID       string `json:"explorer_id"`

	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`

	// AmountMinor is the frozen earnings for completed settlements and the
	// compensating amount for failed/refunded ones.
	AmountMinor int64 `json:"amount_minor"`

	Reason string `json:"reason,omitempty"`

	Gifts []Gift `json:"gifts,omitempty"`
}

type SettlementKind string

const (
	SettlementCompleted SettlementKind = "completed"
	SettlementFailed    SettlementKind = "failed"
	SettlementRefunded  SettlementKind = "refunded"
)

// Recorder durably records settlements. Implementations must be idempotent
// per billing session id: double-writing under retry is preferable to losing
// a completed, already-charged transaction.
type Recorder interface {
	RecordSettlement(ctx context.Context, s Settlement) error
}

// Coordinator authorizes payment for accepted bids and owns the metered
// accrual of call cost.
//
// Serialization: mutations for one stream session go through the shared
// keyed mutex (same instance the ledger and registry use), so accrual ticks
// never interleave with settlement. The critical section is never held
// across the external payment call.
type Coordinator struct {
	locks *utils.KeyedMutex

	mu       sync.RWMutex
	byID     map[string]*BillingSession
	byStream map[string]string // stream session id -> latest billing session id
	byUser   map[string][]string
	tickers  map[string]chan struct{} // accrual stop signals, keyed by billing session id

	authorizer Authorizer
	registry   *session.Registry
	recorder   Recorder
	emitter    events.Emitter
	audit      *audit.Service

	giftCatalog map[string]int64 // gift type -> amount in minor units

	tick  time.Duration
	clock func() time.Time
	log   *slog.Logger
}

type CoordinatorConfig struct {
	AccrualTick time.Duration

	// GiftCatalog maps gift type ids to their price. Empty falls back to a
	// small default catalog.
	GiftCatalog map[string]int64
}

func NewCoordinator(locks *utils.KeyedMutex, authorizer Authorizer, registry *session.Registry, recorder Recorder, emitter events.Emitter, auditSvc *audit.Service, cfg CoordinatorConfig, log *slog.Logger) *Coordinator {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	tick := cfg.AccrualTick
	if tick <= 0 {
		tick = time.Second
	}
	catalog := cfg.GiftCatalog
	if len(catalog) == 0 {
		catalog = map[string]int64{
			"rose":    100,
			"heart":   250,
			"diamond": 1000,
		}
	}
	return &Coordinator{
		locks:       locks,
		byID:        make(map[string]*BillingSession),
		byStream:    make(map[string]string),
		byUser:      make(map[string][]string),
		tickers:     make(map[string]chan struct{}),
		authorizer:  authorizer,
		registry:    registry,
		recorder:    recorder,
		emitter:     emitter,
		audit:       auditSvc,
		giftCatalog: catalog,
		tick:        tick,
		clock:       time.Now,
		log:         log,
	}
}

// Authorize charges the accepted bid and, on success, opens an active
// billing session and starts accrual. The caller (resolution engine) bounds
// ctx with the configured payment timeout and must NOT hold the session lock.
//
// On failure the billing session is kept as a failed record and a
// PaymentError is returned for rollback.
func (c *Coordinator) Authorize(ctx context.Context, bid bids.Bid, influencerID string, rateMinor int64) (BillingSession, error) {
	if bid.ID == "" || bid.SessionID == "" || bid.BidderID == "" || influencerID == "" {
		return BillingSession{}, ErrInvalidArgument
	}
	if bid.AmountMinor <= 0 || rateMinor < 0 {
		return BillingSession{}, ErrInvalidArgument
	}

	now := c.clock().UTC()
	bs := &BillingSession{
		ID:                 uuid.NewString(),
		StreamSessionID:    bid.SessionID,
		BidID:              bid.ID,
		ExplorerID:         bid.BidderID,
		InfluencerID:       influencerID,
		BidAmountMinor:     bid.AmountMinor,
		PerMinuteRateMinor: rateMinor,
		Status:             StatusAuthorizing,
		CreatedAt:          now,
	}

	c.mu.Lock()
	c.byID[bs.ID] = bs
	c.byUser[bs.ExplorerID] = append(c.byUser[bs.ExplorerID], bs.ID)
	c.byUser[bs.InfluencerID] = append(c.byUser[bs.InfluencerID], bs.ID)
	c.mu.Unlock()

	res, err := c.authorizer.Authorize(ctx, AuthorizeRequest{
		AmountMinor: bid.AmountMinor,
		PayerID:     bid.BidderID,
		PayeeID:     influencerID,
		Reference:   bs.ID,
	})
	if err != nil {
		pe := AsPaymentError(err)
		c.mu.Lock()
		bs.Status = StatusFailed
		bs.EndReason = EndReasonCancelled
		c.mu.Unlock()
		if c.audit != nil {
			_ = c.audit.LogPaymentFailure(context.WithoutCancel(ctx), bid.SessionID, bs.ID, pe.Message)
		}
		c.log.Warn("payment authorization failed", "billing_session_id", bs.ID, "bid_id", bid.ID, "code", pe.Code)
		return *bs, pe
	}

	started := c.clock().UTC()
	stop := make(chan struct{})

	c.mu.Lock()
	bs.Status = StatusActive
	bs.PaymentRef = res.PaymentRef
	bs.StartedAt = started
	bs.AccruedMinor = bs.BidAmountMinor
	c.byStream[bs.StreamSessionID] = bs.ID
	c.tickers[bs.ID] = stop
	out := *bs
	c.mu.Unlock()

	go c.accrue(bs.ID, bs.StreamSessionID, stop)

	c.log.Info("billing session active", "billing_session_id", bs.ID, "stream_session_id", bs.StreamSessionID, "bid_amount_minor", bs.BidAmountMinor, "rate_minor", rateMinor)
	return out, nil
}

// accrue recomputes the running cost on every tick until stopped. The tick
// and the freeze both take the stream session's critical section, so the
// accrued amount can only move forward.
func (c *Coordinator) accrue(billingSessionID, streamSessionID string, stop <-chan struct{}) {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.locks.Lock(streamSessionID)
			c.mu.Lock()
			bs, ok := c.byID[billingSessionID]
			if ok && bs.Status == StatusActive {
				if amt := c.currentCost(bs); amt > bs.AccruedMinor {
					bs.AccruedMinor = amt
				}
			}
			c.mu.Unlock()
			c.locks.Unlock(streamSessionID)
			if !ok {
				return
			}
		}
	}
}

func (c *Coordinator) currentCost(bs *BillingSession) int64 {
	if bs.PerMinuteRateMinor <= 0 {
		return bs.BidAmountMinor
	}
	elapsed := c.clock().UTC().Sub(bs.StartedAt)
	return bs.BidAmountMinor + bs.PerMinuteRateMinor*startedMinutes(elapsed)
}

// startedMinutes bills per started minute: any fraction of a minute counts
// as a whole one, and the first minute starts at the first elapsed second.
func startedMinutes(elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	sec := int64(elapsed / time.Second)
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}

// EndCall is the single teardown path for a stream session's call cycle:
// freeze accrual (if a billing session is active), end the stream session,
// then record the settlement. Idempotent: repeat calls return the frozen
// amount without re-charging or re-recording.
func (c *Coordinator) EndCall(ctx context.Context, streamSessionID string, reason EndReason) (int64, error) {
	if streamSessionID == "" {
		return 0, ErrInvalidArgument
	}

	var settlement *Settlement
	var final int64

	c.locks.Lock(streamSessionID)
	c.mu.Lock()
	bsID, hasBilling := c.byStream[streamSessionID]
	if hasBilling {
		bs := c.byID[bsID]
		switch bs.Status {
		case StatusActive:
			now := c.clock().UTC()
			if amt := c.currentCost(bs); amt > bs.AccruedMinor {
				bs.AccruedMinor = amt
			}
			bs.Status = StatusCompleted
			bs.EndedAt = now
			bs.EndReason = reason
			c.stopTickerLocked(bsID)
			final = bs.AccruedMinor
			s := c.settlementLocked(bs, SettlementCompleted, string(reason))
			settlement = &s
		case StatusCompleted:
			final = bs.AccruedMinor
		}
	}
	c.mu.Unlock()
	c.locks.Unlock(streamSessionID)

	// The registry acquires the session lock itself; never call it while
	// holding the lock above.
	if _, err := c.registry.EndSession(ctx, streamSessionID, session.EndReason(reason)); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.log.Error("session end failed", "stream_session_id", streamSessionID, "err", err)
	}

	if settlement != nil {
		if err := c.recorder.RecordSettlement(ctx, *settlement); err != nil {
			// The charge already happened; the recorder owns retries.
			c.log.Error("settlement record failed", "billing_session_id", settlement.BillingSessionID, "err", err)
		}
	}
	return final, nil
}

// StopAccrual freezes an active billing session by its id. Thin wrapper over
// EndCall for the REST surface.
func (c *Coordinator) StopAccrual(ctx context.Context, billingSessionID string, reason EndReason) (int64, error) {
	bs, ok := c.Get(billingSessionID)
	if !ok {
		return 0, ErrNotFound
	}
	return c.EndCall(ctx, bs.StreamSessionID, reason)
}

// HandleFailure transitions an active billing session to failed and cancels
// the underlying stream session. The compensating record is written by the
// recorder; no CallHistory row is produced.
func (c *Coordinator) HandleFailure(ctx context.Context, billingSessionID, reason string) error {
	bs, ok := c.Get(billingSessionID)
	if !ok {
		return ErrNotFound
	}

	var settlement *Settlement

	c.locks.Lock(bs.StreamSessionID)
	c.mu.Lock()
	live := c.byID[billingSessionID]
	if live.Status != StatusActive {
		c.mu.Unlock()
		c.locks.Unlock(bs.StreamSessionID)
		return ErrInvalidState
	}
	live.Status = StatusFailed
	live.EndedAt = c.clock().UTC()
	live.EndReason = EndReasonCancelled
	c.stopTickerLocked(billingSessionID)
	s := c.settlementLocked(live, SettlementFailed, reason)
	settlement = &s
	c.mu.Unlock()
	c.locks.Unlock(bs.StreamSessionID)

	if _, err := c.registry.EndSession(ctx, bs.StreamSessionID, session.EndReasonCancelled); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.log.Error("session end failed", "stream_session_id", bs.StreamSessionID, "err", err)
	}

	if c.audit != nil {
		_ = c.audit.LogPaymentFailure(ctx, bs.StreamSessionID, billingSessionID, reason)
	}
	if err := c.recorder.RecordSettlement(ctx, *settlement); err != nil {
		c.log.Error("failure record failed", "billing_session_id", billingSessionID, "err", err)
	}
	return nil
}

// Refund compensates a completed or failed billing session. The original
// transaction is never mutated; the recorder writes a compensating one.
func (c *Coordinator) Refund(ctx context.Context, billingSessionID, actorUserID, actorRole, reason string) error {
	c.mu.Lock()
	bs, ok := c.byID[billingSessionID]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if bs.Status != StatusCompleted && bs.Status != StatusFailed {
		c.mu.Unlock()
		return ErrInvalidState
	}
	prev := bs.Status
	bs.Status = StatusRefunded
	snapshot := *bs
	c.mu.Unlock()

	// Failed sessions never captured a charge; only completed ones are
	// refunded at the payment collaborator.
	if prev == StatusCompleted && snapshot.PaymentRef != "" {
		if err := c.authorizer.Refund(ctx, RefundRequest{
			PaymentRef:  snapshot.PaymentRef,
			AmountMinor: snapshot.AccruedMinor,
			Reason:      reason,
		}); err != nil {
			c.mu.Lock()
			c.byID[billingSessionID].Status = prev
			c.mu.Unlock()
			return err
		}
	}

	if c.audit != nil {
		_ = c.audit.LogRefund(ctx, actorUserID, actorRole, billingSessionID, reason)
	}

	s := Settlement{
		Kind:             SettlementRefunded,
		BillingSessionID: snapshot.ID,
		StreamSessionID:  snapshot.StreamSessionID,
		InfluencerID:     snapshot.InfluencerID,
		ExplorerID:       snapshot.ExplorerID,
		StartedAt:        snapshot.StartedAt,
		EndedAt:          snapshot.EndedAt,
		AmountMinor:      snapshot.AccruedMinor,
		Reason:           reason,
	}
	if err := c.recorder.RecordSettlement(ctx, s); err != nil {
		c.log.Error("refund record failed", "billing_session_id", billingSessionID, "err", err)
	}
	return nil
}

// RecordGift attaches a gift to the live call and notifies the influencer.
// Gifts settle with the call; they are not folded into metered accrual.
func (c *Coordinator) RecordGift(ctx context.Context, streamSessionID, fromUserID, giftType string) (Gift, error) {
	amount, ok := c.giftCatalog[giftType]
	if !ok {
		return Gift{}, ErrUnknownGift
	}

	c.locks.Lock(streamSessionID)
	defer c.locks.Unlock(streamSessionID)

	c.mu.Lock()
	bsID, has := c.byStream[streamSessionID]
	if !has {
		c.mu.Unlock()
		return Gift{}, ErrSessionNotLive
	}
	bs := c.byID[bsID]
	if bs.Status != StatusActive {
		c.mu.Unlock()
		return Gift{}, ErrSessionNotLive
	}
	if fromUserID != bs.ExplorerID {
		c.mu.Unlock()
		return Gift{}, ErrInvalidArgument
	}
	g := Gift{
		ID:          uuid.NewString(),
		GiftType:    giftType,
		FromUserID:  fromUserID,
		ToUserID:    bs.InfluencerID,
		AmountMinor: amount,
		SentAt:      c.clock().UTC(),
	}
	bs.Gifts = append(bs.Gifts, g)
	influencerID := bs.InfluencerID
	c.mu.Unlock()

	c.emitter.EmitTo([]string{influencerID}, events.Event{
		Type:      events.TypeGiftReceived,
		SessionID: streamSessionID,
		Payload:   events.GiftReceivedPayload{FromUserID: fromUserID, GiftType: giftType, AmountMinor: amount},
	})
	return g, nil
}

// Get returns a snapshot of a billing session.
func (c *Coordinator) Get(billingSessionID string) (BillingSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bs, ok := c.byID[billingSessionID]
	if !ok {
		return BillingSession{}, false
	}
	return *bs, true
}

// ActiveForStream returns the active billing session for a stream session.
func (c *Coordinator) ActiveForStream(streamSessionID string) (BillingSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byStream[streamSessionID]
	if !ok {
		return BillingSession{}, false
	}
	bs := c.byID[id]
	if bs.Status != StatusActive {
		return BillingSession{}, false
	}
	return *bs, true
}

// ForUser returns every billing session the user participates in.
func (c *Coordinator) ForUser(userID string) []BillingSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []BillingSession
	for _, id := range c.byUser[userID] {
		out = append(out, *c.byID[id])
	}
	return out
}

// Close stops all accrual tickers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.tickers {
		c.stopTickerLocked(id)
	}
}

func (c *Coordinator) stopTickerLocked(billingSessionID string) {
	if stop, ok := c.tickers[billingSessionID]; ok {
		close(stop)
		delete(c.tickers, billingSessionID)
	}
}

func (c *Coordinator) settlementLocked(bs *BillingSession, kind SettlementKind, reason string) Settlement {
	duration := 0
	if !bs.StartedAt.IsZero() && !bs.EndedAt.IsZero() {
		duration = int(bs.EndedAt.Sub(bs.StartedAt) / time.Second)
	}
	gifts := make([]Gift, len(bs.Gifts))
	copy(gifts, bs.Gifts)
	return Settlement{
		Kind:             kind,
		BillingSessionID: bs.ID,
		StreamSessionID:  bs.StreamSessionID,
		InfluencerID:     bs.InfluencerID,
		ExplorerID:       bs.ExplorerID,
		StartedAt:        bs.StartedAt,
		EndedAt:          bs.EndedAt,
		DurationSeconds:  duration,
		AmountMinor:      bs.AccruedMinor,
		Reason:           reason,
		Gifts:            gifts,
	}
}
