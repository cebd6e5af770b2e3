package bids

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bidcall-platform/internal/events"
	"bidcall-platform/internal/session"
	"bidcall-platform/pkg/utils"

	"github.com/google/uuid"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBiddingClosed   = errors.New("bidding closed for session")
	ErrAmountTooLow    = errors.New("bid amount must exceed current highest")
	ErrSessionNotFound = errors.New("session not found")
	ErrBidNotFound     = errors.New("bid not found")
	ErrOwnSession      = errors.New("cannot bid on own session")
)

// SessionReader is the slice of the registry the ledger needs: snapshot reads
// only, never mutation.
type SessionReader interface {
	Snapshot(sessionID string) (session.StreamSession, bool)
}

// HighestCache mirrors the current highest amount for lock-free display
// reads by other instances. Best-effort: failures are logged, not surfaced.
type HighestCache interface {
	SetHighest(ctx context.Context, sessionID string, amountMinor int64) error
}

// Ledger holds the active bids per session, ranked by (amount desc,
// placedAt asc) so that the earlier bid wins amount ties.
//
// Serialization: PlaceBid acquires the shared session keyed mutex. The
// resolver-facing mutators (Reserve/RejectOthers/Rollback/...) assume the
// caller already holds that lock and only take the internal map mutex.
type Ledger struct {
	locks *utils.KeyedMutex

	mu        sync.RWMutex
	bySession map[string][]*Bid
	byID      map[string]*Bid

	sessions SessionReader
	emitter  events.Emitter
	cache    HighestCache

	clock func() time.Time
	log   *slog.Logger
}

func NewLedger(locks *utils.KeyedMutex, sessions SessionReader, emitter events.Emitter, cache HighestCache, log *slog.Logger) *Ledger {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		locks:     locks,
		bySession: make(map[string][]*Bid),
		byID:      make(map[string]*Bid),
		sessions:  sessions,
		emitter:   emitter,
		cache:     cache,
		clock:     time.Now,
		log:       log,
	}
}

// PlaceBid validates and records a bid, supersedes the bidder's own prior
// active bid, and notifies the creator plus a displaced highest bidder.
func (l *Ledger) PlaceBid(ctx context.Context, sessionID, bidderID string, amountMinor int64) (Bid, error) {
	if sessionID == "" || bidderID == "" {
		return Bid{}, ErrInvalidArgument
	}
	if amountMinor <= 0 {
		return Bid{}, ErrInvalidArgument
	}

	l.locks.Lock(sessionID)
	defer l.locks.Unlock(sessionID)

	sess, ok := l.sessions.Snapshot(sessionID)
	if !ok || sess.Status == session.StatusEnded {
		return Bid{}, ErrSessionNotFound
	}
	if !sess.AllowBids || sess.Status != session.StatusPending || sess.AwaitingExplorerID != "" {
		return Bid{}, ErrBiddingClosed
	}
	if bidderID == sess.InfluencerID {
		return Bid{}, ErrOwnSession
	}

	l.mu.Lock()

	prevHighest, hasHighest := highestActiveLocked(l.bySession[sessionID])
	if hasHighest && amountMinor <= prevHighest.AmountMinor {
		l.mu.Unlock()
		return Bid{}, ErrAmountTooLow
	}

	// Re-bidding supersedes the bidder's own prior active bid.
	for _, b := range l.bySession[sessionID] {
		if b.BidderID == bidderID && b.Status == StatusActive {
			b.Status = StatusOutbid
		}
	}

	bid := &Bid{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		BidderID:    bidderID,
		AmountMinor: amountMinor,
		PlacedAt:    l.clock().UTC(),
		Status:      StatusActive,
	}
	l.bySession[sessionID] = append(l.bySession[sessionID], bid)
	l.byID[bid.ID] = bid
	sortRanked(l.bySession[sessionID])

	out := *bid
	l.mu.Unlock()

	if l.cache != nil {
		if err := l.cache.SetHighest(ctx, sessionID, amountMinor); err != nil {
			l.log.Warn("highest bid cache write failed", "session_id", sessionID, "err", err)
		}
	}

	l.emitter.EmitTo([]string{sess.InfluencerID}, events.Event{
		Type:      events.TypeNewBid,
		SessionID: sessionID,
		Payload:   events.NewBidPayload{BidID: out.ID, BidderID: bidderID, AmountMinor: amountMinor},
	})

	// Only the displaced highest bidder is notified; their bid stays active
	// and re-biddable.
	if hasHighest && prevHighest.BidderID != bidderID {
		l.emitter.EmitTo([]string{prevHighest.BidderID}, events.Event{
			Type:      events.TypeOutbid,
			SessionID: sessionID,
			Payload:   events.OutbidPayload{PreviousBidderID: prevHighest.BidderID, NewHighestMinor: amountMinor},
		})
	}

	l.log.Info("bid placed", "session_id", sessionID, "bid_id", out.ID, "amount_minor", amountMinor)
	return out, nil
}

// Highest returns the top-ranked active bid. Lock-free snapshot read.
func (l *Ledger) Highest(sessionID string) (Bid, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := highestActiveLocked(l.bySession[sessionID])
	if !ok {
		return Bid{}, false
	}
	return *b, true
}

// Get returns a bid by id.
func (l *Ledger) Get(bidID string) (Bid, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.byID[bidID]
	if !ok {
		return Bid{}, false
	}
	return *b, true
}

// ActiveBids returns the ranked active bids for a session.
func (l *Ledger) ActiveBids(sessionID string) []Bid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Bid
	for _, b := range l.bySession[sessionID] {
		if b.Status == StatusActive {
			out = append(out, *b)
		}
	}
	return out
}

/* ===== Resolver-facing transitions. Caller holds the session lock. ===== */

// Reserve marks the target bid accepted. Fails unless the bid is active and
// belongs to the session.
func (l *Ledger) Reserve(sessionID, bidID string) (Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byID[bidID]
	if !ok || b.SessionID != sessionID {
		return Bid{}, ErrBidNotFound
	}
	if b.Status != StatusActive {
		return Bid{}, ErrBidNotFound
	}
	b.Status = StatusAccepted
	return *b, nil
}

// RejectOthers marks every other active bid rejected with the given reason
// and returns them. Broadcast is the resolver's job and is deferred until
// payment authorization succeeds.
func (l *Ledger) RejectOthers(sessionID, exceptBidID, reason string) []Bid {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Bid
	for _, b := range l.bySession[sessionID] {
		if b.ID == exceptBidID || b.Status != StatusActive {
			continue
		}
		b.Status = StatusRejected
		b.RejectReason = reason
		out = append(out, *b)
	}
	return out
}

// Rollback reverts a failed acceptance: the reserved bid and the bids
// rejected alongside it return to active.
func (l *Ledger) Rollback(sessionID, bidID string, rejected []Bid) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.byID[bidID]; ok && b.SessionID == sessionID && b.Status == StatusAccepted {
		b.Status = StatusActive
	}
	for _, rb := range rejected {
		if b, ok := l.byID[rb.ID]; ok && b.Status == StatusRejected {
			b.Status = StatusActive
			b.RejectReason = ""
		}
	}
}

// MarkRejected transitions one active bid to rejected (creator rejection).
func (l *Ledger) MarkRejected(sessionID, bidID, reason string) (Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byID[bidID]
	if !ok || b.SessionID != sessionID {
		return Bid{}, ErrBidNotFound
	}
	if b.Status != StatusActive {
		return Bid{}, ErrBidNotFound
	}
	b.Status = StatusRejected
	b.RejectReason = reason
	return *b, nil
}

// ExpireSession marks all remaining active bids expired. Called when a
// session ends without resolution.
func (l *Ledger) ExpireSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bySession[sessionID] {
		if b.Status == StatusActive {
			b.Status = StatusExpired
		}
	}
}

func highestActiveLocked(ranked []*Bid) (*Bid, bool) {
	for _, b := range ranked {
		if b.Status == StatusActive {
			return b, true
		}
	}
	return nil, false
}

func sortRanked(bs []*Bid) {
	sort.SliceStable(bs, func(i, j int) bool {
		if bs[i].AmountMinor != bs[j].AmountMinor {
			return bs[i].AmountMinor > bs[j].AmountMinor
		}
		return bs[i].PlacedAt.Before(bs[j].PlacedAt)
	})
}
