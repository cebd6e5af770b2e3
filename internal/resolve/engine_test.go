package resolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bidcall-platform/internal/bids"
	"bidcall-platform/internal/billing"
	"bidcall-platform/internal/events"
	"bidcall-platform/internal/session"
	"bidcall-platform/pkg/utils"

	"github.com/google/uuid"
)

type fakeBiller struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{} // when set, Authorize blocks until closed
	calls   atomic.Int32
	lastBid bids.Bid
}

func (f *fakeBiller) Authorize(ctx context.Context, bid bids.Bid, influencerID string, rateMinor int64) (billing.BillingSession, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return billing.BillingSession{}, &billing.PaymentError{Code: "timeout", Message: "authorization timed out"}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return billing.BillingSession{}, f.err
	}
	f.lastBid = bid
	return billing.BillingSession{
		ID:              uuid.NewString(),
		StreamSessionID: bid.SessionID,
		BidID:           bid.ID,
		ExplorerID:      bid.BidderID,
		InfluencerID:    influencerID,
		BidAmountMinor:  bid.AmountMinor,
		Status:          billing.StatusActive,
	}, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) EmitTo(_ []string, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type engineFixture struct {
	engine   *Engine
	ledger   *bids.Ledger
	registry *session.Registry
	biller   *fakeBiller
	emitter  *captureEmitter
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	locks := utils.NewKeyedMutex()
	emitter := &captureEmitter{}
	registry := session.NewRegistry(locks, nil, emitter, session.RegistryConfig{}, nil)
	ledger := bids.NewLedger(locks, registry, emitter, nil, nil)
	biller := &fakeBiller{}
	engine := NewEngine(locks, ledger, registry, biller, emitter, EngineConfig{PaymentAuthTimeout: 2 * time.Second}, nil)
	return &engineFixture{engine: engine, ledger: ledger, registry: registry, biller: biller, emitter: emitter}
}

func (f *engineFixture) pendingSessionWithBids(t *testing.T, influencerID string, amounts map[string]int64) (session.StreamSession, map[string]bids.Bid) {
	t.Helper()
	ctx := context.Background()
	ss, err := f.registry.CreateSession(ctx, influencerID, 200, true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	placed := make(map[string]bids.Bid, len(amounts))
	// Place in ascending amount order so each bid beats the prior highest.
	for _, bidder := range sortedByAmount(amounts) {
		b, err := f.ledger.PlaceBid(ctx, ss.ID, bidder, amounts[bidder])
		if err != nil {
			t.Fatalf("PlaceBid(%s): %v", bidder, err)
		}
		placed[bidder] = b
	}
	return ss, placed
}

func sortedByAmount(amounts map[string]int64) []string {
	out := make([]string, 0, len(amounts))
	for bidder := range amounts {
		out = append(out, bidder)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if amounts[out[j]] < amounts[out[i]] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func TestAcceptBid(t *testing.T) {
	f := newEngineFixture(t)
	ss, placed := f.pendingSessionWithBids(t, "inf-1", map[string]int64{
		"exp-a": 300, "exp-b": 500, "exp-c": 400,
	})

	bs, err := f.engine.AcceptBid(context.Background(), "inf-1", placed["exp-b"].ID)
	if err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}
	if bs.ExplorerID != "exp-b" || bs.BidAmountMinor != 500 {
		t.Fatalf("billing session = %+v", bs)
	}

	snap, _ := f.registry.Snapshot(ss.ID)
	if snap.AwaitingExplorerID != "exp-b" || snap.BillingSessionID != bs.ID {
		t.Fatalf("session after accept = %+v", snap)
	}

	won, _ := f.ledger.Get(placed["exp-b"].ID)
	if won.Status != bids.StatusAccepted {
		t.Fatalf("winner status = %s", won.Status)
	}
	for _, loser := range []string{"exp-a", "exp-c"} {
		b, _ := f.ledger.Get(placed[loser].ID)
		if b.Status != bids.StatusRejected {
			t.Fatalf("%s status = %s, want rejected", loser, b.Status)
		}
	}

	if got := f.emitter.ofType(events.TypeBidAccepted); len(got) != 1 {
		t.Fatalf("BidAccepted events = %d, want 1", len(got))
	}
	if got := f.emitter.ofType(events.TypeBidRejected); len(got) != 2 {
		t.Fatalf("BidRejected events = %d, want 2", len(got))
	}
}

func TestAcceptBidNotOwner(t *testing.T) {
	f := newEngineFixture(t)
	_, placed := f.pendingSessionWithBids(t, "inf-1", map[string]int64{"exp-a": 300})

	_, err := f.engine.AcceptBid(context.Background(), "inf-2", placed["exp-a"].ID)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	b, _ := f.ledger.Get(placed["exp-a"].ID)
	if b.Status != bids.StatusActive {
		t.Fatalf("bid status = %s, want active", b.Status)
	}
}

func TestAcceptBidPaymentFailureRollsBack(t *testing.T) {
	f := newEngineFixture(t)
	ss, placed := f.pendingSessionWithBids(t, "inf-1", map[string]int64{
		"exp-a": 300, "exp-b": 500,
	})
	f.biller.err = &billing.PaymentError{Code: "card_declined", Message: "declined", Declined: true}

	_, err := f.engine.AcceptBid(context.Background(), "inf-1", placed["exp-b"].ID)
	var pe *billing.PaymentError
	if !errors.As(err, &pe) || !pe.Declined {
		t.Fatalf("err = %v, want declined PaymentError", err)
	}

	// Everything back to active; nobody was notified of a resolution.
	for bidder, bid := range placed {
		b, _ := f.ledger.Get(bid.ID)
		if b.Status != bids.StatusActive {
			t.Fatalf("%s status after rollback = %s, want active", bidder, b.Status)
		}
	}
	snap, _ := f.registry.Snapshot(ss.ID)
	if snap.AwaitingExplorerID != "" {
		t.Fatalf("awaiting explorer = %q, want empty", snap.AwaitingExplorerID)
	}
	if got := f.emitter.ofType(events.TypeBidAccepted); len(got) != 0 {
		t.Fatalf("BidAccepted events = %d, want 0", len(got))
	}
	if got := f.emitter.ofType(events.TypeBidRejected); len(got) != 0 {
		t.Fatalf("BidRejected events = %d, want 0", len(got))
	}

	// The session is unharmed: a retry with a working gateway succeeds.
	f.biller.mu.Lock()
	f.biller.err = nil
	f.biller.mu.Unlock()
	if _, err := f.engine.AcceptBid(context.Background(), "inf-1", placed["exp-b"].ID); err != nil {
		t.Fatalf("retry AcceptBid: %v", err)
	}
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	f := newEngineFixture(t)
	_, placed := f.pendingSessionWithBids(t, "inf-1", map[string]int64{
		"exp-a": 300, "exp-b": 500, "exp-c": 400,
	})
	f.biller.gate = make(chan struct{})

	results := make(chan error, len(placed))
	var started sync.WaitGroup
	for _, bid := range placed {
		started.Add(1)
		go func(bidID string) {
			started.Done()
			_, err := f.engine.AcceptBid(context.Background(), "inf-1", bidID)
			results <- err
		}(bid.ID)
	}
	started.Wait()

	// Let the in-flight resolution reach the payment call, then release it.
	deadline := time.Now().Add(time.Second)
	for f.biller.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no accept reached the payment call")
		}
		time.Sleep(time.Millisecond)
	}
	close(f.biller.gate)

	var wins, already int
	for range placed {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrBidAlreadyResolved) || errors.Is(err, ErrSessionNotPending):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if int(f.biller.calls.Load()) != 1 {
		t.Fatalf("payment calls = %d, want exactly 1", f.biller.calls.Load())
	}
}

func TestBidDuringPaymentWindowRejected(t *testing.T) {
	f := newEngineFixture(t)
	ss, placed := f.pendingSessionWithBids(t, "inf-1", map[string]int64{
		"exp-a": 300, "exp-b": 500,
	})
	f.biller.gate = make(chan struct{})

	results := make(chan error, 1)
	go func() {
		_, err := f.engine.AcceptBid(context.Background(), "inf-1", placed["exp-b"].ID)
		results <- err
	}()

	deadline := time.Now().Add(time.Second)
	for f.biller.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("accept never reached the payment call")
		}
		time.Sleep(time.Millisecond)
	}

	// The session lock is released while payment is in flight, so a fresh
	// bid can still land. It must be resolved when the accept commits.
	late, err := f.ledger.PlaceBid(context.Background(), ss.ID, "exp-late", 600)
	if err != nil {
		t.Fatalf("PlaceBid during payment: %v", err)
	}

	close(f.biller.gate)
	if err := <-results; err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}

	got, _ := f.ledger.Get(late.ID)
	if got.Status != bids.StatusRejected {
		t.Fatalf("late bid status = %s, want rejected", got.Status)
	}
	// exp-a from the first sweep plus the late bid.
	if evs := f.emitter.ofType(events.TypeBidRejected); len(evs) != 2 {
		t.Fatalf("BidRejected events = %d, want 2", len(evs))
	}
}

func TestRejectBid(t *testing.T) {
	f := newEngineFixture(t)
	_, placed := f.pendingSessionWithBids(t, "inf-1", map[string]int64{
		"exp-a": 300, "exp-b": 500,
	})

	if err := f.engine.RejectBid(context.Background(), "inf-1", placed["exp-a"].ID, "not today"); err != nil {
		t.Fatalf("RejectBid: %v", err)
	}
	b, _ := f.ledger.Get(placed["exp-a"].ID)
	if b.Status != bids.StatusRejected || b.RejectReason != "not today" {
		t.Fatalf("bid = %+v", b)
	}
	// The other bid is untouched and still acceptable.
	other, _ := f.ledger.Get(placed["exp-b"].ID)
	if other.Status != bids.StatusActive {
		t.Fatalf("other bid status = %s, want active", other.Status)
	}
	if got := f.emitter.ofType(events.TypeBidRejected); len(got) != 1 {
		t.Fatalf("BidRejected events = %d, want 1", len(got))
	}
}

func TestRejectBidNotOwner(t *testing.T) {
	f := newEngineFixture(t)
	_, placed := f.pendingSessionWithBids(t, "inf-1", map[string]int64{"exp-a": 300})

	if err := f.engine.RejectBid(context.Background(), "inf-2", placed["exp-a"].ID, "no"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}
