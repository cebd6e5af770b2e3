package bids

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bidcall-platform/internal/events"
	"bidcall-platform/internal/session"
	"bidcall-platform/pkg/utils"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]session.StreamSession
}

func (f *fakeSessions) Snapshot(id string) (session.StreamSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSessions) put(s session.StreamSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

type fakeCache struct {
	mu      sync.Mutex
	highest map[string]int64
	err     error
}

func (f *fakeCache) SetHighest(_ context.Context, sessionID string, amountMinor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.highest == nil {
		f.highest = make(map[string]int64)
	}
	f.highest[sessionID] = amountMinor
	return nil
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

func newTestLedger(t *testing.T) (*Ledger, *fakeSessions, *fakeCache, *captureEmitter) {
	t.Helper()
	sessions := &fakeSessions{sessions: make(map[string]session.StreamSession)}
	sessions.put(session.StreamSession{
		ID:                 "sess-1",
		InfluencerID:       "inf-1",
		Status:             session.StatusPending,
		AllowBids:          true,
		PerMinuteRateMinor: 200,
	})
	cache := &fakeCache{}
	emitter := &captureEmitter{}
	l := NewLedger(utils.NewKeyedMutex(), sessions, emitter, cache, nil)
	return l, sessions, cache, emitter
}

func TestPlaceBidValidation(t *testing.T) {
	l, sessions, _, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		sessionID string
		bidderID  string
		amount    int64
		setup     func()
		wantErr   error
	}{
		{name: "empty session", sessionID: "", bidderID: "exp-1", amount: 100, wantErr: ErrInvalidArgument},
		{name: "zero amount", sessionID: "sess-1", bidderID: "exp-1", amount: 0, wantErr: ErrInvalidArgument},
		{name: "negative amount", sessionID: "sess-1", bidderID: "exp-1", amount: -5, wantErr: ErrInvalidArgument},
		{name: "unknown session", sessionID: "ghost", bidderID: "exp-1", amount: 100, wantErr: ErrSessionNotFound},
		{name: "own session", sessionID: "sess-1", bidderID: "inf-1", amount: 100, wantErr: ErrOwnSession},
		{
			name: "bids disabled", sessionID: "sess-2", bidderID: "exp-1", amount: 100,
			setup: func() {
				sessions.put(session.StreamSession{ID: "sess-2", InfluencerID: "inf-2", Status: session.StatusPending, AllowBids: false})
			},
			wantErr: ErrBiddingClosed,
		},
		{
			name: "session live", sessionID: "sess-3", bidderID: "exp-1", amount: 100,
			setup: func() {
				sessions.put(session.StreamSession{ID: "sess-3", InfluencerID: "inf-3", Status: session.StatusLive, AllowBids: true})
			},
			wantErr: ErrBiddingClosed,
		},
		{
			name: "resolution committed", sessionID: "sess-4", bidderID: "exp-1", amount: 100,
			setup: func() {
				sessions.put(session.StreamSession{ID: "sess-4", InfluencerID: "inf-4", Status: session.StatusPending, AllowBids: true, AwaitingExplorerID: "exp-9"})
			},
			wantErr: ErrBiddingClosed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			if _, err := l.PlaceBid(ctx, tc.sessionID, tc.bidderID, tc.amount); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestPlaceBidMustBeatHighest(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.PlaceBid(ctx, "sess-1", "exp-a", 500); err != nil {
		t.Fatalf("first bid: %v", err)
	}

	// Equal is not enough; the bid must strictly exceed the highest.
	if _, err := l.PlaceBid(ctx, "sess-1", "exp-b", 500); !errors.Is(err, ErrAmountTooLow) {
		t.Fatalf("equal bid err = %v, want ErrAmountTooLow", err)
	}
	if _, err := l.PlaceBid(ctx, "sess-1", "exp-b", 400); !errors.Is(err, ErrAmountTooLow) {
		t.Fatalf("lower bid err = %v, want ErrAmountTooLow", err)
	}
	if _, err := l.PlaceBid(ctx, "sess-1", "exp-b", 501); err != nil {
		t.Fatalf("higher bid: %v", err)
	}
}

func TestOutbidNotification(t *testing.T) {
	l, _, _, emitter := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.PlaceBid(ctx, "sess-1", "exp-a", 300); err != nil {
		t.Fatalf("bid a: %v", err)
	}
	if _, err := l.PlaceBid(ctx, "sess-1", "exp-b", 500); err != nil {
		t.Fatalf("bid b: %v", err)
	}

	outbids := emitter.ofType(events.TypeOutbid)
	if len(outbids) != 1 {
		t.Fatalf("Outbid events = %d, want 1", len(outbids))
	}
	p := outbids[0].Payload.(events.OutbidPayload)
	if p.PreviousBidderID != "exp-a" || p.NewHighestMinor != 500 {
		t.Fatalf("payload = %+v", p)
	}

	// The outbid bid stays active and acceptable.
	active := l.ActiveBids("sess-1")
	if len(active) != 2 {
		t.Fatalf("active bids = %d, want 2", len(active))
	}

	// Every placement notifies the creator.
	if n := len(emitter.ofType(events.TypeNewBid)); n != 2 {
		t.Fatalf("NewBid events = %d, want 2", n)
	}
}

func TestRebidSupersedesOwnBid(t *testing.T) {
	l, _, _, emitter := newTestLedger(t)
	ctx := context.Background()

	first, err := l.PlaceBid(ctx, "sess-1", "exp-a", 300)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := l.PlaceBid(ctx, "sess-1", "exp-a", 400)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	got, _ := l.Get(first.ID)
	if got.Status != StatusOutbid {
		t.Fatalf("superseded bid status = %s, want outbid", got.Status)
	}
	if active := l.ActiveBids("sess-1"); len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("active bids = %+v, want only the new one", active)
	}

	// Raising your own bid never notifies you of an outbid.
	if n := len(emitter.ofType(events.TypeOutbid)); n != 0 {
		t.Fatalf("Outbid events = %d, want 0", n)
	}
}

func TestRankingOrder(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	l.clock = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Millisecond)
	}

	l.PlaceBid(ctx, "sess-1", "exp-a", 300)
	l.PlaceBid(ctx, "sess-1", "exp-b", 500)
	l.PlaceBid(ctx, "sess-1", "exp-c", 700)

	active := l.ActiveBids("sess-1")
	want := []string{"exp-c", "exp-b", "exp-a"}
	for i, b := range active {
		if b.BidderID != want[i] {
			t.Fatalf("rank %d = %s, want %s", i, b.BidderID, want[i])
		}
	}

	highest, ok := l.Highest("sess-1")
	if !ok || highest.BidderID != "exp-c" || highest.AmountMinor != 700 {
		t.Fatalf("highest = %+v", highest)
	}
}

func TestHighestCacheMirrored(t *testing.T) {
	l, _, cache, _ := newTestLedger(t)
	ctx := context.Background()

	l.PlaceBid(ctx, "sess-1", "exp-a", 300)
	l.PlaceBid(ctx, "sess-1", "exp-b", 500)

	if got := cache.highest["sess-1"]; got != 500 {
		t.Fatalf("cached highest = %d, want 500", got)
	}

	// A cache failure is logged, never surfaced to the bidder.
	cache.mu.Lock()
	cache.err = errors.New("redis down")
	cache.mu.Unlock()
	if _, err := l.PlaceBid(ctx, "sess-1", "exp-c", 600); err != nil {
		t.Fatalf("bid with broken cache: %v", err)
	}
}

func TestExpireSession(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	a, _ := l.PlaceBid(ctx, "sess-1", "exp-a", 300)
	b, _ := l.PlaceBid(ctx, "sess-1", "exp-b", 500)

	l.ExpireSession("sess-1")

	for _, id := range []string{a.ID, b.ID} {
		got, _ := l.Get(id)
		if got.Status != StatusExpired {
			t.Fatalf("bid %s status = %s, want expired", id, got.Status)
		}
	}
	if _, ok := l.Highest("sess-1"); ok {
		t.Fatal("expired session still reports a highest bid")
	}
}
