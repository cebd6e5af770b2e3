package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bidcall-platform/internal/events"
	"bidcall-platform/pkg/utils"
)

type fakeGuard struct {
	mu       sync.Mutex
	denied   bool
	acquired map[string]string
	released []string
}

func newFakeGuard() *fakeGuard { return &fakeGuard{acquired: make(map[string]string)} }

func (g *fakeGuard) Acquire(_ context.Context, influencerID, sessionID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied {
		return false, nil
	}
	g.acquired[influencerID] = sessionID
	return true, nil
}

func (g *fakeGuard) Release(_ context.Context, influencerID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.acquired, influencerID)
	g.released = append(g.released, influencerID)
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

func (c *captureEmitter) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, guard SlotGuard, cfg RegistryConfig) (*Registry, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	r := NewRegistry(utils.NewKeyedMutex(), guard, emitter, cfg, nil)
	t.Cleanup(r.Close)
	return r, emitter
}

func TestCreateSessionSingleSlot(t *testing.T) {
	guard := newFakeGuard()
	r, _ := newTestRegistry(t, guard, RegistryConfig{})
	ctx := context.Background()

	s, err := r.CreateSession(ctx, "inf-1", 200, true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Status != StatusPending || !s.AllowBids {
		t.Fatalf("session = %+v", s)
	}

	if _, err := r.CreateSession(ctx, "inf-1", 200, true); !errors.Is(err, ErrAlreadyLive) {
		t.Fatalf("second create err = %v, want ErrAlreadyLive", err)
	}

	// Ending the first frees the slot.
	if _, err := r.EndSession(ctx, s.ID, EndReasonCompleted); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := r.CreateSession(ctx, "inf-1", 200, true); err != nil {
		t.Fatalf("create after end: %v", err)
	}
	if len(guard.released) != 1 {
		t.Fatalf("guard releases = %d, want 1", len(guard.released))
	}
}

func TestCreateSessionGuardDenied(t *testing.T) {
	guard := newFakeGuard()
	guard.denied = true
	r, _ := newTestRegistry(t, guard, RegistryConfig{})

	if _, err := r.CreateSession(context.Background(), "inf-1", 200, true); !errors.Is(err, ErrAlreadyLive) {
		t.Fatalf("err = %v, want ErrAlreadyLive", err)
	}
	// The in-memory reservation must have been rolled back.
	if _, err := r.CreateSession(context.Background(), "inf-1", 200, true); !errors.Is(err, ErrAlreadyLive) {
		t.Fatalf("err = %v, want ErrAlreadyLive (guard still denying)", err)
	}
}

func TestMarkViewerJoined(t *testing.T) {
	r, emitter := newTestRegistry(t, nil, RegistryConfig{})
	ctx := context.Background()

	s, _ := r.CreateSession(ctx, "inf-1", 200, true)
	if err := r.ReserveJoin(s.ID, "exp-1", "bs-1"); err != nil {
		t.Fatalf("ReserveJoin: %v", err)
	}

	// Only the awaited viewer can join.
	if _, err := r.MarkViewerJoined(ctx, s.ID, "exp-2"); !errors.Is(err, ErrNotJoinable) {
		t.Fatalf("stranger join err = %v, want ErrNotJoinable", err)
	}

	got, err := r.MarkViewerJoined(ctx, s.ID, "exp-1")
	if err != nil {
		t.Fatalf("MarkViewerJoined: %v", err)
	}
	if got.Status != StatusLive || got.CurrentExplorerID != "exp-1" || got.StartTime.IsZero() {
		t.Fatalf("session = %+v", got)
	}

	// Duplicate join by the same viewer (retried intent) is a no-op success.
	if _, err := r.MarkViewerJoined(ctx, s.ID, "exp-1"); err != nil {
		t.Fatalf("duplicate join: %v", err)
	}
	if n := emitter.count(events.TypeStreamJoined); n != 1 {
		t.Fatalf("StreamJoined events = %d, want 1", n)
	}

	// A different viewer cannot displace the live one.
	if _, err := r.MarkViewerJoined(ctx, s.ID, "exp-2"); !errors.Is(err, ErrAlreadyOccupied) {
		t.Fatalf("displace err = %v, want ErrAlreadyOccupied", err)
	}

	if _, err := r.MarkViewerJoined(ctx, "missing", "exp-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session err = %v, want ErrNotFound", err)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	r, emitter := newTestRegistry(t, nil, RegistryConfig{})
	ctx := context.Background()

	s, _ := r.CreateSession(ctx, "inf-1", 200, true)

	first, err := r.EndSession(ctx, s.ID, EndReasonCompleted)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if first.Status != StatusEnded || first.EndReason != EndReasonCompleted {
		t.Fatalf("session = %+v", first)
	}

	second, err := r.EndSession(ctx, s.ID, EndReasonDisconnected)
	if err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	if second.EndReason != EndReasonCompleted {
		t.Fatalf("second end reason = %s, want the original", second.EndReason)
	}
	if n := emitter.count(events.TypeSessionEnded); n != 1 {
		t.Fatalf("SessionEnded events = %d, want 1", n)
	}
}

func TestJoinWindowExpiry(t *testing.T) {
	r, _ := newTestRegistry(t, nil, RegistryConfig{JoinWindow: 20 * time.Millisecond})
	ctx := context.Background()

	endedCh := make(chan EndReason, 1)
	r.SetEndCall(func(_ context.Context, sessionID string, reason EndReason) {
		_, _ = r.EndSession(context.Background(), sessionID, reason)
		endedCh <- reason
	})

	s, _ := r.CreateSession(ctx, "inf-1", 200, true)
	if err := r.ReserveJoin(s.ID, "exp-1", "bs-1"); err != nil {
		t.Fatalf("ReserveJoin: %v", err)
	}

	select {
	case reason := <-endedCh:
		if reason != EndReasonDisconnected {
			t.Fatalf("end reason = %s, want disconnected", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("join window never fired")
	}
	snap, _ := r.Snapshot(s.ID)
	if snap.Status != StatusEnded {
		t.Fatalf("session status = %s, want ended", snap.Status)
	}
}

func TestDisconnectGraceAndReconnect(t *testing.T) {
	r, _ := newTestRegistry(t, nil, RegistryConfig{DisconnectGrace: 30 * time.Millisecond})
	ctx := context.Background()

	endedCh := make(chan string, 1)
	r.SetEndCall(func(_ context.Context, sessionID string, reason EndReason) {
		_, _ = r.EndSession(context.Background(), sessionID, reason)
		endedCh <- sessionID
	})

	s, _ := r.CreateSession(ctx, "inf-1", 200, true)
	if err := r.ReserveJoin(s.ID, "exp-1", "bs-1"); err != nil {
		t.Fatalf("ReserveJoin: %v", err)
	}
	if _, err := r.MarkViewerJoined(ctx, s.ID, "exp-1"); err != nil {
		t.Fatalf("MarkViewerJoined: %v", err)
	}

	// Reconnect within the grace period keeps the session alive.
	r.NotifyDisconnect("exp-1")
	r.NotifyReconnect("exp-1")
	select {
	case <-endedCh:
		t.Fatal("session ended despite reconnect")
	case <-time.After(80 * time.Millisecond):
	}

	// Without reconnect the grace timer ends the call.
	r.NotifyDisconnect("exp-1")
	select {
	case id := <-endedCh:
		if id != s.ID {
			t.Fatalf("ended session = %s, want %s", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("grace timer never fired")
	}
}

func TestSessionsInvolving(t *testing.T) {
	r, _ := newTestRegistry(t, nil, RegistryConfig{})
	ctx := context.Background()

	s1, _ := r.CreateSession(ctx, "inf-1", 200, true)
	_, _ = r.CreateSession(ctx, "inf-2", 100, true)

	if err := r.ReserveJoin(s1.ID, "exp-1", "bs-1"); err != nil {
		t.Fatalf("ReserveJoin: %v", err)
	}

	if got := r.SessionsInvolving("exp-1"); len(got) != 1 || got[0].ID != s1.ID {
		t.Fatalf("sessions involving exp-1 = %+v", got)
	}
	if got := r.SessionsInvolving("inf-2"); len(got) != 1 {
		t.Fatalf("sessions involving inf-2 = %+v", got)
	}
	if got := r.SessionsInvolving("nobody"); len(got) != 0 {
		t.Fatalf("sessions involving nobody = %+v", got)
	}
}
