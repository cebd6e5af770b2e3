package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bidcall-platform/internal/events"
	"bidcall-platform/pkg/utils"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrAlreadyOccupied = errors.New("session already occupied")
	ErrAlreadyLive     = errors.New("influencer already has a non-terminal session")
	ErrNotJoinable     = errors.New("session not awaiting this viewer")
	ErrInvalidArgument = errors.New("invalid argument")
)

// SlotGuard enforces the single-broadcast-slot invariant across processes.
// The in-memory registry check covers a single process; the guard covers a
// fleet. A failed release is logged, not fatal: the TTL reaps leaked slots.
type SlotGuard interface {
	Acquire(ctx context.Context, influencerID, sessionID string) (bool, error)
	Release(ctx context.Context, influencerID, sessionID string) error
}

// EndCallFunc ends the stream session's call cycle (accrual stop + archive).
// Wired to the billing coordinator at startup; the registry invokes it from
// its join-window and disconnect-grace timers.
type EndCallFunc func(ctx context.Context, sessionID string, reason EndReason)

// Registry is the authoritative state machine for broadcast slots.
//
// Serialization model: all mutating operations on one session are serialized
// through the shared keyed mutex (key = session id); operations on different
// sessions proceed in parallel. The internal map mutex only protects the map
// structure for snapshot reads.
//
// Lock rule: no method calls another component's locking entry point while
// holding the session lock.
type Registry struct {
	locks *utils.KeyedMutex

	mu           sync.RWMutex
	sessions     map[string]*StreamSession
	byInfluencer map[string]string // influencer id -> non-terminal session id
	timers       map[string]*time.Timer

	guard   SlotGuard
	emitter events.Emitter
	endCall EndCallFunc

	joinWindow      time.Duration
	disconnectGrace time.Duration

	clock func() time.Time
	log   *slog.Logger
}

type RegistryConfig struct {
	JoinWindow      time.Duration
	DisconnectGrace time.Duration
}

func NewRegistry(locks *utils.KeyedMutex, guard SlotGuard, emitter events.Emitter, cfg RegistryConfig, log *slog.Logger) *Registry {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		locks:           locks,
		sessions:        make(map[string]*StreamSession),
		byInfluencer:    make(map[string]string),
		timers:          make(map[string]*time.Timer),
		guard:           guard,
		emitter:         emitter,
		joinWindow:      cfg.JoinWindow,
		disconnectGrace: cfg.DisconnectGrace,
		clock:           time.Now,
		log:             log,
	}
}

// SetEndCall registers the call-cycle teardown used by timers. Must be called
// during wiring, before any session goes live.
func (r *Registry) SetEndCall(fn EndCallFunc) { r.endCall = fn }

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(fn func() time.Time) { r.clock = fn }

// CreateSession opens a pending broadcast slot for an influencer.
func (r *Registry) CreateSession(ctx context.Context, influencerID string, rateMinor int64, allowBids bool) (StreamSession, error) {
	if influencerID == "" || rateMinor < 0 {
		return StreamSession{}, ErrInvalidArgument
	}

	id := uuid.NewString()

	r.mu.Lock()
	if _, busy := r.byInfluencer[influencerID]; busy {
		r.mu.Unlock()
		return StreamSession{}, ErrAlreadyLive
	}
	// Reserve the in-memory slot before the cross-process claim so a
	// concurrent local create cannot slip in between.
	r.byInfluencer[influencerID] = id
	r.mu.Unlock()

	if r.guard != nil {
		ok, err := r.guard.Acquire(ctx, influencerID, id)
		if err != nil || !ok {
			r.mu.Lock()
			delete(r.byInfluencer, influencerID)
			r.mu.Unlock()
			if err != nil {
				return StreamSession{}, err
			}
			return StreamSession{}, ErrAlreadyLive
		}
	}

	s := &StreamSession{
		ID:                 id,
		InfluencerID:       influencerID,
		Status:             StatusPending,
		AllowBids:          allowBids,
		PerMinuteRateMinor: rateMinor,
		CreatedAt:          r.clock().UTC(),
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.log.Info("session created", "session_id", id, "influencer_id", influencerID, "allow_bids", allowBids)
	return *s, nil
}

// Snapshot returns a lock-free copy of the session state.
func (r *Registry) Snapshot(sessionID string) (StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return StreamSession{}, false
	}
	return *s, true
}

// SessionsInvolving returns non-terminal sessions where the user is the
// influencer, the connected explorer, or the awaited explorer.
func (r *Registry) SessionsInvolving(userID string) []StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []StreamSession
	for _, s := range r.sessions {
		if s.Status == StatusEnded {
			continue
		}
		if s.InfluencerID == userID || s.CurrentExplorerID == userID || s.AwaitingExplorerID == userID {
			out = append(out, *s)
		}
	}
	return out
}

// ReserveJoin records the accepted viewer and arms the join-window timer.
// Called by the resolution engine at accept commit.
//
// Caller must hold the session lock.
func (r *Registry) ReserveJoin(sessionID, explorerID, billingSessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if s.Status != StatusPending {
		r.mu.Unlock()
		return ErrAlreadyOccupied
	}
	s.AwaitingExplorerID = explorerID
	s.BillingSessionID = billingSessionID
	r.mu.Unlock()

	r.armTimer(sessionID, r.joinWindow, EndReasonDisconnected)
	return nil
}

// MarkViewerJoined transitions Pending -> Live for the accepted viewer.
func (r *Registry) MarkViewerJoined(ctx context.Context, sessionID, explorerID string) (StreamSession, error) {
	if sessionID == "" || explorerID == "" {
		return StreamSession{}, ErrInvalidArgument
	}

	r.locks.Lock(sessionID)
	defer r.locks.Unlock(sessionID)

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return StreamSession{}, ErrNotFound
	}
	if s.Status == StatusEnded {
		r.mu.Unlock()
		return StreamSession{}, ErrNotFound
	}
	if s.CurrentExplorerID != "" {
		out := *s
		r.mu.Unlock()
		if out.CurrentExplorerID == explorerID {
			// Duplicate join (reconnect or retried intent) is not an error.
			return out, nil
		}
		return StreamSession{}, ErrAlreadyOccupied
	}
	if s.AwaitingExplorerID != explorerID {
		r.mu.Unlock()
		return StreamSession{}, ErrNotJoinable
	}

	s.CurrentExplorerID = explorerID
	s.AwaitingExplorerID = ""
	s.Status = StatusLive
	s.StartTime = r.clock().UTC()
	out := *s
	r.mu.Unlock()

	r.cancelTimer(sessionID)

	r.emitter.EmitTo([]string{out.InfluencerID, explorerID}, events.Event{
		Type:      events.TypeStreamJoined,
		SessionID: sessionID,
		Payload:   events.StreamJoinedPayload{UserID: explorerID, Success: true},
	})

	r.log.Info("viewer joined", "session_id", sessionID, "explorer_id", explorerID)
	return out, nil
}

// EndSession moves a session to Ended. Idempotent: later calls return the
// already-ended session without side effects.
func (r *Registry) EndSession(ctx context.Context, sessionID string, reason EndReason) (StreamSession, error) {
	if sessionID == "" {
		return StreamSession{}, ErrInvalidArgument
	}

	r.locks.Lock(sessionID)
	defer r.locks.Unlock(sessionID)

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return StreamSession{}, ErrNotFound
	}
	if s.Status == StatusEnded {
		out := *s
		r.mu.Unlock()
		return out, nil
	}

	s.Status = StatusEnded
	s.EndTime = r.clock().UTC()
	s.EndReason = reason
	explorer := s.CurrentExplorerID
	s.CurrentExplorerID = ""
	s.AwaitingExplorerID = ""
	delete(r.byInfluencer, s.InfluencerID)
	out := *s
	r.mu.Unlock()

	r.cancelTimer(sessionID)

	if r.guard != nil {
		if err := r.guard.Release(ctx, out.InfluencerID, sessionID); err != nil {
			r.log.Warn("live slot release failed", "session_id", sessionID, "err", err)
		}
	}

	to := []string{out.InfluencerID}
	if explorer != "" {
		to = append(to, explorer)
	}
	r.emitter.EmitTo(to, events.Event{
		Type:      events.TypeSessionEnded,
		SessionID: sessionID,
		Payload:   events.SessionEndedPayload{Reason: string(reason)},
	})

	r.log.Info("session ended", "session_id", sessionID, "reason", reason)
	return out, nil
}

// NotifyDisconnect arms the disconnect-grace timer for any live session the
// user participates in. If the user reconnects before it fires, the timer is
// cancelled; otherwise the call cycle ends with reason "disconnected".
func (r *Registry) NotifyDisconnect(userID string) {
	for _, s := range r.SessionsInvolving(userID) {
		if s.Status != StatusLive {
			continue
		}
		r.armTimer(s.ID, r.disconnectGrace, EndReasonDisconnected)
		r.log.Debug("disconnect grace armed", "session_id", s.ID, "user_id", userID)
	}
}

// NotifyReconnect cancels pending grace timers for live sessions the user
// participates in.
func (r *Registry) NotifyReconnect(userID string) {
	for _, s := range r.SessionsInvolving(userID) {
		if s.Status != StatusLive {
			continue
		}
		r.cancelTimer(s.ID)
		r.log.Debug("disconnect grace cancelled", "session_id", s.ID, "user_id", userID)
	}
}

// Close cancels all pending timers. Sessions are left as-is; a restart
// reconstructs presence from reconnecting clients.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Registry) armTimer(sessionID string, d time.Duration, reason EndReason) {
	if d <= 0 || r.endCall == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
	}
	r.timers[sessionID] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, sessionID)
		r.mu.Unlock()
		r.endCall(context.Background(), sessionID, reason)
	})
}

func (r *Registry) cancelTimer(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}
