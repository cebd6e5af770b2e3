package gateway

import (
	"log/slog"
	"sync"

	"bidcall-platform/internal/events"
)

// sendQueueSize bounds the per-connection outbound buffer. A consumer that
// falls this far behind is cut off and must reconnect.
const sendQueueSize = 256

// Client is one live connection's outbound half: the hub enqueues, the
// connection's write pump drains.
type Client struct {
	UserID string

	send chan events.Event

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(userID string) *Client {
	return &Client{
		UserID: userID,
		send:   make(chan events.Event, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Outbound is drained by the connection's write pump.
func (c *Client) Outbound() <-chan events.Event { return c.send }

// Done closes when the hub drops the client.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks live connections per user and fans events out to them.
//
// EmitTo only enqueues, never touches the network, so it is safe to call
// from inside a session's critical section. A full queue drops the
// connection rather than blocking the caller.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Client]struct{}

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{byUser: make(map[string]map[*Client]struct{}), log: log}
}

// Register adds a connection for a user and reports whether it is the
// user's first live connection (a reconnect edge for grace timers).
func (h *Hub) Register(userID string) (*Client, bool) {
	c := newClient(userID)
	h.mu.Lock()
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byUser[userID] = set
	}
	first := len(set) == 0
	set[c] = struct{}{}
	h.mu.Unlock()
	return c, first
}

// Unregister drops a connection and reports whether the user now has no
// live connections left (the disconnect edge).
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[c.UserID]
	if !ok {
		return false
	}
	if _, member := set[c]; !member {
		return len(set) == 0
	}
	delete(set, c)
	c.close()
	if len(set) == 0 {
		delete(h.byUser, c.UserID)
		return true
	}
	return false
}

// EmitTo enqueues the event on every live connection of each addressed user.
func (h *Hub) EmitTo(userIDs []string, ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		for c := range h.byUser[uid] {
			select {
			case c.send <- ev:
			default:
				// Slow consumer: cut it loose instead of blocking a
				// critical section. The client re-syncs on reconnect.
				h.log.Warn("send queue full, dropping connection", "user_id", uid)
				c.close()
			}
		}
	}
}

// Connections reports the live connection count for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}
