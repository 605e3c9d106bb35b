// Package realtime fans room events out to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"
)

// RoomTracker is told when a room gains its first or loses its last local
// subscriber.
type RoomTracker interface {
	RoomOpened(ctx context.Context, sessionID string)
	RoomClosed(ctx context.Context, sessionID string)
}

// Client is one connection's outbound queue. Messages come out of Messages in
// the order the hub accepted them; Done is closed when the hub evicts the
// client.
type Client struct {
	ID string

	send    chan []byte
	done    chan struct{}
	rooms   map[string]struct{}
	evicted bool
}

// Messages returns the outbound queue.
func (c *Client) Messages() <-chan []byte { return c.send }

// Done is closed once the client has been evicted for falling behind.
func (c *Client) Done() <-chan struct{} { return c.done }

// Hub keeps room membership. All enqueues happen under one lock so every
// subscriber of a room sees the same order.
type Hub struct {
	buffer  int
	tracker RoomTracker
	logger  *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[*Client]struct{}
}

type HubOption func(*Hub)

// WithBuffer sets the per-client queue length.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithTracker(t RoomTracker) HubOption {
	return func(h *Hub) { h.tracker = t }
}

func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer: 64,
		logger: logging.Discard(),
		rooms:  make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewClient allocates a client queue; it receives nothing until it joins a room.
func (h *Hub) NewClient(id string) *Client {
	return &Client{
		ID:    id,
		send:  make(chan []byte, h.buffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
}

// Join subscribes c to a session's room. It reports false if c was evicted.
func (h *Hub) Join(ctx context.Context, sessionID string, c *Client) bool {
	h.mu.Lock()
	if c.evicted {
		h.mu.Unlock()
		return false
	}
	members, ok := h.rooms[sessionID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[sessionID] = members
	}
	members[c] = struct{}{}
	c.rooms[sessionID] = struct{}{}
	opened := !ok
	h.mu.Unlock()

	if opened && h.tracker != nil {
		h.tracker.RoomOpened(ctx, sessionID)
	}
	return true
}

// Leave unsubscribes c from one room.
func (h *Hub) Leave(ctx context.Context, sessionID string, c *Client) {
	h.mu.Lock()
	closed := h.leaveLocked(sessionID, c)
	h.mu.Unlock()
	if closed && h.tracker != nil {
		h.tracker.RoomClosed(ctx, sessionID)
	}
}

// Drop removes c from every room, e.g. when its connection closes.
func (h *Hub) Drop(ctx context.Context, c *Client) {
	h.mu.Lock()
	closed := h.dropLocked(c)
	h.mu.Unlock()
	h.notifyClosed(ctx, closed)
}

// Send enqueues a message for a single client, such as a command ack.
func (h *Hub) Send(ctx context.Context, c *Client, msg []byte) bool {
	h.mu.Lock()
	if c.evicted {
		h.mu.Unlock()
		return false
	}
	closed, ok := h.enqueueLocked(c, msg)
	h.mu.Unlock()
	h.notifyClosed(ctx, closed)
	return ok
}

// Publish implements app.Broadcaster for a single instance.
func (h *Hub) Publish(ctx context.Context, ev domain.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "event", ev.Name, "err", err)
		return
	}
	h.Deliver(ctx, ev.SessionID, msg)
}

// Deliver enqueues an encoded event for every subscriber of a room. A client
// whose queue is full is evicted rather than skipped.
func (h *Hub) Deliver(ctx context.Context, sessionID string, msg []byte) {
	h.mu.Lock()
	var closed []string
	for c := range h.rooms[sessionID] {
		more, _ := h.enqueueLocked(c, msg)
		closed = append(closed, more...)
	}
	h.mu.Unlock()
	h.notifyClosed(ctx, closed)
}

// Subscribers returns the local subscriber count of a room.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionID])
}

// Rooms lists the sessions with at least one local subscriber.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) enqueueLocked(c *Client, msg []byte) ([]string, bool) {
	select {
	case c.send <- msg:
		return nil, true
	default:
	}
	h.logger.Warn("evicting slow realtime client", "client", c.ID, "buffer", h.buffer)
	c.evicted = true
	close(c.done)
	return h.dropLocked(c), false
}

func (h *Hub) leaveLocked(sessionID string, c *Client) bool {
	members, ok := h.rooms[sessionID]
	if !ok {
		return false
	}
	if _, ok := members[c]; !ok {
		return false
	}
	delete(members, c)
	delete(c.rooms, sessionID)
	if len(members) == 0 {
		delete(h.rooms, sessionID)
		return true
	}
	return false
}

func (h *Hub) dropLocked(c *Client) []string {
	var closed []string
	for sessionID := range c.rooms {
		if h.leaveLocked(sessionID, c) {
			closed = append(closed, sessionID)
		}
	}
	return closed
}

func (h *Hub) notifyClosed(ctx context.Context, rooms []string) {
	if h.tracker == nil {
		return
	}
	for _, id := range rooms {
		h.tracker.RoomClosed(ctx, id)
	}
}
