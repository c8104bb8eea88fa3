// Package realtime tracks live WebSocket connections per user and fans
// events out to them.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/metrics"
)

const (
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeConnected = "connected"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("realtime hub closed")

// Message is the envelope written to clients.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub holds the set of open connections for every user.
type Hub struct {
	mu        sync.RWMutex
	users     map[uuid.UUID]map[*Client]struct{}
	total     int
	closed    bool
	onConnect []func(userID uuid.UUID)
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		users:  make(map[uuid.UUID]map[*Client]struct{}),
		logger: logger,
	}
}

// OnConnect registers fn to run when a user goes from zero to one open
// connection. Hooks run on the registering goroutine after the hub lock is
// released.
func (h *Hub) OnConnect(fn func(userID uuid.UUID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

// Register adds c to its user's connection set.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.users[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.total++
	first := len(conns) == 1
	hooks := append(([]func(uuid.UUID))(nil),h.onConnect...)
	total := h.total
	h.mu.Unlock()

	metrics.SetRealtimeConnections(total)
	h.logger.Info("websocket client connected",
		zap.String("user_id", c.userID.String()),
		zap.Uint64("client_id", c.id),
		zap.Int("total_clients", total),
	)

	if first {
		for _, fn := range hooks {
			fn(c.userID)
		}
	}
	return nil
}

// Unregister removes c and closes its send queue. Unregistering twice is a
// no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	total := h.total
	h.mu.Unlock()

	if removed {
		metrics.SetRealtimeConnections(total)
		h.logger.Info("websocket client disconnected",
			zap.String("user_id", c.userID.String()),
			zap.Uint64("client_id", c.id),
			zap.Int("total_clients", total),
		)
	}
}

func (h *Hub) removeLocked(c *Client) bool {
	conns, ok := h.users[c.userID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.users, c.userID)
	}
	h.total--
	close(c.send)
	return true
}

// IsConnected reports whether the user has at least one open connection.
func (h *Hub) IsConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Publish queues an event to every connection of userID and returns how many
// connections accepted it. Connections whose send queue is full are dropped.
func (h *Hub) Publish(userID uuid.UUID, event string, data any) (int, error) {
	payload, err := json.Marshal(Message{Type: event, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHubClosed
	}

	sent := 0
	var slow []*Client
	for c := range h.users[userID] {
		select {
		case c.send <- payload:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.removeLocked(c)
		h.logger.Warn("dropping slow websocket client",
			zap.String("user_id", userID.String()),
			zap.Uint64("client_id", c.id),
		)
	}
	if len(slow) > 0 {
		metrics.SetRealtimeConnections(h.total)
	}
	return sent, nil
}

// reply queues payload to a single client if it is still registered. send is
// only closed under the hub lock.
func (h *Hub) reply(c *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.users[c.userID][c]; !ok {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// UserCount returns the number of users with at least one connection.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Close drops every connection and refuses further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	count := h.total
	for _, conns := range h.users {
		for c := range conns {
			h.removeLocked(c)
		}
	}
	metrics.SetRealtimeConnections(0)
	h.logger.Info("realtime hub stopped", zap.Int("clients_closed", count))
}
