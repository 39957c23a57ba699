package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"rpportal/internal/middleware"
	"rpportal/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	maxConnsPerUser = 8
	maxTotalConns   = 10000
)

var (
	// ErrServerConnLimit is returned by Register when the hub is full.
	ErrServerConnLimit = errors.New("server connection limit reached")
	// ErrUserConnLimit is returned by Register when the user has too many tabs open.
	ErrUserConnLimit = errors.New("user connection limit reached")
	// ErrHubClosed is returned by Register after Shutdown.
	ErrHubClosed = errors.New("notification hub is shut down")
)

// Hub maps user ids to their live websocket clients on this instance.
type Hub struct {
	mu         sync.RWMutex
	conns      map[uuid.UUID]map[*Client]struct{}
	totalConns int
	closed     bool
	done       chan struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[uuid.UUID]map[*Client]struct{}),
		done:  make(chan struct{}),
	}
}

// Name identifies the hub in metrics.
func (h *Hub) Name() string { return "notifications" }

// Register adds a connection for userID. conn may be nil in tests.
func (h *Hub) Register(userID uuid.UUID, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if h.totalConns >= maxTotalConns {
		return nil, ErrServerConnLimit
	}

	m, ok := h.conns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[userID] = m
	}
	if len(m) >= maxConnsPerUser {
		return nil, ErrUserConnLimit
	}

	client := newClient(h, conn, userID)
	m[client] = struct{}{}
	h.totalConns++
	observability.WebSocketConnectionsTotal.Inc()
	return client, nil
}

// UnregisterClient removes client and closes its send channel. Safe to call twice.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[client.UserID]
	if !ok {
		return
	}
	if _, exists := m[client]; !exists {
		return
	}
	delete(m, client)
	close(client.Send)
	h.totalConns--
	observability.WebSocketConnectionsTotal.Dec()
	if len(m) == 0 {
		delete(h.conns, client.UserID)
	}
}

// Deliver sends message to all connections of userID.
func (h *Hub) Deliver(userID uuid.UUID, message []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := h.conns[userID]
	for c := range clients {
		c.TrySend(message)
	}
	return len(clients)
}

// DeliverAll sends message to every connected client.
func (h *Hub) DeliverAll(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.conns {
		for c := range clients {
			c.TrySend(message)
		}
	}
}

// IsOnline reports whether userID has at least one connection on this instance.
func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// ConnectionCount returns the number of live connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConns
}

// Route dispatches a pub/sub message to local connections.
func (h *Hub) Route(channel, payload string) {
	if channel == broadcastChannel {
		h.DeliverAll([]byte(payload))
		return
	}
	userID, err := ParseUserChannel(channel)
	if err != nil {
		middleware.Logger.Warn("dropping message on unknown channel", slog.String("channel", channel))
		return
	}
	h.Deliver(userID, []byte(payload))
}

// StartWiring forwards messages published through n to this hub's connections.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartPatternSubscriber(ctx, h.Route)
}

// Shutdown closes every client's send channel; each WritePump then sends a
// close frame and closes its connection.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	closedConns := 0
	for _, clients := range h.conns {
		for c := range clients {
			close(c.Send)
			observability.WebSocketConnectionsTotal.Dec()
			closedConns++
		}
	}
	h.conns = make(map[uuid.UUID]map[*Client]struct{})
	h.totalConns = 0
	h.mu.Unlock()

	middleware.Logger.Info("notification hub shut down", slog.Int("connections", closedConns))
	close(h.done)
	return nil
}

// Done is closed once Shutdown completes.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
