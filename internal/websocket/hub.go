package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/quoteclaim/internal/idle"
)

const (
	TypeActivity   = "activity"
	TypeVisibility = "visibility"
	TypeExtend     = "extend"

	TypeCountdown = "session_countdown"
	TypeWarning   = "session_warning"
	TypeExtended  = "session_extended"
	TypeExpired   = "session_expired"
	TypeClosed    = "session_closed"

	ExpiredReason  = "idle_timeout"
	ExpiredMessage = "You were signed out after a period of inactivity."
)

// Inbound is a message from the browser.
type Inbound struct {
	Type    string `json:"type"`
	Signal  string `json:"signal,omitempty"`
	Visible bool   `json:"visible,omitempty"`
}

// Message is a notification pushed to the browser.
type Message struct {
	Type        string `json:"type"`
	RemainingMS *int64 `json:"remaining_ms,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

func remainingMS(d time.Duration) *int64 {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}

// NoticeMessage converts an idle notice to its wire form.
func NoticeMessage(n idle.Notice) Message {
	switch n.Kind {
	case idle.NoticeWarning:
		return Message{Type: TypeWarning, RemainingMS: remainingMS(n.Remaining), Phase: n.Phase.String()}
	case idle.NoticeExtended:
		return Message{Type: TypeExtended, RemainingMS: remainingMS(n.Remaining), Phase: n.Phase.String()}
	case idle.NoticeExpired:
		return Message{Type: TypeExpired, Reason: ExpiredReason, Message: ExpiredMessage}
	case idle.NoticeClosed:
		return Message{Type: TypeClosed, Reason: "signed_out"}
	default:
		return Message{Type: TypeCountdown, RemainingMS: remainingMS(n.Remaining), Phase: n.Phase.String()}
	}
}

// Hub tracks the open connections, indexed by session.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	sessions map[string]int
	logger   *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		sessions: make(map[string]int),
		logger:   logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = struct{}{}
	h.sessions[c.sessionID]++
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if h.sessions[c.sessionID]--; h.sessions[c.sessionID] <= 0 {
		delete(h.sessions, c.sessionID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionClients returns the number of connections open for a session.
func (h *Hub) SessionClients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// CloseAll asks every connection to close, for server shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.finish("server shutting down")
	}
}
