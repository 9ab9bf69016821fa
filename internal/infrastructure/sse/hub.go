package sse

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/domain/notification"
)

// StaffGroup receives every event; other clients only see events about themselves.
const StaffGroup = "staff"

// Hub manages SSE clients and publishes state-change events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*notification.SSEClient
	logger  zerolog.Logger
}

var (
	_ notification.SSEHub    = (*Hub)(nil)
	_ notification.Publisher = (*Hub)(nil)
)

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*notification.SSEClient),
		logger:  logger.With().Str("component", "sse").Logger(),
	}
}

func (h *Hub) Register(client *notification.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
	h.logger.Debug().Str("clientId", client.ClientID).Int("clients", len(h.clients)).Msg("client registered")
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) GetClient(clientID string) *notification.SSEClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) BroadcastToAll(message *notification.SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.trySend(c, message)
	}
}

func (h *Hub) BroadcastToUser(userID string, message *notification.SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.UserID != nil && *c.UserID == userID {
			h.trySend(c, message)
		}
	}
}

func (h *Hub) BroadcastToGroup(group string, message *notification.SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if inGroup(c, group) {
			h.trySend(c, message)
		}
	}
}

func (h *Hub) SendToClient(clientID string, message *notification.SSEMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return notification.ErrClientNotFound
	}
	if !h.trySend(c, message) {
		return notification.ErrChannelFull
	}
	return nil
}

// Publish delivers ev to staff clients and to the affected user's own
// clients. Each client receives the event at most once.
func (h *Hub) Publish(_ context.Context, ev *notification.Event) error {
	msg, err := notification.MessageFromEvent(ev)
	if err != nil {
		return err
	}
	var userID string
	if ev.UserID != nil {
		userID = ev.UserID.String()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if inGroup(c, StaffGroup) || (userID != "" && c.UserID != nil && *c.UserID == userID) {
			h.trySend(c, msg)
		}
	}
	return nil
}

// Start closes every client when ctx ends.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		h.Stop()
	}()
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func (h *Hub) trySend(c *notification.SSEClient, msg *notification.SSEMessage) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		h.logger.Warn().Str("clientId", c.ClientID).Str("event", msg.Event).Msg("client channel full, message dropped")
		return false
	}
}

func inGroup(c *notification.SSEClient, group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}
