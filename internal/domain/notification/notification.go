package notification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType names a state-change event.
type EventType string

const (
	EventRequestUpdated     EventType = "request.updated"
	EventTransactionUpdated EventType = "transaction.updated"
	EventKeyUpdated         EventType = "key.updated"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Event is emitted after a committed state change.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Type     EventType `json:"type"`
	EntityID uuid.UUID `json:"entityId"`
	// UserID is the user most affected by the change, when there is one.
	UserID     *uuid.UUID      `json:"userId,omitempty"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewEvent creates an event; payload is marshalled when non-nil.
func NewEvent(eventType EventType, entityID uuid.UUID, userID *uuid.UUID, status string, payload interface{}) *Event {
	ev := &Event{
		ID:         uuid.New(),
		Type:       eventType,
		EntityID:   entityID,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	}
	if userID != nil {
		u := *userID
		ev.UserID = &u
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Publisher delivers events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// SSEClient represents an active SSE connection
type SSEClient struct {
	ClientID    string
	UserID      *string
	Groups      []string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a new SSE client
func NewSSEClient(clientID string, userID *string, groups []string) *SSEClient {
	return &SSEClient{
		ClientID:    clientID,
		UserID:      userID,
		Groups:      groups,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, 100),
	}
}

// Close closes the client's message channel
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage represents a message to be sent via SSE
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage creates a new SSE message
func NewSSEMessage(event string, data json.RawMessage) *SSEMessage {
	return &SSEMessage{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// MessageFromEvent wraps an event for SSE delivery.
func MessageFromEvent(ev *Event) (*SSEMessage, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := NewSSEMessage(string(ev.Type), data)
	msg.ID = ev.ID.String()
	return msg, nil
}
