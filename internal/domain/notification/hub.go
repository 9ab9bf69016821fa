package notification

import "context"

// SSEHub defines the interface for managing SSE connections
type SSEHub interface {
	// Client management
	Register(client *SSEClient)
	Unregister(clientID string)
	GetClient(clientID string) *SSEClient
	GetClientCount() int

	// Broadcasting
	BroadcastToAll(message *SSEMessage)
	BroadcastToUser(userID string, message *SSEMessage)
	BroadcastToGroup(group string, message *SSEMessage)
	SendToClient(clientID string, message *SSEMessage) error

	// Lifecycle
	Start(ctx context.Context)
	Stop()
}
