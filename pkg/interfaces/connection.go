package interfaces

import (
	"context"

	"codesync/pkg/types"
)

// Connection represents one live client attachment
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details
// so the router can be exercised against in-memory fakes
type Connection interface {
	// WriteJSON sends a JSON frame to the client (thread-safe)
	WriteJSON(v interface{}) error
	// Close closes the connection and releases its writer goroutine
	Close() error
	// GetConnectionID returns the server-assigned connection identifier
	GetConnectionID() string
}

// Delivery hands outbound events to live connections by identifier
// FUNCTIONAL DISCOVERY: Delivery to an unknown or closed connection is reported
// as an error but never blocks fan-out to the remaining recipients
type Delivery interface {
	Send(connectionID string, event *types.Event) error
}

// MembershipMirror publishes room membership outside the process
// TECHNICAL DISCOVERY: Optional; a nil mirror disables publication entirely
type MembershipMirror interface {
	AddMember(ctx context.Context, roomID, connectionID, username string) error
	RemoveMember(ctx context.Context, roomID, connectionID string) error
	Members(ctx context.Context, roomID string) (map[string]string, error)
}
