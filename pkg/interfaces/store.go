package interfaces

import (
	"context"
	"time"

	"codesync/pkg/types"
)

// Store is the durable system of record for rooms, users, messages and drawings
// ARCHITECTURAL DISCOVERY: One narrow contract with upsert-by-key, range query and
// delete-by-predicate lets SQLite, MongoDB and in-memory backends stay interchangeable
type Store interface {
	// Room operations

	// GetRoom returns ErrRoomNotFound when roomID is unknown
	GetRoom(ctx context.Context, roomID string) (*types.Room, error)
	// CreateRoom inserts a new room at version 1; ErrRoomExists if the key is taken
	CreateRoom(ctx context.Context, room *types.Room) error
	// SaveRoom replaces the room if its stored version equals expectedVersion
	// FUNCTIONAL DISCOVERY: The caller bumps room.Version before saving; a mismatch
	// yields ErrVersionConflict so stale writers reload instead of clobbering
	SaveRoom(ctx context.Context, room *types.Room, expectedVersion uint64) error
	// DeleteInactiveRooms removes rooms with an empty file tree not updated since before
	DeleteInactiveRooms(ctx context.Context, before time.Time) (int64, error)

	// User operations

	// UpsertUser inserts or replaces the user keyed by SocketID, keeping the original CreatedAt
	UpsertUser(ctx context.Context, user *types.User) error
	// GetUserBySocketID returns ErrUserNotFound when no record exists
	GetUserBySocketID(ctx context.Context, socketID string) (*types.User, error)
	// ListUsersInRoom returns every user ever recorded for the room in creation order
	ListUsersInRoom(ctx context.Context, roomID string) ([]*types.User, error)
	// DeleteOfflineUsers reaps offline users last seen before the cutoff
	DeleteOfflineUsers(ctx context.Context, before time.Time) (int64, error)

	// Message operations

	InsertMessage(ctx context.Context, message *types.Message) error
	// ListMessages returns at most limit messages, most recent first
	ListMessages(ctx context.Context, roomID string, limit int) ([]*types.Message, error)
	CountMessages(ctx context.Context, roomID string) (int64, error)
	DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error)

	// Drawing operations

	InsertDrawing(ctx context.Context, drawing *types.DrawingSnapshot) error
	// LatestDrawing returns ErrDrawingNotFound when the room has no snapshot
	LatestDrawing(ctx context.Context, roomID string) (*types.DrawingSnapshot, error)
	// ListDrawings returns at most limit snapshots, most recent first
	ListDrawings(ctx context.Context, roomID string, limit int) ([]*types.DrawingSnapshot, error)
	DeleteDrawingsBefore(ctx context.Context, before time.Time) (int64, error)

	// Health and lifecycle operations

	HealthCheck(ctx context.Context) error
	Close() error
}
