// Package storetest holds the behavioural contract every interfaces.Store backend must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) interfaces.Store

// Run exercises the full Store contract against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("RoomLifecycle", func(t *testing.T) { testRoomLifecycle(t, newStore(t)) })
	t.Run("RoomVersionConflict", func(t *testing.T) { testRoomVersionConflict(t, newStore(t)) })
	t.Run("DeleteInactiveRooms", func(t *testing.T) { testDeleteInactiveRooms(t, newStore(t)) })
	t.Run("UserUpsertKeepsCreatedAt", func(t *testing.T) { testUserUpsert(t, newStore(t)) })
	t.Run("UsersOrderedByCreation", func(t *testing.T) { testUsersOrdered(t, newStore(t)) })
	t.Run("DeleteOfflineUsers", func(t *testing.T) { testDeleteOfflineUsers(t, newStore(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("Drawings", func(t *testing.T) { testDrawings(t, newStore(t)) })
	t.Run("HealthCheck", func(t *testing.T) { assert.NoError(t, newStore(t).HealthCheck(context.Background())) })
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRoom(id string, at time.Time) *types.Room {
	return &types.Room{
		RoomID:        id,
		Name:          "Room " + id,
		Description:   "Collaborative coding room",
		FileStructure: []types.File{},
		ActiveFiles:   []string{},
		Version:       1,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func testRoomLifecycle(t *testing.T, store interfaces.Store) {
	ctx := context.Background()

	_, err := store.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, interfaces.ErrRoomNotFound)

	require.NoError(t, store.CreateRoom(ctx, newRoom("r1", base)))
	assert.ErrorIs(t, store.CreateRoom(ctx, newRoom("r1", base)), interfaces.ErrRoomExists)

	room, err := store.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Room r1", room.Name)
	assert.Equal(t, uint64(1), room.Version)
	assert.Empty(t, room.FileStructure)
	assert.Nil(t, room.ActiveFile)

	room.FileStructure = []types.File{
		{ID: "d1", Name: "src", Type: types.FileTypeDirectory, Children: []string{"f1"}, CreatedAt: base, UpdatedAt: base},
		{ID: "f1", Name: "main.go", Type: types.FileTypeFile, Content: "package main", ParentID: types.StringPtr("d1"), CreatedAt: base, UpdatedAt: base},
	}
	room.ActiveFiles = []string{"f1"}
	room.ActiveFile = types.StringPtr("f1")
	room.Version = 2
	room.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, store.SaveRoom(ctx, room, 1))

	got, err := store.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	require.Len(t, got.FileStructure, 2)
	assert.Equal(t, "package main", got.FileStructure[1].Content)
	assert.Equal(t, "d1", *got.FileStructure[1].ParentID)
	assert.Equal(t, []string{"f1"}, got.FileStructure[0].Children)
	assert.Equal(t, []string{"f1"}, got.ActiveFiles)
	require.NotNil(t, got.ActiveFile)
	assert.Equal(t, "f1", *got.ActiveFile)
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))

	missing := newRoom("nope", base)
	missing.Version = 2
	assert.ErrorIs(t, store.SaveRoom(ctx, missing, 1), interfaces.ErrRoomNotFound)
}

func testRoomVersionConflict(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, newRoom("r1", base)))

	first := newRoom("r1", base)
	first.Name = "first"
	first.Version = 2
	require.NoError(t, store.SaveRoom(ctx, first, 1))

	stale := newRoom("r1", base)
	stale.Name = "stale"
	stale.Version = 2
	assert.ErrorIs(t, store.SaveRoom(ctx, stale, 1), interfaces.ErrVersionConflict)

	got, err := store.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func testDeleteInactiveRooms(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	old := base.Add(-8 * 24 * time.Hour)

	require.NoError(t, store.CreateRoom(ctx, newRoom("stale-empty", old)))
	withFiles := newRoom("stale-files", old)
	withFiles.FileStructure = []types.File{{ID: "f1", Name: "a.txt", Type: types.FileTypeFile}}
	require.NoError(t, store.CreateRoom(ctx, withFiles))
	require.NoError(t, store.CreateRoom(ctx, newRoom("fresh-empty", base)))

	deleted, err := store.DeleteInactiveRooms(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetRoom(ctx, "stale-empty")
	assert.ErrorIs(t, err, interfaces.ErrRoomNotFound)
	_, err = store.GetRoom(ctx, "stale-files")
	assert.NoError(t, err)
	_, err = store.GetRoom(ctx, "fresh-empty")
	assert.NoError(t, err)
}

func newUser(socketID, username, roomID string, at time.Time) *types.User {
	return &types.User{
		SocketID:  socketID,
		Username:  username,
		RoomID:    roomID,
		Status:    types.StatusOnline,
		LastSeen:  at,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func testUserUpsert(t *testing.T, store interfaces.Store) {
	ctx := context.Background()

	_, err := store.GetUserBySocketID(ctx, "s1")
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)

	require.NoError(t, store.UpsertUser(ctx, newUser("s1", "alice", "r1", base)))

	later := newUser("s1", "alice", "r1", base.Add(time.Hour))
	later.Status = types.StatusOffline
	later.Typing = true
	later.CursorPosition = 42
	later.CurrentFile = types.StringPtr("f1")
	require.NoError(t, store.UpsertUser(ctx, later))

	got, err := store.GetUserBySocketID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, got.Status)
	assert.True(t, got.Typing)
	assert.Equal(t, 42, got.CursorPosition)
	require.NotNil(t, got.CurrentFile)
	assert.Equal(t, "f1", *got.CurrentFile)
	assert.True(t, got.CreatedAt.Equal(base), "created_at must survive upsert, got %v", got.CreatedAt)
	assert.True(t, got.LastSeen.Equal(base.Add(time.Hour)))
}

func testUsersOrdered(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, newUser("s2", "bob", "r1", base.Add(2*time.Second))))
	require.NoError(t, store.UpsertUser(ctx, newUser("s1", "alice", "r1", base.Add(time.Second))))
	require.NoError(t, store.UpsertUser(ctx, newUser("s3", "carol", "r2", base)))

	users, err := store.ListUsersInRoom(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)

	empty, err := store.ListUsersInRoom(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDeleteOfflineUsers(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	old := base.Add(-25 * time.Hour)

	gone := newUser("s1", "alice", "r1", old)
	gone.Status = types.StatusOffline
	require.NoError(t, store.UpsertUser(ctx, gone))

	recent := newUser("s2", "bob", "r1", base)
	recent.Status = types.StatusOffline
	require.NoError(t, store.UpsertUser(ctx, recent))

	require.NoError(t, store.UpsertUser(ctx, newUser("s3", "carol", "r1", old)))

	deleted, err := store.DeleteOfflineUsers(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetUserBySocketID(ctx, "s1")
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)
	_, err = store.GetUserBySocketID(ctx, "s3")
	assert.NoError(t, err, "online users are never reaped")
}

func testMessages(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	for i, content := range []string{"one", "two", "three"} {
		require.NoError(t, store.InsertMessage(ctx, &types.Message{
			ID:        content,
			RoomID:    "r1",
			Username:  "alice",
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.InsertMessage(ctx, &types.Message{
		ID: "old", RoomID: "r2", Username: "bob", Content: "old", Timestamp: base.Add(-31 * 24 * time.Hour),
	}))

	messages, err := store.ListMessages(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "three", messages[0].Content)
	assert.Equal(t, "two", messages[1].Content)

	count, err := store.CountMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	deleted, err := store.DeleteMessagesBefore(ctx, base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err = store.CountMessages(ctx, "r2")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testDrawings(t *testing.T, store interfaces.Store) {
	ctx := context.Background()

	_, err := store.LatestDrawing(ctx, "r1")
	assert.ErrorIs(t, err, interfaces.ErrDrawingNotFound)

	require.NoError(t, store.InsertDrawing(ctx, &types.DrawingSnapshot{
		ID: "d1", RoomID: "r1", Snapshot: json.RawMessage(`{"shapes":[1]}`), CreatedAt: base,
	}))
	require.NoError(t, store.InsertDrawing(ctx, &types.DrawingSnapshot{
		ID: "d2", RoomID: "r1", Snapshot: json.RawMessage(`{"shapes":[1,2]}`), CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, store.InsertDrawing(ctx, &types.DrawingSnapshot{
		ID: "d0", RoomID: "r1", Snapshot: json.RawMessage(`{}`), CreatedAt: base.Add(-8 * 24 * time.Hour),
	}))

	latest, err := store.LatestDrawing(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "d2", latest.ID)
	assert.JSONEq(t, `{"shapes":[1,2]}`, string(latest.Snapshot))

	drawings, err := store.ListDrawings(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, drawings, 3)
	assert.Equal(t, "d0", drawings[2].ID)

	deleted, err := store.DeleteDrawingsBefore(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
