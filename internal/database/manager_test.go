package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesync/internal/database/storetest"
	dbconfig "codesync/pkg/database"
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestManager_StoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.Store { return setupTestDB(t) })
}

func TestManager_RejectsInvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = ""
	_, err := NewManager(cfg)
	assert.Error(t, err)
}

func TestManager_ConcurrentWritesSerialize(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := manager.InsertMessage(ctx, &types.Message{
				ID:        time.Duration(i).String(),
				RoomID:    "r1",
				Username:  "alice",
				Content:   "hello",
				Timestamp: now,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	count, err := manager.CountMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), count)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	manager := setupTestDB(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	err := manager.InsertMessage(context.Background(), &types.Message{ID: "m1", RoomID: "r1"})
	assert.ErrorIs(t, err, interfaces.ErrStoreClosed)
}

func TestManager_ReopenKeepsData(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := NewManager(cfg)
	require.NoError(t, err)
	room := &types.Room{RoomID: "r1", Name: "Room r1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, first.CreateRoom(ctx, room))
	require.NoError(t, first.Close())

	second, err := NewManager(cfg)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, err := second.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Empty(t, got.FileStructure)
	assert.NotNil(t, got.ActiveFiles)
}
