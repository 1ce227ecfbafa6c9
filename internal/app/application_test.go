package app

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesync/internal/config"
	"codesync/internal/database"
	"codesync/internal/database/memstore"
	"codesync/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = config.DriverMemory
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Log.Level = "error"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	ctx := context.Background()
	app, err := NewApplication(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	})
	return app
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "postgres"
	_, err := NewApplication(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpenStore_Drivers(t *testing.T) {
	ctx := context.Background()

	mem, err := OpenStore(ctx, &config.DatabaseConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, mem)
	require.NoError(t, mem.Close())

	sqliteCfg := config.DefaultConfig().Database
	sqliteCfg.SQLite.DatabasePath = filepath.Join(t.TempDir(), "nested", "codesync.db")
	lite, err := OpenStore(ctx, sqliteCfg)
	require.NoError(t, err)
	assert.IsType(t, &database.Manager{}, lite)
	require.NoError(t, lite.HealthCheck(ctx))
	require.NoError(t, lite.Close())

	_, err = OpenStore(ctx, &config.DatabaseConfig{Driver: "nope"})
	assert.Error(t, err)
}

func TestApplication_ServesHealthAndWebSocket(t *testing.T) {
	app := startApp(t, testConfig())
	base := "http://" + app.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])

	conn, _, err := gws.DefaultDialer.Dial("ws://"+app.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, types.EventConnected, ev.Kind)

	join, err := types.NewEvent(types.EventJoinRequest, types.JoinRequest{RoomID: "room-1", Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(join))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, types.EventJoinAccepted, ev.Kind)

	var accepted types.JoinAccepted
	require.NoError(t, ev.Decode(&accepted))
	assert.Equal(t, "alice", accepted.User.Username)

	resp, err = http.Get(base + "/api/rooms/room-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApplication_StopMarksMembersOffline(t *testing.T) {
	ctx := context.Background()
	app, err := NewApplication(ctx, testConfig())
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	store := app.store

	conn, _, err := gws.DefaultDialer.Dial("ws://"+app.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var connected types.Event
	require.NoError(t, conn.ReadJSON(&connected))
	var notice types.ConnectedNotice
	require.NoError(t, connected.Decode(&notice))

	join, _ := types.NewEvent(types.EventJoinRequest, types.JoinRequest{RoomID: "room-2", Username: "bob"})
	require.NoError(t, conn.WriteJSON(join))
	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, types.EventJoinAccepted, ev.Kind)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, app.Stop(stopCtx))

	// the memory store still answers reads after Close
	mem := store.(*memstore.Store)
	user, err := mem.GetUserBySocketID(ctx, notice.SocketID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, user.Status)
}
