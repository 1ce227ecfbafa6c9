package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"codesync/internal/app"
	"codesync/internal/config"
	"codesync/pkg/types"
)

const waitTimeout = 5 * time.Second

func sqliteConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.SQLite.DatabasePath = filepath.Join(dir, "codesync.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Retention.Enabled = false
	cfg.Log.Level = "error"
	return cfg
}

// server is a running application on a free port
type server struct {
	app *app.Application
}

func startServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	a, err := app.NewApplication(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	s := &server{app: a}
	t.Cleanup(s.stop)
	return s
}

func (s *server) stop() {
	if s.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = s.app.Stop(ctx)
	s.app = nil
}

func (s *server) getJSON(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get("http://" + s.app.Addr() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// client is one WebSocket attachment whose inbound frames are buffered by a reader goroutine
type client struct {
	conn   *gws.Conn
	id     string
	events chan types.Event
}

func (s *server) dial(t *testing.T) *client {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial("ws://"+s.app.Addr()+"/ws", nil)
	require.NoError(t, err)

	c := &client{conn: conn, events: make(chan types.Event, 64)}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var connected types.Event
	require.NoError(t, conn.ReadJSON(&connected))
	require.Equal(t, types.EventConnected, connected.Kind)
	var notice types.ConnectedNotice
	require.NoError(t, connected.Decode(&notice))
	c.id = notice.SocketID
	require.NoError(t, conn.SetReadDeadline(time.Time{}))

	go func() {
		defer close(c.events)
		for {
			var ev types.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			c.events <- ev
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) send(t *testing.T, kind string, payload interface{}) {
	t.Helper()
	ev, err := types.NewEvent(kind, payload)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(ev))
}

// next returns the next frame, failing when none arrives in time
func (c *client) next(t *testing.T) types.Event {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		require.True(t, ok, "connection %s closed", c.id)
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("connection %s received nothing", c.id)
		return types.Event{}
	}
}

// expect returns the next frame's payload decoded into v after checking its kind
func (c *client) expect(t *testing.T, kind string, v interface{}) {
	t.Helper()
	ev := c.next(t)
	require.Equal(t, kind, ev.Kind, "connection %s payload %s", c.id, string(ev.Data))
	if v != nil {
		require.NoError(t, ev.Decode(v))
	}
}

// barrier proves c has nothing queued: a repeated join is answered to the origin only,
// and it is processed after everything c sent earlier
func (c *client) barrier(t *testing.T, roomID, username string) {
	t.Helper()
	c.send(t, types.EventJoinRequest, types.JoinRequest{RoomID: roomID, Username: username})
	var notice types.ErrorNotice
	c.expect(t, types.EventError, &notice)
	require.Contains(t, notice.Message, "already joined")
}

func (c *client) join(t *testing.T, roomID, username string) types.JoinAccepted {
	t.Helper()
	c.send(t, types.EventJoinRequest, types.JoinRequest{RoomID: roomID, Username: username})
	var accepted types.JoinAccepted
	c.expect(t, types.EventJoinAccepted, &accepted)
	return accepted
}

func (c *client) close() {
	_ = c.conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func usernames(users []*types.User) []string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names
}
