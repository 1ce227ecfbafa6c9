package integration

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesync/pkg/types"
)

func TestRoomScenario_JoinConflictEditAndLeave(t *testing.T) {
	srv := startServer(t, sqliteConfig(t, t.TempDir()))

	c1 := srv.dial(t)
	accepted := c1.join(t, "r1", "alice")
	assert.Equal(t, []string{"alice"}, usernames(accepted.Users))

	c2 := srv.dial(t)
	c2.send(t, types.EventJoinRequest, types.JoinRequest{RoomID: "r1", Username: "alice"})
	c2.expect(t, types.EventUsernameExists, nil)

	var members struct {
		Users []*types.User `json:"users"`
	}
	require.Equal(t, http.StatusOK, srv.getJSON(t, "/api/rooms/r1/members", &members))
	assert.Equal(t, []string{"alice"}, usernames(members.Users))

	accepted = c2.join(t, "r1", "bob")
	assert.Equal(t, []string{"alice", "bob"}, usernames(accepted.Users))

	var joined types.UserNotice
	c1.expect(t, types.EventUserJoined, &joined)
	assert.Equal(t, "bob", joined.User.Username)

	c1.send(t, types.EventFileCreated, types.FileCreated{
		NewFile: types.File{ID: "f1", Name: "main.go", Type: types.FileTypeFile},
	})
	var created types.FileCreated
	c2.expect(t, types.EventFileCreated, &created)
	assert.Equal(t, "f1", created.NewFile.ID)
	c1.barrier(t, "r1", "alice")

	c1.close()
	var left types.UserNotice
	c2.expect(t, types.EventUserDisconnected, &left)
	assert.Equal(t, "alice", left.User.Username)

	var users []*types.User
	require.Equal(t, http.StatusOK, srv.getJSON(t, "/api/rooms/r1/users", &users))
	statuses := map[string]string{}
	for _, u := range users {
		statuses[u.Username] = u.Status
	}
	assert.Equal(t, map[string]string{"alice": types.StatusOffline, "bob": types.StatusOnline}, statuses)

	var room types.Room
	require.Equal(t, http.StatusOK, srv.getJSON(t, "/api/rooms/r1", &room))
	require.Len(t, room.FileStructure, 1)
	assert.Equal(t, "main.go", room.FileStructure[0].Name)
}

func TestRoomScenario_TargetingAndHistory(t *testing.T) {
	srv := startServer(t, sqliteConfig(t, t.TempDir()))

	a := srv.dial(t)
	a.join(t, "r1", "a")
	b := srv.dial(t)
	b.join(t, "r1", "b")
	a.expect(t, types.EventUserJoined, nil)
	c := srv.dial(t)
	c.join(t, "r1", "c")
	a.expect(t, types.EventUserJoined, nil)
	b.expect(t, types.EventUserJoined, nil)

	a.send(t, types.EventSendMessage, types.SendMessage{Message: types.ChatPayload{Username: "spoofed", Content: "hello"}})
	for _, peer := range []*client{b, c} {
		var got struct {
			Message types.Message `json:"message"`
		}
		peer.expect(t, types.EventReceiveMessage, &got)
		assert.Equal(t, "a", got.Message.Username)
		assert.Equal(t, "hello", got.Message.Content)
	}

	drawing := json.RawMessage(`{"strokes":[[1,2],[3,4]]}`)
	a.send(t, types.EventSyncDrawing, types.SyncDrawing{DrawingData: drawing, SocketID: b.id})
	var synced types.SyncDrawing
	b.expect(t, types.EventSyncDrawing, &synced)
	assert.JSONEq(t, string(drawing), string(synced.DrawingData))

	a.barrier(t, "r1", "a")
	c.barrier(t, "r1", "c")

	var messages []*types.Message
	require.Equal(t, http.StatusOK, srv.getJSON(t, "/api/rooms/r1/messages?limit=10", &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)

	var latest types.DrawingSnapshot
	require.Equal(t, http.StatusOK, srv.getJSON(t, "/api/rooms/r1/drawings/latest", &latest))
	assert.JSONEq(t, string(drawing), string(latest.Snapshot))
}

func TestRoomScenario_WorkspaceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	srv := startServer(t, sqliteConfig(t, dir))

	c1 := srv.dial(t)
	c1.join(t, "persist", "alice")
	c1.send(t, types.EventDirectoryCreated, types.DirectoryCreated{
		NewDirectory: types.File{ID: "d1", Name: "src", Type: types.FileTypeDirectory},
	})
	parent := "d1"
	c1.send(t, types.EventFileCreated, types.FileCreated{
		ParentDirID: "d1",
		NewFile:     types.File{ID: "f1", Name: "main.go", Type: types.FileTypeFile, ParentID: &parent},
	})
	c1.send(t, types.EventFileUpdated, types.FileUpdated{FileID: "f1", NewContent: "package main"})
	c1.barrier(t, "persist", "alice")
	srv.stop()

	restarted := startServer(t, sqliteConfig(t, dir))
	var room types.Room
	require.Equal(t, http.StatusOK, restarted.getJSON(t, "/api/rooms/persist", &room))

	files := map[string]types.File{}
	for _, f := range room.FileStructure {
		files[f.ID] = f
	}
	require.Contains(t, files, "d1")
	require.Contains(t, files, "f1")
	assert.Equal(t, []string{"f1"}, files["d1"].Children)
	assert.Equal(t, "package main", files["f1"].Content)

	var users []*types.User
	require.Equal(t, http.StatusOK, restarted.getJSON(t, "/api/rooms/persist/users", &users))
	require.Len(t, users, 1)
	assert.Equal(t, types.StatusOffline, users[0].Status)
}
