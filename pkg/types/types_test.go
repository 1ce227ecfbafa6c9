package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRequest_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		req     JoinRequest
		wantErr error
	}{
		{"valid", JoinRequest{RoomID: "r1", Username: "alice"}, nil},
		{"trimmed username", JoinRequest{RoomID: " r1 ", Username: "  bob "}, nil},
		{"empty room", JoinRequest{RoomID: "", Username: "alice"}, ErrInvalidRoomID},
		{"room with space", JoinRequest{RoomID: "r 1", Username: "alice"}, ErrInvalidRoomID},
		{"blank username", JoinRequest{RoomID: "r1", Username: "   "}, ErrInvalidUsername},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			err := req.Validate()
			assert.Equal(t, tc.wantErr, err)
		})
	}

	req := JoinRequest{RoomID: " r1 ", Username: "  bob "}
	require.NoError(t, req.Validate())
	assert.Equal(t, "r1", req.RoomID)
	assert.Equal(t, "bob", req.Username)
}

func TestFile_Validate(t *testing.T) {
	assert.NoError(t, (&File{ID: "f1", Name: "main.go", Type: FileTypeFile}).Validate())
	assert.NoError(t, (&File{ID: "d1", Name: "src", Type: FileTypeDirectory}).Validate())
	assert.ErrorIs(t, (&File{Name: "main.go", Type: FileTypeFile}).Validate(), ErrInvalidFile)
	assert.ErrorIs(t, (&File{ID: "f1", Name: "x", Type: "symlink"}).Validate(), ErrInvalidFile)
}

func TestIsValidEventKind(t *testing.T) {
	for _, kind := range []string{EventJoinRequest, EventFileCreated, EventSyncDrawing, EventCurrentFileChanged} {
		assert.True(t, IsValidEventKind(kind), kind)
	}
	for _, kind := range []string{"", "join-accepted", EventUserJoined, EventReceiveMessage, "bogus"} {
		assert.False(t, IsValidEventKind(kind), kind)
	}
}

func TestEvent_RoundTripPayload(t *testing.T) {
	ev, err := NewEvent(EventFileRenamed, FileRenamed{FileID: "f1", NewName: "x.go"})
	require.NoError(t, err)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"file-renamed","data":{"fileId":"f1","newName":"x.go"}}`, string(raw))

	var payload FileRenamed
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "x.go", payload.NewName)
}

func TestEvent_DecodeEmptyAndInvalid(t *testing.T) {
	ev := &Event{Kind: EventTypingPause}
	var pause struct{}
	assert.NoError(t, ev.Decode(&pause))

	bad := &Event{Kind: EventFileDeleted, Data: json.RawMessage(`"not an object"`)}
	var payload FileDeleted
	assert.ErrorIs(t, bad.Decode(&payload), ErrInvalidPayload)
}

func TestTypingStart_CursorIsOptional(t *testing.T) {
	var withCursor, without TypingStart
	require.NoError(t, json.Unmarshal([]byte(`{"cursorPosition":12}`), &withCursor))
	require.NoError(t, json.Unmarshal([]byte(`{}`), &without))

	require.NotNil(t, withCursor.CursorPosition)
	assert.Equal(t, 12, *withCursor.CursorPosition)
	assert.Nil(t, without.CursorPosition)
}

func TestRoom_CloneIsDeep(t *testing.T) {
	room := &Room{
		RoomID:        "r1",
		FileStructure: []File{{ID: "d1", Name: "src", Type: FileTypeDirectory, Children: []string{"f1"}}},
		ActiveFiles:   []string{"f1"},
		ActiveFile:    StringPtr("f1"),
	}

	clone := room.Clone()
	clone.FileStructure[0].Children[0] = "changed"
	clone.ActiveFiles[0] = "changed"
	*clone.ActiveFile = "changed"

	assert.Equal(t, "f1", room.FileStructure[0].Children[0])
	assert.Equal(t, "f1", room.ActiveFiles[0])
	assert.Equal(t, "f1", *room.ActiveFile)
	assert.Equal(t, 0, room.FindFile("d1"))
	assert.Equal(t, -1, room.FindFile("missing"))
}

func TestFile_MarshalAlwaysWritesChildren(t *testing.T) {
	dir, err := json.Marshal(File{ID: "d1", Name: "src", Type: FileTypeDirectory})
	require.NoError(t, err)
	assert.Contains(t, string(dir), `"children":[]`)

	room, err := json.Marshal(Room{RoomID: "r1", FileStructure: []File{
		{ID: "d1", Name: "src", Type: FileTypeDirectory, Children: []string{}},
		{ID: "f1", Name: "main.go", Type: FileTypeFile},
	}})
	require.NoError(t, err)

	var decoded struct {
		FileStructure []map[string]json.RawMessage `json:"fileStructure"`
	}
	require.NoError(t, json.Unmarshal(room, &decoded))
	require.Len(t, decoded.FileStructure, 2)
	for _, f := range decoded.FileStructure {
		assert.JSONEq(t, `[]`, string(f["children"]))
	}
}
