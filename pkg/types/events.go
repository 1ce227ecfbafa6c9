package types

import (
	"encoding/json"
)

// Inbound event kinds, named as the client emits them
const (
	EventJoinRequest        = "join-request"
	EventDisconnecting      = "disconnecting"
	EventSyncFileStructure  = "sync-file-structure"
	EventDirectoryCreated   = "directory-created"
	EventDirectoryUpdated   = "directory-updated"
	EventDirectoryRenamed   = "directory-renamed"
	EventDirectoryDeleted   = "directory-deleted"
	EventFileCreated        = "file-created"
	EventFileUpdated        = "file-updated"
	EventFileRenamed        = "file-renamed"
	EventFileDeleted        = "file-deleted"
	EventUserOnline         = "user-online"
	EventUserOffline        = "user-offline"
	EventSendMessage        = "send-message"
	EventTypingStart        = "typing-start"
	EventTypingPause        = "typing-pause"
	EventRequestDrawing     = "request-drawing"
	EventSyncDrawing        = "sync-drawing"
	EventDrawingUpdate      = "drawing-update"
	EventCurrentFileChanged = "current-file-changed"
)

// Outbound-only event kinds
const (
	EventConnected        = "connected"
	EventJoinAccepted     = "join-accepted"
	EventUsernameExists   = "username-exists"
	EventUserJoined       = "user-joined"
	EventUserDisconnected = "user-disconnected"
	EventReceiveMessage   = "receive-message"
	EventError            = "error"
)

// Event is the single wire envelope for every frame in either direction
type Event struct {
	Kind string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an envelope of the given kind
func NewEvent(kind string, payload interface{}) (*Event, error) {
	if payload == nil {
		return &Event{Kind: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Kind: kind, Data: data}, nil
}

// Decode unmarshals the envelope payload into v; an empty payload leaves v untouched
func (e *Event) Decode(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

// JoinRequest asks to attach the connection to a room under a username
type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// JoinAccepted answers a successful join with the joined user and the full roster
type JoinAccepted struct {
	User  *User   `json:"user"`
	Users []*User `json:"users"`
}

// UserNotice carries a single user for joined/left/typing/focus notices
type UserNotice struct {
	User *User `json:"user"`
}

// ErrorNotice reports a rejection to the originating connection
type ErrorNotice struct {
	Message string `json:"message"`
}

// ConnectedNotice tells a client its server-assigned connection identifier
type ConnectedNotice struct {
	SocketID string `json:"socketId"`
}

// SyncFileStructure is a whole-tree resynchronization
// FUNCTIONAL DISCOVERY: SocketID names the connection the resync answers; empty means the origin
type SyncFileStructure struct {
	FileStructure []File   `json:"fileStructure"`
	OpenFiles     []string `json:"openFiles"`
	ActiveFile    *string  `json:"activeFile"`
	SocketID      string   `json:"socketId,omitempty"`
}

// DirectoryCreated announces a new directory under ParentDirID
type DirectoryCreated struct {
	ParentDirID  string `json:"parentDirId"`
	NewDirectory File   `json:"newDirectory"`
}

// FileCreated announces a new file under ParentDirID
type FileCreated struct {
	ParentDirID string `json:"parentDirId"`
	NewFile     File   `json:"newFile"`
}

type DirectoryUpdated struct {
	DirID    string   `json:"dirId"`
	Children []string `json:"children"`
}

type DirectoryRenamed struct {
	DirID   string `json:"dirId"`
	NewName string `json:"newName"`
}

type DirectoryDeleted struct {
	DirID string `json:"dirId"`
}

type FileUpdated struct {
	FileID     string `json:"fileId"`
	NewContent string `json:"newContent"`
}

type FileRenamed struct {
	FileID  string `json:"fileId"`
	NewName string `json:"newName"`
}

type FileDeleted struct {
	FileID string `json:"fileId"`
}

// UserStatusChange toggles the status of the named connection
type UserStatusChange struct {
	SocketID string `json:"socketId"`
}

// ChatPayload is the client-side shape of a chat message
type ChatPayload struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

type SendMessage struct {
	Message ChatPayload `json:"message"`
}

// TypingStart optionally carries a cursor position; nil keeps the stored one
type TypingStart struct {
	CursorPosition *int `json:"cursorPosition,omitempty"`
}

// DrawingRequest is re-emitted to peers naming who asked
type DrawingRequest struct {
	SocketID string `json:"socketId"`
}

// SyncDrawing pushes a snapshot to one named connection
type SyncDrawing struct {
	DrawingData json.RawMessage `json:"drawingData"`
	SocketID    string          `json:"socketId"`
}

type DrawingUpdate struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type CurrentFileChanged struct {
	FileID *string `json:"fileId"`
}
