package types

import (
	"encoding/json"
	"time"
)

// User connection status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// File entity kinds
const (
	FileTypeFile      = "file"
	FileTypeDirectory = "directory"
)

// File is one node of a room's file tree
// ARCHITECTURAL DISCOVERY: Tree shape is expressed through ParentID/Children id references
// so the whole tree can be stored as one ordered slice on the Room aggregate
type File struct {
	ID        string    `json:"id" bson:"id"`
	Name      string    `json:"name" bson:"name"`
	Type      string    `json:"type" bson:"type"`
	Content   string    `json:"content,omitempty" bson:"content"`
	ParentID  *string   `json:"parentId" bson:"parentId"`
	Children  []string  `json:"children" bson:"children"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// MarshalJSON writes children as an array on every node, empty when there are none
func (f File) MarshalJSON() ([]byte, error) {
	type plain File
	out := plain(f)
	if out.Children == nil {
		out.Children = []string{}
	}
	return json.Marshal(out)
}

// Room is the collaboration aggregate: file tree plus open-file view
// FUNCTIONAL DISCOVERY: Version increases on every durable save and is used
// to reject stale writes from a second process sharing the store
type Room struct {
	RoomID        string    `json:"roomId" bson:"roomId" db:"room_id"`
	Name          string    `json:"name" bson:"name" db:"name"`
	Description   string    `json:"description" bson:"description" db:"description"`
	FileStructure []File    `json:"fileStructure" bson:"fileStructure" db:"file_structure"`
	ActiveFiles   []string  `json:"activeFiles" bson:"activeFiles" db:"active_files"`
	ActiveFile    *string   `json:"activeFile" bson:"activeFile" db:"active_file"`
	Version       uint64    `json:"version" bson:"version" db:"version"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updatedAt" db:"updated_at"`
}

// User is one session participant, keyed by its connection identifier
type User struct {
	Username       string    `json:"username" bson:"username" db:"username"`
	RoomID         string    `json:"roomId" bson:"roomId" db:"room_id"`
	Status         string    `json:"status" bson:"status" db:"status"`
	CursorPosition int       `json:"cursorPosition" bson:"cursorPosition" db:"cursor_position"`
	Typing         bool      `json:"typing" bson:"typing" db:"typing"`
	CurrentFile    *string   `json:"currentFile" bson:"currentFile" db:"current_file"`
	SocketID       string    `json:"socketId" bson:"socketId" db:"socket_id"`
	LastSeen       time.Time `json:"lastSeen" bson:"lastSeen" db:"last_seen"`
	CreatedAt      time.Time `json:"createdAt" bson:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" bson:"updatedAt" db:"updated_at"`
}

// Message is an append-only chat entry
type Message struct {
	ID        string    `json:"id" bson:"id" db:"id"`
	RoomID    string    `json:"roomId" bson:"roomId" db:"room_id"`
	Username  string    `json:"username" bson:"username" db:"username"`
	Content   string    `json:"content" bson:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp" db:"timestamp"`
}

// DrawingSnapshot is an append-only whiteboard state capture
// TECHNICAL DISCOVERY: Snapshot is kept as raw JSON; the server never interprets drawing content
type DrawingSnapshot struct {
	ID        string          `json:"id" bson:"id" db:"id"`
	RoomID    string          `json:"roomId" bson:"roomId" db:"room_id"`
	Snapshot  json.RawMessage `json:"snapshot" bson:"-" db:"snapshot"`
	CreatedAt time.Time       `json:"createdAt" bson:"createdAt" db:"created_at"`
}

// Session binds one live connection to the room it joined
// ARCHITECTURAL DISCOVERY: Passed explicitly into every handler instead of hanging
// state off the connection object
type Session struct {
	ConnectionID string    `json:"connectionId"`
	RoomID       string    `json:"roomId"`
	Username     string    `json:"username"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Clone returns a deep copy so callers can mutate without touching cached state
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	out.FileStructure = make([]File, len(r.FileStructure))
	for i := range r.FileStructure {
		out.FileStructure[i] = r.FileStructure[i].Clone()
	}
	out.ActiveFiles = append([]string{}, r.ActiveFiles...)
	out.ActiveFile = cloneString(r.ActiveFile)
	return &out
}

// Clone returns a deep copy of the file
func (f File) Clone() File {
	out := f
	out.ParentID = cloneString(f.ParentID)
	if f.Children != nil {
		out.Children = append([]string{}, f.Children...)
	}
	return out
}

// Clone returns a copy of the user
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.CurrentFile = cloneString(u.CurrentFile)
	return &out
}

// FindFile returns the index of fileID in the tree or -1
func (r *Room) FindFile(fileID string) int {
	for i := range r.FileStructure {
		if r.FileStructure[i].ID == fileID {
			return i
		}
	}
	return -1
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr is a small helper for optional string fields
func StringPtr(s string) *string {
	return &s
}
