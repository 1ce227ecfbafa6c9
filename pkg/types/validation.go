package types

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate normalizes and checks a join request
// FUNCTIONAL DISCOVERY: Usernames are trimmed before comparison so "alice " collides with "alice"
func (j *JoinRequest) Validate() error {
	j.RoomID = strings.TrimSpace(j.RoomID)
	j.Username = strings.TrimSpace(j.Username)
	if !IsValidRoomID(j.RoomID) {
		return ErrInvalidRoomID
	}
	if !IsValidUsername(j.Username) {
		return ErrInvalidUsername
	}
	return nil
}

// Validate checks the fields a file entity cannot do without
func (f *File) Validate() error {
	if f.ID == "" || strings.TrimSpace(f.Name) == "" {
		return ErrInvalidFile
	}
	if f.Type != FileTypeFile && f.Type != FileTypeDirectory {
		return ErrInvalidFile
	}
	return nil
}

// Validate trims and checks a chat payload
func (m *ChatPayload) Validate() error {
	m.Username = strings.TrimSpace(m.Username)
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return ErrEmptyMessage
	}
	if !IsValidUsername(m.Username) {
		return ErrInvalidUsername
	}
	return nil
}

// IsValidRoomID checks the room identifier format
func IsValidRoomID(roomID string) bool {
	if roomID == "" || len(roomID) > 100 {
		return false
	}
	for _, r := range roomID {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// IsValidUsername checks the display name length in characters
func IsValidUsername(username string) bool {
	n := utf8.RuneCountInString(username)
	return n >= 1 && n <= 50
}

// IsValidEventKind reports whether kind is accepted from clients
// TECHNICAL DISCOVERY: Outbound-only kinds (user-joined, receive-message, ...) are never accepted inbound
func IsValidEventKind(kind string) bool {
	switch kind {
	case EventJoinRequest,
		EventDisconnecting,
		EventSyncFileStructure,
		EventDirectoryCreated,
		EventDirectoryUpdated,
		EventDirectoryRenamed,
		EventDirectoryDeleted,
		EventFileCreated,
		EventFileUpdated,
		EventFileRenamed,
		EventFileDeleted,
		EventUserOnline,
		EventUserOffline,
		EventSendMessage,
		EventTypingStart,
		EventTypingPause,
		EventRequestDrawing,
		EventSyncDrawing,
		EventDrawingUpdate,
		EventCurrentFileChanged:
		return true
	default:
		return false
	}
}
