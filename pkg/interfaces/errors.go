package interfaces

import "errors"

// Common store errors used across components
var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrVersionConflict = errors.New("room version conflict")
	ErrUserNotFound    = errors.New("user not found")
	ErrDrawingNotFound = errors.New("drawing not found")
	ErrStoreClosed     = errors.New("store is closed")
)
