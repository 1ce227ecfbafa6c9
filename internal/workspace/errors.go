package workspace

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrFileNotFound = errors.New("file not found")
	ErrFileExists   = errors.New("file already exists")
	// ErrStaleRoom is returned when a mutation loses the version race twice
	ErrStaleRoom = errors.New("room changed concurrently")
)
