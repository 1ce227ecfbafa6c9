package types

import "errors"

// Validation errors shared by the transport and the router
var (
	ErrInvalidRoomID    = errors.New("room ID must be 1-100 characters without whitespace")
	ErrInvalidUsername  = errors.New("username must be 1-50 characters")
	ErrInvalidEventKind = errors.New("invalid event kind")
	ErrInvalidPayload   = errors.New("invalid event payload")
	ErrInvalidFile      = errors.New("file must have an id, a name and a valid type")
	ErrMissingFileID    = errors.New("file ID is required")
	ErrMissingTarget    = errors.New("target connection ID is required")
	ErrEmptyMessage     = errors.New("message content cannot be empty")
)
