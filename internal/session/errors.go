package session

import "errors"

var (
	ErrUsernameConflict = errors.New("username already taken in room")
	ErrAlreadyJoined    = errors.New("already joined")
	ErrNotJoined        = errors.New("connection has not joined a room")
)
