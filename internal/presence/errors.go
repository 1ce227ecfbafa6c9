package presence

import "errors"

var (
	ErrUserNotFound  = errors.New("no session for connection")
	ErrInvalidStatus = errors.New("invalid user status")
)
