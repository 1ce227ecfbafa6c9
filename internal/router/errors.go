package router

import "errors"

var (
	ErrUnknownEvent       = errors.New("unknown event kind")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrNotJoined          = errors.New("connection has not joined a room")
	ErrTargetNotInRoom    = errors.New("target connection is not in the origin's room")
)
