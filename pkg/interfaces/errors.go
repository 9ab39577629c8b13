package interfaces

import "errors"

// Store-level error types shared across implementations and callers.
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrMemberNotFound = errors.New("member not found")
	ErrTokenNotFound  = errors.New("member token not found")
)
