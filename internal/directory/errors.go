package directory

import "errors"

// Protocol error types. The API layer maps these onto HTTP statuses.
var (
	ErrInvalidJoinSecret = errors.New("invalid join secret")
	ErrMissingMemberID   = errors.New("missing or invalid member ID")
)
