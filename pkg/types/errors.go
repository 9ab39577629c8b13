package types

import "errors"

var (
	ErrInvalidMemberID  = errors.New("member ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrMissingKeyBundle = errors.New("key bundle is required")
	ErrInvalidKeyBundle = errors.New("key bundle is missing one or more key fields")
)
