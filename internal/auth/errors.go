package auth

import "errors"

// Lookup errors. Authenticate reports the same conditions through Result.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("user not found")
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)
