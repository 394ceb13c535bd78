// Package ssrf validates outbound URLs and dial targets so server-side tools
// cannot reach loopback, private or metadata addresses.
package ssrf

import "errors"

// ErrBlocked matches every BlockedError via errors.Is.
var ErrBlocked = errors.New("ssrf: blocked")

// BlockedError is returned when a URL, hostname or address is rejected.
type BlockedError struct {
	Message string
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return e.Message
}

// Is reports whether target is ErrBlocked.
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

func blocked(message string) *BlockedError {
	return &BlockedError{Message: message}
}
