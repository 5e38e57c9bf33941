package bus

import (
	"errors"
)

var (
	// ErrInvalidChannel is returned when a channel name is empty, does not
	// start with a slash, or contains a wildcard.
	ErrInvalidChannel = errors.New("bus: invalid channel name")

	// ErrPublishFailure is returned when the shared store rejected a publish.
	// The message was not delivered and did not reach the backlog; a retry
	// draws a fresh sequence number.
	ErrPublishFailure = errors.New("bus: publish failed")

	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("bus: closed")

	// ErrInvalidPattern is returned for malformed subscription patterns.
	ErrInvalidPattern = errors.New("bus: invalid channel pattern")
)
