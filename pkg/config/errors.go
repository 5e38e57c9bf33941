package config

import "errors"

var (
	// ErrNilPointer is returned when Load receives a nil destination.
	ErrNilPointer = errors.New("config: nil destination")

	// ErrParsingConfig wraps env tag parsing failures.
	ErrParsingConfig = errors.New("config: parsing failed")
)
