package models

import "errors"

// Pipeline error taxonomy. Malformed and inconsistent inputs are dropped
// after logging; conflicts and unavailability are retried by the caller.
var (
	ErrMalformedInput         = errors.New("malformed input")
	ErrInconsistentTimestamps = errors.New("inconsistent timestamps")
	ErrConflict               = errors.New("persistence conflict")
	ErrUnavailable            = errors.New("persistence unavailable")
)
