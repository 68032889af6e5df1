package fleet

import "errors"

var (
	// ErrNotFound is returned when no device matches the identifier.
	ErrNotFound = errors.New("device not found")
	// ErrForbidden is returned when the caller may not act on the device.
	ErrForbidden = errors.New("forbidden")
	// ErrRetired is returned for commands addressed to a deregistered device.
	ErrRetired = errors.New("device retired")
	// ErrConflict is returned when a requested device id is already used by
	// a different radio.
	ErrConflict = errors.New("device id conflict")
	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("fleet closed")
)
