package cbsd

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

var (
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrGrantNotFound is returned when a command names a grant the device
	// does not hold.
	ErrGrantNotFound = errors.New("grant not found")
	// ErrStopped is returned once the device loop has shut down.
	ErrStopped = errors.New("device stopped")
)

// InvalidTransitionError reports a command that is not valid in the device's
// current state. No SAS call is made.
type InvalidTransitionError struct {
	Op    string
	State model.CBSDState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
