package model

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter is the sentinel matched by every *InvalidParameterError.
var ErrInvalidParameter = errors.New("invalid parameter")

// InvalidParameterError is a local validation failure. It is raised before
// any SAS call and is never retried.
type InvalidParameterError struct {
	Field  string
	Value  any
	Reason string
}

func (e *InvalidParameterError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid parameter %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidParameterError) Unwrap() error { return ErrInvalidParameter }

func invalidParam(field string, value any, format string, args ...any) error {
	return &InvalidParameterError{
		Field:  field,
		Value:  value,
		Reason: fmt.Sprintf(format, args...),
	}
}
