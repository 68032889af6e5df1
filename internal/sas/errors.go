package sas

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ResponseCode is a WinnForum SAS-CBSD response code.
type ResponseCode int

// Response codes used by the SAS-CBSD interface.
const (
	CodeSuccess             ResponseCode = 0
	CodeVersion             ResponseCode = 100
	CodeBlacklisted         ResponseCode = 101
	CodeMissingParam        ResponseCode = 102
	CodeInvalidValue        ResponseCode = 103
	CodeCertError           ResponseCode = 104
	CodeDeregister          ResponseCode = 105
	CodeRegPending          ResponseCode = 200
	CodeGroupError          ResponseCode = 201
	CodeUnsupportedSpectrum ResponseCode = 300
	CodeInterference        ResponseCode = 400
	CodeGrantConflict       ResponseCode = 401
	CodeTerminatedGrant     ResponseCode = 500
	CodeSuspendedGrant      ResponseCode = 501
	CodeUnsyncOpParam       ResponseCode = 502

	// CodeTransport marks a protocol fault that did not come with a SAS code,
	// such as an undecodable body or an unexpected HTTP status.
	CodeTransport ResponseCode = -1
)

var codeNames = map[ResponseCode]string{
	CodeSuccess:             "SUCCESS",
	CodeVersion:             "VERSION",
	CodeBlacklisted:         "BLACKLISTED",
	CodeMissingParam:        "MISSING_PARAM",
	CodeInvalidValue:        "INVALID_VALUE",
	CodeCertError:           "CERT_ERROR",
	CodeDeregister:          "DEREGISTER",
	CodeRegPending:          "REG_PENDING",
	CodeGroupError:          "GROUP_ERROR",
	CodeUnsupportedSpectrum: "UNSUPPORTED_SPECTRUM",
	CodeInterference:        "INTERFERENCE",
	CodeGrantConflict:       "GRANT_CONFLICT",
	CodeTerminatedGrant:     "TERMINATED_GRANT",
	CodeSuspendedGrant:      "SUSPENDED_GRANT",
	CodeUnsyncOpParam:       "UNSYNC_OP_PARAM",
	CodeTransport:           "TRANSPORT",
}

func (c ResponseCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Kind classifies an adapter failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindUnreachable
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindProtocol:
		return "protocol_fault"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrTimeout       = errors.New("sas: timeout")
	ErrUnreachable   = errors.New("sas: unreachable")
	ErrProtocolFault = errors.New("sas: protocol fault")

	ErrUnknownProvider = errors.New("sas: unknown provider")
)

// Error is returned by every Client operation that did not succeed.
type Error struct {
	Kind    Kind
	Op      string
	Code    ResponseCode // set for KindProtocol
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindProtocol:
		if e.Message != "" {
			return fmt.Sprintf("sas %s: %s (%d): %s", e.Op, e.Code, int(e.Code), e.Message)
		}
		return fmt.Sprintf("sas %s: %s (%d)", e.Op, e.Code, int(e.Code))
	default:
		if e.Err != nil {
			return fmt.Sprintf("sas %s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("sas %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrProtocolFault:
		return e.Kind == KindProtocol
	}
	return false
}

// IsTransient reports whether err is a Timeout or Unreachable failure, the
// kinds the scheduler retries for heartbeats.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

// CodeOf returns the SAS response code carried by a protocol fault.
func CodeOf(err error) (ResponseCode, bool) {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindProtocol {
		return se.Code, true
	}
	return 0, false
}

// KindOf returns the failure kind, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// Fault builds a protocol fault for op.
func Fault(op string, code ResponseCode, msg string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Code: code, Message: msg}
}

// Timeout builds a timeout failure for op.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Unreachable builds an unreachable failure for op.
func Unreachable(op string, err error) *Error {
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

// classifyTransport maps a transport-level error from the HTTP client onto a
// failure kind.
func classifyTransport(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(op, err)
	}
	return Unreachable(op, err)
}
