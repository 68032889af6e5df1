package sas

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	wrapped := fmt.Errorf("heartbeat grant-1: %w", Timeout(OpHeartbeat, context.DeadlineExceeded))
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("errors.Is(%v, ErrTimeout) = false", wrapped)
	}
	if errors.Is(wrapped, ErrUnreachable) || errors.Is(wrapped, ErrProtocolFault) {
		t.Fatalf("timeout matched another kind")
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	if !IsTransient(wrapped) {
		t.Fatalf("IsTransient(timeout) = false")
	}
}

func TestClassifyTransport(t *testing.T) {
	if got := classifyTransport(OpGrant, context.DeadlineExceeded); got.Kind != KindTimeout {
		t.Fatalf("deadline exceeded kind = %v, want timeout", got.Kind)
	}
	if got := classifyTransport(OpGrant, errors.New("dial tcp: connection refused")); got.Kind != KindUnreachable {
		t.Fatalf("refused kind = %v, want unreachable", got.Kind)
	}
}

func TestResponseCodeNames(t *testing.T) {
	cases := map[ResponseCode]string{
		CodeSuccess:        "SUCCESS",
		CodeDeregister:     "DEREGISTER",
		CodeSuspendedGrant: "SUSPENDED_GRANT",
		ResponseCode(999):  "CODE_999",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Fatalf("ResponseCode(%d).String() = %q, want %q", int(code), got, want)
		}
	}
	err := Fault(OpHeartbeat, CodeTerminatedGrant, "grant revoked")
	if got, want := err.Error(), "sas heartbeat: TERMINATED_GRANT (500): grant revoked"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
