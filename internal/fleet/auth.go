package fleet

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Caller identifies who issued a command. An empty TenantID is the system
// caller, which may address every device.
type Caller struct {
	TenantID string
	UserID   string
}

// System reports whether c is the system caller.
func (c Caller) System() bool { return c.TenantID == "" }

// Authorizer decides whether caller may act on device.
type Authorizer interface {
	Authorize(ctx context.Context, caller Caller, device model.CBSD) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, caller Caller, device model.CBSD) error

func (f AuthorizerFunc) Authorize(ctx context.Context, caller Caller, device model.CBSD) error {
	return f(ctx, caller, device)
}

// TenantAuthorizer allows a caller to act only on devices of its own tenant.
type TenantAuthorizer struct{}

func (TenantAuthorizer) Authorize(_ context.Context, caller Caller, device model.CBSD) error {
	if caller.System() || caller.TenantID == device.TenantID {
		return nil
	}
	return fmt.Errorf("%w: tenant %q does not own device %s", ErrForbidden, caller.TenantID, device.ID)
}
