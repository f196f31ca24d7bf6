package dispatchdir

import (
	"errors"
	"fmt"

	"github.com/hostside/dispatchdir/internal/callstack"
)

var (
	// ErrNotRegistered is returned by UnregisterEvent and UnregisterBinding
	// when no live or shadow entry exists for the (owner, listener) pair.
	// This is a programmer error: the deregistration call has no matching
	// registration.
	ErrNotRegistered = errors.New("listener not registered")

	// ErrStaleOwner is returned when deregistration is attempted with a nil
	// owner and the listener cannot be found: the owning context was torn
	// down (or never captured) before the deregistration call.
	ErrStaleOwner = errors.New("owner context no longer in use")

	// ErrDeliveryFinished is returned by Delivery.Finish when the delivery's
	// completion signal was already sent.
	ErrDeliveryFinished = errors.New("delivery already finished")
)

// IdentityMismatchError reports a re-registration whose identity does not
// match the live dispatcher for the same (owner, listener) pair. It
// indicates a listener instance reused across incompatible registrations.
type IdentityMismatchError struct {
	Listener string
	// Reason names the mismatching component of the registration identity.
	Reason string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("listener %s re-registered with a different %s than its live registration", e.Listener, e.Reason)
}

// DoubleUnregisterError reports a deregistration of a listener that was
// already deregistered. It is only produced for registrations that opted
// into deregistration diagnostics (WithDebugUnregister, BindDebugUnbind);
// UnregisteredAt points at the first deregistration's call site.
type DoubleUnregisterError struct {
	Kind           string
	Listener       string
	UnregisteredAt callstack.Trace
}

func (e *DoubleUnregisterError) Error() string {
	return fmt.Sprintf("%s %s already unregistered; originally unregistered at:\n%s", e.Kind, e.Listener, e.UnregisteredAt)
}

// describe renders a listener for diagnostics. Identity is what matters, so
// the dynamic type is enough; listener values are never formatted (they may
// be mid-teardown when a leak is reported).
func describe(v any) string {
	return fmt.Sprintf("%T", v)
}
