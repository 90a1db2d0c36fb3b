package seats

import (
	"errors"
	"fmt"

	"github.com/PortNumber53/leavehub/backend/internal/lemonsqueezy"
	"github.com/PortNumber53/leavehub/backend/internal/models"
)

// Kind classifies seat manager failures so callers can branch without
// matching on message text.
type Kind string

const (
	// KindNotFound: the subscription id does not resolve.
	KindNotFound Kind = "not_found"
	// KindConfiguration: the record lacks external identifiers. Operators should be alerted.
	KindConfiguration Kind = "configuration"
	// KindNoOp: the requested quantity equals the current quantity.
	KindNoOp Kind = "no_op"
	// KindUnknownBillingType: the subscription uses a billing mode this package does not handle.
	KindUnknownBillingType Kind = "unknown_billing_type"
	// KindBillingAPI: LemonSqueezy rejected or failed a call.
	KindBillingAPI Kind = "billing_api"
	// KindConflict: another seat change for the same subscription is in flight,
	// or the lock expired before the change was saved.
	KindConflict Kind = "conflict"
)

// Error is returned by every Manager operation that fails for a domain reason.
type Error struct {
	Kind    Kind
	Message string
	// Status and Body hold the upstream response for KindBillingAPI errors
	// that came back from the API (zero for transport failures).
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" when err is not a seat manager error.
func KindOf(err error) Kind {
	var seatErr *Error
	if errors.As(err, &seatErr) {
		return seatErr.Kind
	}
	return ""
}

func notFoundError(err error) *Error {
	return &Error{Kind: KindNotFound, Message: "Subscription not found", Err: err}
}

func configurationError(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

func noOpError() *Error {
	return &Error{Kind: KindNoOp, Message: "New quantity must be different"}
}

func unknownBillingTypeError(billingType models.BillingType) *Error {
	return &Error{Kind: KindUnknownBillingType, Message: fmt.Sprintf("Unknown billing type: %q", string(billingType))}
}

func conflictError(err error) *Error {
	return &Error{Kind: KindConflict, Message: "Seat change already in progress", Err: err}
}

func lockLostError(err error) *Error {
	return &Error{Kind: KindConflict, Message: "Seat lock expired before the change was saved", Err: err}
}

func billingAPIError(message string, err error) *Error {
	e := &Error{Kind: KindBillingAPI, Message: message, Err: err}
	if apiErr, ok := lemonsqueezy.AsAPIError(err); ok {
		e.Status = apiErr.StatusCode
		e.Body = apiErr.Body
	}
	return e
}
