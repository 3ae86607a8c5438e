package service

import "errors"

var (
	// ErrInvalidState means an order is in a status that forbids the requested transition
	ErrInvalidState = errors.New("order is in an invalid state for this operation")
	// ErrUnknownOrder means no order is linked to the given session reference
	ErrUnknownOrder = errors.New("no order for checkout session")
	// ErrGatewayUnavailable means the checkout provider could not be reached or refused the call
	ErrGatewayUnavailable = errors.New("checkout gateway unavailable")
	// ErrVerificationFailure means a confirmation could not be attributed to the order it names
	ErrVerificationFailure = errors.New("confirmation failed verification")
	// ErrMalformedEvent means a confirmation lacked required fields
	ErrMalformedEvent = errors.New("malformed confirmation")
	// ErrAmountMismatch means the confirmed amount or currency differs from the order
	ErrAmountMismatch = errors.New("confirmed amount does not match order")

	ErrCourseNotFound = errors.New("course not found")
	ErrAlreadyOwned   = errors.New("course already owned")
	ErrOrderNotFound  = errors.New("order not found")
)

// IsRejection reports whether err means a confirmation was refused before
// any mutation because it could not be trusted
func IsRejection(err error) bool {
	return errors.Is(err, ErrVerificationFailure) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrAmountMismatch)
}
