package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// Creation-time errors
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrInvalidRequest       = errors.New("invalid payment request")
	ErrOrderIDCollision     = errors.New("order id already taken")
	ErrProviderRefCollision = errors.New("provider reference owned by another order")
	ErrUnsupportedProvider  = errors.New("payment provider not configured")

	// Verification-time errors
	ErrUnknownOrder        = errors.New("unknown order")
	ErrTransactionMismatch = errors.New("transaction does not match recorded activation")
	ErrOrderClosed         = errors.New("order is closed")
	ErrOrderExpired        = errors.New("order expired")
	ErrVerificationFailed  = errors.New("payment verification failed")

	// Activation retry errors
	ErrActivationInProgress = errors.New("activation already in progress")
	ErrNotVerified          = errors.New("order is not awaiting activation")

	// ErrStaleState is returned by the order store when a compare-and-set transition
	// finds a state other than the expected one. The engine resolves it internally.
	ErrStaleState = errors.New("stale order state")
)

// IsRetryable reports whether err describes a condition that may succeed if the
// same request is delivered again later. Terminal outcomes return false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrOrderIDCollision),
		errors.Is(err, ErrActivationInProgress):
		return true
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrUnsupportedProvider),
		errors.Is(err, ErrProviderRefCollision),
		errors.Is(err, ErrUnknownOrder),
		errors.Is(err, ErrTransactionMismatch),
		errors.Is(err, ErrOrderClosed),
		errors.Is(err, ErrOrderExpired),
		errors.Is(err, ErrVerificationFailed),
		errors.Is(err, ErrNotVerified):
		return false
	}
	// storage and transport failures that are not part of the taxonomy
	return true
}
