package core

import "errors"

var (
	// ErrRateLimited indicates the exchange throttled the request; retryable.
	ErrRateLimited = errors.New("rate limited")
	// ErrNetwork indicates a transport failure with an unknown outcome; retryable,
	// resolved by the next snapshot reconciliation.
	ErrNetwork = errors.New("network error")
	// ErrRejected indicates the exchange refused the order; not retryable.
	ErrRejected = errors.New("order rejected")
	// ErrOrderNotFound indicates the order does not exist on the exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvariant indicates a ledger invariant was violated; fatal.
	ErrInvariant = errors.New("invariant violation")
)

// Retryable reports whether the error is a transient gateway failure worth
// retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}
