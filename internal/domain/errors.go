package domain

import "errors"

// Sentinel errors shared across components. Callers wrap them with context and
// match with errors.Is.
var (
	// ErrInvalidArgument is returned by pure functions on out-of-range input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDataQuality marks a malformed market data payload.
	ErrDataQuality = errors.New("data quality")

	// ErrNoQuote is returned when no quote has ever been ingested.
	ErrNoQuote = errors.New("no quote available")

	// ErrOrderPending is returned when a close is requested while another
	// closing order is still outstanding.
	ErrOrderPending = errors.New("order pending")

	// ErrOrderTimeout means no status was observed for an order within the
	// configured timeout. Transient: the caller keeps polling.
	ErrOrderTimeout = errors.New("order status timeout")

	// ErrPositionMismatch means the held quantity cannot cover the remaining buckets.
	ErrPositionMismatch = errors.New("position mismatch")

	// ErrNoPosition is returned by the broker when the instrument is not held.
	ErrNoPosition = errors.New("no open position")

	// ErrUnexpectedOrderStatus is returned when a closing order ends in a
	// status the bucket loop cannot recover from (e.g. rejected).
	ErrUnexpectedOrderStatus = errors.New("unexpected order status")

	// ErrOptionsLevel means the account is not approved for the required options level.
	ErrOptionsLevel = errors.New("options trading level too low")
)
