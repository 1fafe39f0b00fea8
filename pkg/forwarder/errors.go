package forwarder

import "errors"

var (
	// ErrInvalidURL is returned when a DNS-over-HTTPS endpoint is not an https URL with a host
	ErrInvalidURL = errors.New("invalid upstream url")

	// ErrUpstream is returned when the upstream rejected or failed to answer a query
	ErrUpstream = errors.New("upstream failure")

	// ErrTimeout is returned when no answer arrived before the per-request deadline
	ErrTimeout = errors.New("upstream timeout")

	// ErrShortMessage is returned for queries too short to carry a transaction ID
	ErrShortMessage = errors.New("message shorter than transaction id")

	// ErrClosed is returned by Resolve after Close
	ErrClosed = errors.New("upstream closed")

	// ErrInvalidConfig is returned by New for an unusable upstream configuration
	ErrInvalidConfig = errors.New("invalid upstream configuration")
)
