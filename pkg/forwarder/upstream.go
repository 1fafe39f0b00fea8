// Package forwarder relays raw DNS messages to a single upstream resolver over
// DNS-over-HTTPS or over plain UDP with transaction ID multiplexing.
package forwarder

import (
	"context"
	"crypto/tls"
	"time"

	"aufloes/pkg/logging"
	"aufloes/pkg/telemetry"
)

// Upstream sends one DNS query and returns the matching response.
// The returned message carries the transaction ID of msg and msg itself is
// never modified. Implementations are safe for concurrent use.
type Upstream interface {
	Resolve(ctx context.Context, msg []byte) ([]byte, error)
	Close() error
}

// Option configures an upstream client
type Option func(*options)

type options struct {
	tlsConfig *tls.Config
	metrics   *telemetry.Metrics
	timeout   time.Duration
}

// WithTimeout sets the per-request deadline. Zero keeps the transport default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTLSConfig sets the TLS configuration used for DNS-over-HTTPS
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithMetrics records upstream errors, timeouts and pending requests
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(timeout time.Duration, opts []Option) options {
	o := options{timeout: timeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func loggerOrGlobal(logger *logging.Logger) *logging.Logger {
	if logger == nil {
		return logging.Global()
	}
	return logger
}
