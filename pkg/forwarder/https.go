package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"aufloes/pkg/logging"
	"aufloes/pkg/proto"
	"aufloes/pkg/resolver"
	"aufloes/pkg/telemetry"
)

const (
	// DefaultHTTPSTimeout bounds one DNS-over-HTTPS exchange
	DefaultHTTPSTimeout = 10 * time.Second

	// dnsMessageType is the RFC 8484 media type for wire-format messages
	dnsMessageType = "application/dns-message"

	// maxResponseSize caps how much of a response body is read
	maxResponseSize = 64 * 1024
)

// HTTPSUpstream forwards queries to a DNS-over-HTTPS endpoint with POST requests
type HTTPSUpstream struct {
	endpoint string
	client   *http.Client
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	closed   atomic.Bool
}

// NewHTTPSUpstream creates a DNS-over-HTTPS client for endpoint, which must be
// an https URL with a host. A non-nil bootstrap address is dialed instead of
// resolving the endpoint's hostname.
func NewHTTPSUpstream(endpoint string, bootstrap net.IP, logger *logging.Logger, opts ...Option) (*HTTPSUpstream, error) {
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	u, _ := url.Parse(endpoint)

	logger = loggerOrGlobal(logger)
	o := newOptions(DefaultHTTPSTimeout, opts)

	client, err := resolver.New(u.Hostname(), bootstrap, logger).NewHTTPClient(o.timeout, o.tlsConfig)
	if err != nil {
		return nil, err
	}

	logger.Info("DNS-over-HTTPS upstream initialized",
		"endpoint", endpoint,
		"bootstrap", bootstrap,
		"timeout", o.timeout,
	)

	return &HTTPSUpstream{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
		metrics:  o.metrics,
	}, nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q is not https", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidURL, endpoint)
	}
	return nil
}

// Endpoint returns the DNS-over-HTTPS URL
func (h *HTTPSUpstream) Endpoint() string {
	return h.endpoint
}

// Resolve sends msg with its transaction ID zeroed and returns the response
// carrying the original ID. Non-2xx answers, redirects included, fail with
// ErrUpstream; exceeding the client timeout or ctx deadline fails with ErrTimeout.
func (h *HTTPSUpstream) Resolve(ctx context.Context, msg []byte) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if !proto.HasTxID(msg) {
		return nil, ErrShortMessage
	}

	id := proto.ReadTxID(msg)
	query := bytes.Clone(msg)
	proto.WriteTxID(query, 0)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, h.fail(ctx, err)
	}
	defer func() {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.metrics.AddUpstreamError(ctx, "https")
		return nil, fmt.Errorf("%w: server returned HTTP %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, h.fail(ctx, err)
	}
	if !proto.HasTxID(body) {
		h.metrics.AddUpstreamError(ctx, "https")
		return nil, fmt.Errorf("%w: response of %d bytes", ErrUpstream, len(body))
	}

	proto.WriteTxID(body, id)
	return body, nil
}

// fail classifies a transport error as a timeout, a cancellation or an upstream failure
func (h *HTTPSUpstream) fail(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		h.metrics.AddUpstreamTimeout(ctx, "https")
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		h.metrics.AddUpstreamError(ctx, "https")
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
}

// Close releases idle connections. Resolve fails with ErrClosed afterwards.
func (h *HTTPSUpstream) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.client.CloseIdleConnections()
	}
	return nil
}
