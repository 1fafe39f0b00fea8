package resolver

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewHTTPClient creates the HTTP client used for DNS-over-HTTPS. All dials go
// through DialContext, only TLS 1.2+ is spoken, HTTP/2 is negotiated when the
// server offers it and redirects are returned to the caller unfollowed.
// tlsConfig may be nil; it is cloned before use.
//
// Example:
//
//	client, err := r.NewHTTPClient(10*time.Second, nil)
func (r *Resolver) NewHTTPClient(timeout time.Duration, tlsConfig *tls.Config) (*http.Client, error) {
	var tlsClientConfig *tls.Config
	if tlsConfig != nil {
		tlsClientConfig = tlsConfig.Clone()
	} else {
		tlsClientConfig = &tls.Config{}
	}
	if tlsClientConfig.MinVersion < tls.VersionTLS12 {
		tlsClientConfig.MinVersion = tls.VersionTLS12
	}
	tlsClientConfig.ClientSessionCache = tls.NewLRUClientSessionCache(64)

	transport := &http.Transport{
		DialContext:           r.DialContext,
		TLSClientConfig:       tlsClientConfig,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	http2Transport, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
	}
	http2Transport.ReadIdleTimeout = timeout
	http2Transport.AllowHTTP = false

	r.logger.Debug("Creating DNS-over-HTTPS client",
		"host", r.host,
		"pinned", r.ip != nil,
		"timeout", timeout,
	)

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
