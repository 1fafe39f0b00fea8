// Package resolver pins the DNS-over-HTTPS server name to a bootstrap address
// so the proxy never depends on the host resolver to reach its own upstream.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"aufloes/pkg/logging"
)

// Resolver maps one hostname to a fixed IP address at dial time. TLS still
// verifies the certificate against the hostname from the URL.
type Resolver struct {
	logger *logging.Logger
	dialer *net.Dialer
	host   string
	ip     net.IP
}

// New creates a resolver that dials ip whenever host is requested.
// A nil ip disables pinning and every address is dialed as given.
//
// Example:
//
//	r := resolver.New("dns10.quad9.net", net.ParseIP("9.9.9.10"), logger)
func New(host string, ip net.IP, logger *logging.Logger) *Resolver {
	if ip == nil {
		logger.Debug("No bootstrap address configured, using system resolver", "host", host)
	} else {
		logger.Info("Bootstrap address pinned", "host", host, "ip", ip.String())
	}

	return &Resolver{
		logger: logger,
		host:   strings.ToLower(host),
		ip:     ip,
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// Lookup returns the address that DialContext will use for host
func (r *Resolver) Lookup(host string) (net.IP, bool) {
	if r.ip == nil || !strings.EqualFold(host, r.host) {
		return nil, false
	}
	return r.ip, true
}

// DialContext dials a network address, substituting the pinned IP for the
// pinned hostname. This is compatible with http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	if ip, ok := r.Lookup(host); ok {
		pinned := net.JoinHostPort(ip.String(), port)
		r.logger.Debug("Dialing bootstrap address", "host", host, "addr", pinned)
		return r.dialer.DialContext(ctx, network, pinned)
	}

	return r.dialer.DialContext(ctx, network, addr)
}

// Host returns the pinned hostname
func (r *Resolver) Host() string {
	return r.host
}

// IP returns the pinned address, or nil when pinning is disabled
func (r *Resolver) IP() net.IP {
	return r.ip
}
