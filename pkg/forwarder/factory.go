package forwarder

import (
	"fmt"
	"net"

	"aufloes/pkg/config"
	"aufloes/pkg/logging"
	"aufloes/pkg/telemetry"
)

// New creates the upstream client selected by cfg.Transport
func New(cfg *config.UpstreamConfig, logger *logging.Logger, metrics *telemetry.Metrics) (Upstream, error) {
	switch cfg.Transport {
	case config.TransportHTTPS, "":
		var bootstrap net.IP
		if cfg.BootstrapIP != "" {
			bootstrap = net.ParseIP(cfg.BootstrapIP)
			if bootstrap == nil {
				return nil, fmt.Errorf("%w: bootstrap ip %q", ErrInvalidConfig, cfg.BootstrapIP)
			}
		}
		h, err := NewHTTPSUpstream(cfg.URL, bootstrap, logger,
			WithTimeout(cfg.HTTPSTimeout),
			WithMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}
		return h, nil

	case config.TransportUDP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("%w: udp transport requires an address", ErrInvalidConfig)
		}
		u, err := NewUDPUpstream(cfg.Address, logger,
			WithTimeout(cfg.UDPTimeout),
			WithMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}
		return u, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}
}
