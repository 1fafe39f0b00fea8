// Package dns implements the listening side of the proxy: it reads plain DNS
// queries from UDP clients and relays each one to the upstream concurrently.
package dns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"aufloes/pkg/config"
	"aufloes/pkg/forwarder"
	"aufloes/pkg/logging"
	"aufloes/pkg/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// maxMessageSize is the largest datagram the server reads
const maxMessageSize = 64 * 1024

var (
	// ErrNotListening is returned by Serve before Listen succeeded
	ErrNotListening = errors.New("dns server is not listening")

	// ErrAlreadyListening is returned by a second Listen
	ErrAlreadyListening = errors.New("dns server is already listening")
)

// Server is the DNS forwarding server
type Server struct {
	cfg      *config.ServerConfig
	upstream forwarder.Upstream
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	conn      net.PacketConn
	mu        sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once

	// seq numbers received datagrams for log correlation
	seq      atomic.Uint64
	inflight sync.WaitGroup

	// base is the parent context of every request; cancel aborts them all
	base   context.Context
	cancel context.CancelFunc
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithTracerProvider sets where request spans are created. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) ServerOption {
	return func(s *Server) {
		s.tracer = tp.Tracer("aufloes/pkg/dns")
	}
}

// NewServer creates a new DNS server that relays every query to upstream
func NewServer(cfg *config.ServerConfig, upstream forwarder.Upstream, logger *logging.Logger, metrics *telemetry.Metrics, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.Global()
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		upstream: upstream,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.GetTracerProvider().Tracer("aufloes/pkg/dns"),
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the first configured address that accepts a UDP socket
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyListening
	}

	var errs []error
	for _, addr := range s.cfg.BindAddresses() {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			s.logger.Debug("Cannot bind listen address", "address", addr, "error", err)
			errs = append(errs, err)
			continue
		}

		s.conn = conn
		s.logger.Info("DNS server listening", "address", conn.LocalAddr().String())
		return nil
	}

	return fmt.Errorf("failed to bind any listen address: %w", errors.Join(errs...))
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Start binds a listen address and serves until ctx is done or Shutdown is
// called. Shutdown releases the socket in both cases.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve reads queries until ctx is done or Shutdown is called. Each datagram
// is handled on its own goroutine; a failed query is dropped without a reply.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, s.stopAccepting)
	defer stop()

	buf := make([]byte, maxMessageSize)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if s.closing.Load() {
				s.logger.Info("DNS server stopped accepting queries")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("dns listener closed: %w", err)
			}
			s.logger.Warn("Failed to receive query", "error", err)
			continue
		}

		if !s.track() {
			s.logger.Debug("Dropping query received during shutdown", "peer", peer.String())
			continue
		}

		q := &query{
			seq:      s.seq.Add(1),
			received: time.Now(),
			peer:     peer,
			msg:      bytes.Clone(buf[:n]),
		}
		s.logger.Debug("Query received",
			"request", q.seq,
			"peer", peer.String(),
			"length", n,
		)

		go func() {
			defer s.inflight.Done()
			s.handle(conn, q)
		}()
	}
}

// track counts one more in-flight request unless the server is closing.
// Holding mu orders every Add before the Wait in Shutdown.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

// stopAccepting unblocks the read loop while leaving the socket open for
// replies still being written
func (s *Server) stopAccepting() {
	s.mu.Lock()
	if !s.closing.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.SetReadDeadline(time.Now()); err != nil {
			s.logger.Warn("Failed to interrupt listener", "error", err)
		}
	}
}

// Shutdown stops reading queries, waits for in-flight ones to be answered and
// closes the socket. When ctx ends first, the remaining requests are cancelled
// and their replies are lost. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopAccepting()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()

	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.logger.Info("DNS server shut down", "requests", s.seq.Load())
	})

	return err
}
