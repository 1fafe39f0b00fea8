package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"aufloes/pkg/logging"
	"aufloes/pkg/proto"
	"aufloes/pkg/telemetry"
)

const (
	// DefaultUDPTimeout bounds the wait for one UDP answer
	DefaultUDPTimeout = 5 * time.Second

	maxDatagramSize = 64 * 1024

	// Receive errors other than refusals back off between these bounds
	minReceiveBackoff = 10 * time.Millisecond
	maxReceiveBackoff = time.Second
)

// UDPUpstream multiplexes concurrent queries over one connected UDP socket.
// Each query is sent under a fresh random transaction ID and a single
// receive goroutine routes answers back to their callers by that ID.
type UDPUpstream struct {
	addr      string
	conn      *net.UDPConn
	pending   *pendingTable
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	timeout   time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewUDPUpstream connects to addr (port 53 when none is given) and starts
// the receive goroutine. Close stops it.
func NewUDPUpstream(addr string, logger *logging.Logger, opts ...Option) (*UDPUpstream, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// A nil local address binds the wildcard of the remote's family
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	logger = loggerOrGlobal(logger)
	o := newOptions(DefaultUDPTimeout, opts)

	u := &UDPUpstream{
		addr:    raddr.String(),
		conn:    conn,
		pending: newPendingTable(),
		logger:  logger,
		metrics: o.metrics,
		timeout: o.timeout,
		done:    make(chan struct{}),
	}

	u.wg.Add(1)
	go u.receiveLoop()

	logger.Info("UDP upstream initialized",
		"upstream", u.addr,
		"local", conn.LocalAddr().String(),
		"timeout", u.timeout,
	)

	return u, nil
}

// Addr returns the upstream address
func (u *UDPUpstream) Addr() string {
	return u.addr
}

// Pending returns the number of requests awaiting an answer
func (u *UDPUpstream) Pending() int {
	return u.pending.len()
}

// Resolve sends msg under a fresh transaction ID and waits for the matching
// answer, which is returned with msg's original ID. The pending entry is gone
// by the time Resolve returns, whatever the outcome.
func (u *UDPUpstream) Resolve(ctx context.Context, msg []byte) ([]byte, error) {
	select {
	case <-u.done:
		return nil, ErrClosed
	default:
	}
	if !proto.HasTxID(msg) {
		return nil, ErrShortMessage
	}

	id, ch, err := u.pending.register()
	if err != nil {
		u.metrics.AddUpstreamError(ctx, "udp")
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	u.metrics.AddPending(ctx, 1)
	defer u.metrics.AddPending(ctx, -1)

	original := proto.ReadTxID(msg)
	query := bytes.Clone(msg)
	proto.WriteTxID(query, id)

	if err := u.send(query); err != nil {
		u.pending.take(id)
		u.metrics.AddUpstreamError(ctx, "udp")
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	timer := time.NewTimer(u.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.err != nil {
			u.metrics.AddUpstreamError(ctx, "udp")
			return nil, fmt.Errorf("%w: %w", ErrUpstream, resp.err)
		}
		proto.WriteTxID(resp.msg, original)
		return resp.msg, nil

	case <-timer.C:
		u.pending.take(id)
		u.metrics.AddUpstreamTimeout(ctx, "udp")
		return nil, fmt.Errorf("%w: no answer from %s after %s", ErrTimeout, u.addr, u.timeout)

	case <-ctx.Done():
		u.pending.take(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			u.metrics.AddUpstreamTimeout(ctx, "udp")
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// send writes query to the upstream. On a connected socket an ICMP port
// unreachable left by an earlier datagram surfaces as ECONNREFUSED on the next
// call, which may be this write; it says nothing about query, so the write is
// retried once.
func (u *UDPUpstream) send(query []byte) error {
	n, err := u.conn.Write(query)
	if errors.Is(err, syscall.ECONNREFUSED) {
		n, err = u.conn.Write(query)
	}
	if err != nil {
		return err
	}
	if n != len(query) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(query))
	}
	return nil
}

func (u *UDPUpstream) receiveLoop() {
	defer u.wg.Done()

	buf := make([]byte, maxDatagramSize)
	var backoff time.Duration
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			select {
			case <-u.done:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				failed := u.pending.drain(err)
				u.logger.Error("UDP upstream socket closed unexpectedly",
					"upstream", u.addr,
					"failed_requests", failed,
				)
				return
			}

			// The upstream port is closed; waiting requests run into their timeout
			if errors.Is(err, syscall.ECONNREFUSED) {
				u.logger.Debug("UDP upstream refused a query", "upstream", u.addr)
				continue
			}

			backoff = min(max(2*backoff, minReceiveBackoff), maxReceiveBackoff)
			u.logger.Warn("UDP upstream receive failed",
				"upstream", u.addr,
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-u.done:
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if n < proto.TxIDSize {
			u.logger.Debug("Dropping short datagram from upstream", "upstream", u.addr, "length", n)
			continue
		}

		id := proto.ReadTxID(buf[:n])
		ch, ok := u.pending.take(id)
		if !ok {
			u.logger.Debug("Dropping unsolicited response", "upstream", u.addr, "id", id)
			u.metrics.AddUnsolicited(context.Background())
			continue
		}

		deliver(ch, response{msg: bytes.Clone(buf[:n])})
	}
}

// Close stops the receive goroutine and closes the socket. It is safe to call
// more than once. Calls already waiting are not woken; they time out.
func (u *UDPUpstream) Close() error {
	u.closeOnce.Do(func() {
		close(u.done)
		u.closeErr = u.conn.Close()
		u.wg.Wait()
		u.logger.Debug("UDP upstream closed", "upstream", u.addr)
	})
	return u.closeErr
}
