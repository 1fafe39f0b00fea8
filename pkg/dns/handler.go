package dns

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"aufloes/pkg/forwarder"
	"aufloes/pkg/proto"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reasons a query goes unanswered, used as metric and span labels
const (
	dropShortQuery    = "short_query"
	dropUpstream      = "upstream"
	dropTimeout       = "timeout"
	dropShortResponse = "short_response"
	dropWriteFailed   = "write_failed"
	dropShortWrite    = "short_write"
)

// query is one received datagram
type query struct {
	received time.Time
	peer     net.Addr
	msg      []byte
	seq      uint64
}

// handle relays q upstream and writes the answer back to its sender under the
// sender's transaction ID. Failures only affect q.
func (s *Server) handle(conn net.PacketConn, q *query) {
	ctx, span := s.tracer.Start(s.base, "dns.forward",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int64("dns.request", int64(q.seq)),
			attribute.String("net.peer.address", q.peer.String()),
			attribute.Int("dns.length", len(q.msg)),
		),
	)
	defer span.End()

	log := s.logger.WithField("request", q.seq)
	s.metrics.AddQuery(ctx)

	outcome := "ok"
	defer func() {
		s.metrics.RecordDuration(ctx, time.Since(q.received), outcome)
	}()
	drop := func(reason string, err error) {
		outcome = reason
		s.metrics.AddDroppedReply(ctx, reason)
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, reason)
	}

	if !proto.HasTxID(q.msg) {
		log.Warn("Dropping query shorter than a DNS header", "peer", q.peer.String(), "length", len(q.msg))
		drop(dropShortQuery, nil)
		return
	}

	id := proto.ReadTxID(q.msg)
	if log.Enabled(ctx, slog.LevelDebug) {
		log.Debug("Forwarding query", "id", id, "question", describeQuestion(q.msg))
	}

	resp, err := s.upstream.Resolve(ctx, q.msg)
	if err != nil {
		if errors.Is(err, forwarder.ErrTimeout) {
			log.Warn("Upstream timed out, dropping query", "id", id, "error", err)
			drop(dropTimeout, err)
			return
		}
		log.Warn("Upstream failed, dropping query", "id", id, "error", err)
		drop(dropUpstream, err)
		return
	}

	if !proto.HasTxID(resp) {
		log.Error("Upstream returned a message shorter than a DNS header", "length", len(resp))
		drop(dropShortResponse, nil)
		return
	}
	proto.WriteTxID(resp, id)

	n, err := conn.WriteTo(resp, q.peer)
	if err != nil {
		log.Error("Failed to send reply", "peer", q.peer.String(), "error", err)
		drop(dropWriteFailed, err)
		return
	}
	if n != len(resp) {
		// Datagram writes are all-or-nothing; this only happens on a broken socket
		log.Error("Reply truncated on send", "peer", q.peer.String(), "written", n, "length", len(resp))
		drop(dropShortWrite, nil)
		return
	}

	span.SetAttributes(attribute.Int("dns.response.length", len(resp)))
	log.Debug("Query finished",
		"peer", q.peer.String(),
		"elapsed_ms", time.Since(q.received).Milliseconds(),
	)
}
