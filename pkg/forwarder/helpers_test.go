package forwarder

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"aufloes/pkg/config"
	"aufloes/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	logger, _ := logging.New(&config.LoggingConfig{
		Level:  "error", // Suppress logs during tests
		Format: "text",
		Output: "stdout",
	})
	return logger
}

// buildQuery packs a recursive query for name with the given transaction ID
func buildQuery(t testing.TB, name string, qtype uint16, id uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = id
	packed, err := msg.Pack()
	require.NoError(t, err)
	return packed
}

// answerFor builds a packed answer to query: A queries get 192.0.2.1 and AAAA
// queries get 2001:db8::1
func answerFor(query []byte) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil, err
	}
	if len(req.Question) == 0 {
		return nil, errors.New("no question")
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	q := req.Question[0]
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 300}
	switch q.Qtype {
	case dns.TypeA:
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("192.0.2.1")})
	case dns.TypeAAAA:
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("2001:db8::1")})
	default:
		resp.SetRcode(req, dns.RcodeNotImplemented)
	}
	return resp.Pack()
}

// parseAnswer unpacks a response and returns it with a single-line summary
// of its first answer record
func parseAnswer(t *testing.T, packed []byte) (*dns.Msg, string) {
	t.Helper()
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(packed))
	if len(msg.Answer) == 0 {
		return msg, ""
	}
	switch rr := msg.Answer[0].(type) {
	case *dns.A:
		return msg, rr.A.String()
	case *dns.AAAA:
		return msg, rr.AAAA.String()
	default:
		return msg, fmt.Sprint(rr)
	}
}

// udpHandler sees every datagram the fake upstream receives
type udpHandler func(pc net.PacketConn, peer net.Addr, query []byte)

// startUDPServer runs a fake UDP upstream on loopback until the test ends
func startUDPServer(t testing.TB, handle udpHandler) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 65535)
		for {
			n, peer, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			query := make([]byte, n)
			copy(query, buf[:n])
			handle(pc, peer, query)
		}
	}()

	t.Cleanup(func() {
		_ = pc.Close()
		wg.Wait()
	})
	return pc.LocalAddr().String()
}

// echoAnswer replies to every query immediately
func echoAnswer(pc net.PacketConn, peer net.Addr, query []byte) {
	resp, err := answerFor(query)
	if err != nil {
		return
	}
	_, _ = pc.WriteTo(resp, peer)
}

// silent never replies
func silent(net.PacketConn, net.Addr, []byte) {}
