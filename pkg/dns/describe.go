package dns

import (
	"strings"

	"github.com/miekg/dns"
)

// describeQuestion renders the question section of a wire-format message for
// debug logs, e.g. "example.com. IN A"
func describeQuestion(msg []byte) string {
	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return "unparsable: " + err.Error()
	}
	if len(m.Question) == 0 {
		return "no question"
	}

	parts := make([]string, 0, len(m.Question))
	for _, q := range m.Question {
		parts = append(parts, q.Name+" "+dns.ClassToString[q.Qclass]+" "+dns.TypeToString[q.Qtype])
	}
	return strings.Join(parts, ", ")
}
