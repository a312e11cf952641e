// Package resolver implements the proxy's asynchronous DNS half: building
// an A/IN query, parsing the response packet, and tracking outstanding
// queries by their 16-bit transaction ID so a reply can be routed back to
// the session that asked for it without blocking the reactor loop.
package resolver

import (
	"errors"

	"github.com/miekg/dns"
)

// ErrNoAnswer describes a packet that unpacked cleanly but whose ANSWER
// section contains no A record. ParseResponse does not return it: it
// reports that case as a nil error with ok == false, together with the
// transaction ID, so the caller can route a failure reply back to the
// right session.
var ErrNoAnswer = errors.New("resolver: no A record in answer section")

// BuildQuery serializes a standard recursive A/IN query for host, tagged
// with the given 16-bit transaction id. host need not be dot-terminated;
// dns.Fqdn canonicalizes it.
func BuildQuery(id uint16, host string) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = true
	msg.Question = []dns.Question{
		{Name: dns.Fqdn(host), Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	return msg.Pack()
}

// ParseResponse unpacks a DNS response datagram and extracts the query's
// transaction ID plus the first A record found in the answer section.
//
// A non-nil error means the packet was malformed and should be dropped
// silently (spec: "drop the datagram ... if unknown or malformed"). A nil
// error with ok == false means the packet parsed fine but carried no A
// answer, which the caller must still treat as a resolution failure tied
// to the returned id.
func ParseResponse(packet []byte) (id uint16, addr string, ok bool, err error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return 0, "", false, err
	}
	id = msg.Id

	for _, rr := range msg.Answer {
		if a, isA := rr.(*dns.A); isA {
			if a.A == nil {
				continue
			}
			return id, a.A.String(), true, nil
		}
	}
	return id, "", false, nil
}
