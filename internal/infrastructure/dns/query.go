// Package dns builds the A queries the connector sends and interprets the
// answers, on top of github.com/miekg/dns.
package dns

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

var (
	ErrNoRecords = errors.New("dns: no A records")
	ErrRcode     = errors.New("dns: query failed")
)

// MaxMessageSize is the largest UDP response the connector reads.
const MaxMessageSize = dns.MaxMsgSize

// NewQueryID returns a random message id.
func NewQueryID() uint16 { return dns.Id() }

// BuildQuery packs a recursive A query for host with the given id.
func BuildQuery(id uint16, host string) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	m.Id = id

	packed, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query for %q: %w", host, err)
	}
	return packed, nil
}

// Answer is a parsed response.
type Answer struct {
	ID   uint16
	Addr netip.Addr
	Err  error
}

// ParseResponse unpacks a response. A malformed message returns an error;
// a well-formed one without a usable address returns an Answer carrying Err
// so the caller can still correlate it by ID.
func ParseResponse(b []byte) (Answer, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return Answer{}, fmt.Errorf("unpack response: %w", err)
	}

	ans := Answer{ID: msg.Id}
	if msg.Rcode != dns.RcodeSuccess {
		ans.Err = fmt.Errorf("%w: %s", ErrRcode, dns.RcodeToString[msg.Rcode])
		return ans, nil
	}

	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				ans.Addr = addr
				return ans, nil
			}
		}
	}

	ans.Err = ErrNoRecords
	return ans, nil
}
