package dns

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	b, err := BuildQuery(0x1234, "example.com")
	if err != nil {
		t.Fatal(err)
	}

	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		t.Fatal(err)
	}
	if m.Id != 0x1234 || !m.RecursionDesired {
		t.Fatalf("id=%#x rd=%v", m.Id, m.RecursionDesired)
	}
	if len(m.Question) != 1 || m.Question[0].Name != "example.com." || m.Question[0].Qtype != dns.TypeA {
		t.Fatalf("question %+v", m.Question)
	}
}

func reply(t *testing.T, rcode int, rrs ...dns.RR) []byte {
	t.Helper()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 77

	m := new(dns.Msg)
	m.SetRcode(q, rcode)
	m.Answer = rrs

	b, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	hdr := dns.RR_Header{Name: "example.com.", Class: dns.ClassINET, Ttl: 60}
	cname := &dns.CNAME{Hdr: hdr, Target: "edge.example.net."}
	cname.Hdr.Rrtype = dns.TypeCNAME
	a := &dns.A{Hdr: hdr, A: net.IPv4(192, 0, 2, 1)}
	a.Hdr.Name = "edge.example.net."
	a.Hdr.Rrtype = dns.TypeA

	tests := []struct {
		name     string
		msg      []byte
		wantAddr netip.Addr
		wantErr  error
	}{
		{
			name:     "cname then a",
			msg:      reply(t, dns.RcodeSuccess, cname, a),
			wantAddr: netip.MustParseAddr("192.0.2.1"),
		},
		{
			name:    "nxdomain",
			msg:     reply(t, dns.RcodeNameError),
			wantErr: ErrRcode,
		},
		{
			name:    "no records",
			msg:     reply(t, dns.RcodeSuccess, cname),
			wantErr: ErrNoRecords,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ans, err := ParseResponse(tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			if ans.ID != 77 {
				t.Fatalf("id %d", ans.ID)
			}
			if !errors.Is(ans.Err, tt.wantErr) {
				t.Fatalf("err=%v want %v", ans.Err, tt.wantErr)
			}
			if ans.Addr != tt.wantAddr {
				t.Fatalf("addr %v want %v", ans.Addr, tt.wantAddr)
			}
		})
	}
}

func TestParseResponseGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParseResponse([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected error")
	}
}
