package socks4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"

	"socks4-proxy/internal/domain"
)

type Phase int

const (
	PhaseVersion Phase = iota
	PhaseCommand
	PhasePort
	PhaseAddress
	PhaseUserID
	PhaseDomain // SOCKS4a only
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseVersion:
		return "version"
	case PhaseCommand:
		return "command"
	case PhasePort:
		return "port"
	case PhaseAddress:
		return "address"
	case PhaseUserID:
		return "userid"
	case PhaseDomain:
		return "domain"
	case PhaseDone:
		return "done"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// Status is the outcome of a single Decoder step.
type Status int

const (
	NeedMore Status = iota
	Advanced
	Complete
)

const (
	DefaultMaxFieldLength = 255
	DefaultMaxBuffered    = 64 << 10

	compactThreshold = 4096
)

// Decoder incrementally parses a SOCKS4/4a request. Input is appended with
// Write and consumed one phase at a time with Step. It never blocks.
//
// The zero value is ready to use with the default limits.
type Decoder struct {
	// MaxFieldLength bounds the user-id and domain fields, excluding the
	// terminator.
	MaxFieldLength int
	// MaxBuffered bounds unconsumed input.
	MaxBuffered int

	Version  byte
	Command  byte
	Port     uint16
	Addr     [4]byte
	Extended bool
	Domain   string

	phase Phase
	buf   []byte
	off   int
	scan  int
	err   error
}

func (d *Decoder) Phase() Phase { return d.phase }

// Err returns the error that stopped the decoder, if any.
func (d *Decoder) Err() error { return d.err }

// Write appends p to the pending input.
func (d *Decoder) Write(p []byte) error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf)-d.off+len(p) > d.maxBuffered() {
		d.err = fmt.Errorf("%w: more than %d bytes pending", ErrBufferFull, d.maxBuffered())
		return d.err
	}
	d.compact()
	d.buf = append(d.buf, p...)
	return nil
}

// Step advances at most one phase. Errors are sticky.
func (d *Decoder) Step() (Status, error) {
	if d.err != nil {
		return NeedMore, d.err
	}

	pending := d.buf[d.off:]

	switch d.phase {
	case PhaseVersion:
		if len(pending) < 1 {
			return NeedMore, nil
		}
		d.Version = pending[0]
		if d.Version != domain.SocksVersion4 {
			return d.fail(fmt.Errorf("%w: %#02x", ErrUnsupportedVersion, d.Version))
		}
		d.advance(1, PhaseCommand)

	case PhaseCommand:
		if len(pending) < 1 {
			return NeedMore, nil
		}
		d.Command = pending[0]
		if d.Command != domain.CmdConnect {
			return d.fail(fmt.Errorf("%w: %#02x", ErrUnsupportedCommand, d.Command))
		}
		d.advance(1, PhasePort)

	case PhasePort:
		if len(pending) < 2 {
			return NeedMore, nil
		}
		d.Port = binary.BigEndian.Uint16(pending)
		d.advance(2, PhaseAddress)

	case PhaseAddress:
		if len(pending) < 4 {
			return NeedMore, nil
		}
		copy(d.Addr[:], pending[:4])
		d.advance(4, PhaseUserID)

	case PhaseUserID:
		n, ok, err := d.terminated(pending, d.maxField())
		if err != nil {
			return d.fail(fmt.Errorf("%w: user id longer than %d bytes", err, d.maxField()))
		}
		if !ok {
			return NeedMore, nil
		}
		d.Extended = isExtended(d.Addr)
		next := PhaseDone
		if d.Extended {
			next = PhaseDomain
		}
		d.advance(n+1, next)

	case PhaseDomain:
		limit := min(d.maxField(), domain.MaxHostLength)
		n, ok, err := d.terminated(pending, limit)
		if err != nil {
			return d.fail(fmt.Errorf("%w: domain longer than %d bytes", err, limit))
		}
		if !ok {
			return NeedMore, nil
		}
		if n == 0 {
			return d.fail(fmt.Errorf("%w: empty domain", ErrMalformedField))
		}
		d.Domain = string(pending[:n])
		d.advance(n+1, PhaseDone)

	case PhaseDone:
		return Complete, nil
	}

	if d.phase == PhaseDone {
		return Complete, nil
	}
	return Advanced, nil
}

// Decode steps until more input is needed or the request is complete.
func (d *Decoder) Decode() (bool, error) {
	for {
		st, err := d.Step()
		if err != nil {
			return false, err
		}
		switch st {
		case NeedMore:
			return false, nil
		case Complete:
			return true, nil
		}
	}
}

// Target returns the destination host and service of a complete request.
func (d *Decoder) Target() (host, service string) {
	if d.Extended {
		host = d.Domain
	} else {
		host = netip.AddrFrom4(d.Addr).String()
	}
	return host, strconv.Itoa(int(d.Port))
}

// Remaining returns input received after the request. The slice is only
// valid until the next Write.
func (d *Decoder) Remaining() []byte {
	if d.phase != PhaseDone || d.err != nil {
		return nil
	}
	return d.buf[d.off:]
}

// terminated looks for the NUL ending a field of at most limit bytes.
// d.scan remembers how far earlier calls already looked.
func (d *Decoder) terminated(pending []byte, limit int) (int, bool, error) {
	end := min(len(pending), limit+1)
	if i := bytes.IndexByte(pending[d.scan:end], 0); i >= 0 {
		return d.scan + i, true, nil
	}
	d.scan = end
	if end > limit {
		return 0, false, ErrMalformedField
	}
	return 0, false, nil
}

func (d *Decoder) advance(n int, next Phase) {
	d.off += n
	d.scan = 0
	d.phase = next
}

func (d *Decoder) fail(err error) (Status, error) {
	d.err = err
	return NeedMore, err
}

func (d *Decoder) compact() {
	switch {
	case d.off == 0:
	case d.off == len(d.buf):
		d.buf = d.buf[:0]
		d.off = 0
	case d.off >= compactThreshold && d.off*2 >= len(d.buf):
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}

func (d *Decoder) maxField() int {
	if d.MaxFieldLength > 0 {
		return d.MaxFieldLength
	}
	return DefaultMaxFieldLength
}

func (d *Decoder) maxBuffered() int {
	if d.MaxBuffered > 0 {
		return d.MaxBuffered
	}
	return DefaultMaxBuffered
}

// isExtended reports the SOCKS4a 0.0.0.x (x != 0) address pattern.
func isExtended(a [4]byte) bool {
	return a[0] == 0 && a[1] == 0 && a[2] == 0 && a[3] != 0
}
