package application

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// channel is one non-blocking socket with an output queue that is flushed
// whenever the socket reports write readiness.
type channel struct {
	fd     int
	out    []byte
	eof    bool // peer stopped sending
	shut   bool // our write side is shut down
	closed bool
}

func (c *channel) Descriptor() int { return c.fd }

func (c *channel) Closed() bool { return c.closed }

// Write queues p and sends as much as the socket takes right now.
func (c *channel) Write(p []byte) error {
	if c.closed {
		return net.ErrClosed
	}
	c.out = append(c.out, p...)
	return c.flush()
}

func (c *channel) flush() error {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		c.out = c.out[n:]
	}
	c.out = nil
	return nil
}

func (c *channel) pending() int { return len(c.out) }
