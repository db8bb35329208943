package socks4

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedVersion = errors.New("socks4: unsupported version")
	ErrUnsupportedCommand = errors.New("socks4: unsupported command")
	ErrMalformedField     = errors.New("socks4: malformed field")
	ErrBufferFull         = errors.New("socks4: input buffer full")
	ErrResolveConnect     = errors.New("socks4: resolve and connect failed")
	ErrConnectTimeout     = fmt.Errorf("%w: timed out", ErrResolveConnect)
	ErrSessionClosed      = errors.New("socks4: session closed")
)
