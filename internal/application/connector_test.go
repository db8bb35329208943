package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"socks4-proxy/internal/domain"
	"socks4-proxy/internal/infrastructure/network"
	"socks4-proxy/internal/testutil"
)

type fakeLoop struct {
	registered map[int]domain.EventType
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{registered: make(map[int]domain.EventType)}
}

func (l *fakeLoop) Register(fd int, events domain.EventType) error {
	l.registered[fd] = events
	return nil
}

func (l *fakeLoop) Modify(fd int, events domain.EventType) error {
	l.registered[fd] = events
	return nil
}

func (l *fakeLoop) Unregister(fd int) error {
	delete(l.registered, fd)
	return nil
}

func (l *fakeLoop) Run(domain.EventHandler) error { return nil }
func (l *fakeLoop) Stop()                         {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConnector(t *testing.T, dnsServer netip.AddrPort) (*Connector, *fakeLoop, int) {
	t.Helper()

	dfd, err := network.BindUDP()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(dfd) })

	loop := newFakeLoop()
	return NewConnector(loop, discardLogger(), dfd, dnsServer), loop, dfd
}

func waitFD(t *testing.T, fd int, events int16) {
	t.Helper()

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatalf("fd %d not ready", fd)
	}
}

func portString(ap netip.AddrPort) string {
	return strconv.Itoa(int(ap.Port()))
}

func onlyFD(t *testing.T, loop *fakeLoop) int {
	t.Helper()

	if len(loop.registered) != 1 {
		t.Fatalf("%d fds registered", len(loop.registered))
	}
	for fd := range loop.registered {
		return fd
	}
	return -1
}

func TestConnectorRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	c, loop, _ := newTestConnector(t, netip.MustParseAddrPort("127.0.0.1:53"))

	tests := []struct {
		name string
		req  domain.ConnectRequest
	}{
		{name: "empty host", req: domain.ConnectRequest{ID: 1, Service: "80"}},
		{name: "empty service", req: domain.ConnectRequest{ID: 2, Host: "example.com"}},
		{name: "service out of range", req: domain.ConnectRequest{ID: 3, Host: "example.com", Service: "70000"}},
		{name: "ipv6 literal", req: domain.ConnectRequest{ID: 4, Host: "::1", Service: "80"}},
	}

	for _, tt := range tests {
		h := &recordingHandler{}
		if err := c.Submit(tt.req, h); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err=%v", tt.name, err)
		}
	}

	if c.Pending() != 0 || c.registry.Len() != 0 || len(loop.registered) != 0 {
		t.Fatalf("state leaked: pending=%d handlers=%d fds=%d", c.Pending(), c.registry.Len(), len(loop.registered))
	}
}

func TestConnectorConnectsIPLiteral(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	target := netip.MustParseAddrPort(echoLn.Addr().String())

	c, loop, _ := newTestConnector(t, netip.MustParseAddrPort("127.0.0.1:53"))
	h := &recordingHandler{}

	req := domain.ConnectRequest{ID: 9, Host: "127.0.0.1", Service: portString(target), ClientFD: 100, RemoteFD: domain.NoDescriptor}
	if err := c.Submit(req, h); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(req, h); !errors.Is(err, ErrRequestOutstanding) {
		t.Fatalf("second submit err=%v", err)
	}

	fd := onlyFD(t, loop)
	waitFD(t, fd, unix.POLLOUT)
	if !c.HandleConnectEvent(fd, domain.EventWrite) {
		t.Fatal("connect event not claimed")
	}
	defer unix.Close(fd)

	if len(h.responses) != 1 {
		t.Fatalf("%d responses", len(h.responses))
	}
	resp := h.responses[0]
	if !resp.Status || resp.RemoteFD != fd || resp.ClientFD != 100 || resp.Port != target.Port() || resp.Addr != target.Addr() {
		t.Fatalf("response %+v", resp)
	}
	if c.Pending() != 0 || c.HandleConnectEvent(fd, domain.EventWrite) {
		t.Fatal("connect still pending after completion")
	}
}

func TestConnectorRefused(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Grab a free port and release it so nothing listens there.
	ln := testutil.StartEchoTCPServer(t, ctx)
	target := netip.MustParseAddrPort(ln.Addr().String())
	_ = ln.Close()

	c, loop, _ := newTestConnector(t, netip.MustParseAddrPort("127.0.0.1:53"))
	h := &recordingHandler{}

	req := domain.ConnectRequest{ID: 3, Host: target.Addr().String(), Service: portString(target), RemoteFD: domain.NoDescriptor}
	if err := c.Submit(req, h); err != nil {
		// Loopback may refuse synchronously.
		if c.Pending() != 0 {
			t.Fatalf("pending after failed submit: %v", err)
		}
		return
	}

	fd := onlyFD(t, loop)
	waitFD(t, fd, unix.POLLOUT)
	c.HandleConnectEvent(fd, domain.EventWrite|domain.EventHangup)

	if len(h.responses) != 1 || h.responses[0].Status || h.responses[0].RemoteFD != domain.NoDescriptor {
		t.Fatalf("responses %+v", h.responses)
	}
	if !errors.Is(h.responses[0].Err, unix.ECONNREFUSED) {
		t.Fatalf("err=%v", h.responses[0].Err)
	}
	if len(loop.registered) != 0 {
		t.Fatal("refused fd still registered")
	}
}

func TestConnectorDetachAbandonsConnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	target := netip.MustParseAddrPort(echoLn.Addr().String())

	c, loop, _ := newTestConnector(t, netip.MustParseAddrPort("127.0.0.1:53"))
	h := &recordingHandler{}

	req := domain.ConnectRequest{ID: 5, Host: "127.0.0.1", Service: portString(target), RemoteFD: domain.NoDescriptor}
	if err := c.Submit(req, h); err != nil {
		t.Fatal(err)
	}
	fd := onlyFD(t, loop)

	c.Detach(5)
	if c.Pending() != 0 || len(loop.registered) != 0 || c.registry.Len() != 0 {
		t.Fatal("detach left state behind")
	}
	if c.HandleConnectEvent(fd, domain.EventWrite) {
		t.Fatal("detached connect still claimed")
	}
	if len(h.responses) != 0 {
		t.Fatalf("responses %+v", h.responses)
	}
}

func TestConnectorResolvesDomain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	target := netip.MustParseAddrPort(echoLn.Addr().String())
	service := portString(target)

	dnsAddr := testutil.StartDNSServer(t, map[string]netip.Addr{
		"echo.test.": target.Addr(),
	})

	c, loop, dfd := newTestConnector(t, dnsAddr)

	t.Run("found", func(t *testing.T) {
		h := &recordingHandler{}
		if err := c.Submit(domain.ConnectRequest{ID: 1, Host: "echo.test", Service: service, RemoteFD: domain.NoDescriptor}, h); err != nil {
			t.Fatal(err)
		}
		if len(loop.registered) != 0 {
			t.Fatal("connect started before resolution")
		}

		waitFD(t, dfd, unix.POLLIN)
		c.HandleDNSReadable()

		fd := onlyFD(t, loop)
		defer unix.Close(fd)
		waitFD(t, fd, unix.POLLOUT)
		c.HandleConnectEvent(fd, domain.EventWrite)

		if len(h.responses) != 1 || !h.responses[0].Status || h.responses[0].Addr != target.Addr() {
			t.Fatalf("responses %+v", h.responses)
		}
		delete(loop.registered, fd)
	})

	t.Run("nxdomain", func(t *testing.T) {
		h := &recordingHandler{}
		if err := c.Submit(domain.ConnectRequest{ID: 2, Host: "missing.test", Service: service, RemoteFD: domain.NoDescriptor}, h); err != nil {
			t.Fatal(err)
		}

		waitFD(t, dfd, unix.POLLIN)
		c.HandleDNSReadable()

		if len(h.responses) != 1 || h.responses[0].Status || h.responses[0].Err == nil {
			t.Fatalf("responses %+v", h.responses)
		}
		if c.Pending() != 0 || len(loop.registered) != 0 {
			t.Fatal("state leaked after failed resolution")
		}
	})
}
