package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"socks4-proxy/internal/domain"
	"socks4-proxy/internal/infrastructure/dns"
	"socks4-proxy/internal/infrastructure/network"
)

var ErrInvalidRequest = errors.New("invalid connect request")

const maxQueryIDAttempts = 16

type pendingConnect struct {
	req       domain.ConnectRequest
	port      uint16
	resolving bool
	queryID   uint16
	remoteFD  int
	addr      netip.AddrPort
}

// Connector resolves and connects on behalf of sessions. It shares the
// event loop with the proxy: DNS answers and connect completions arrive as
// readiness events routed here by ProxyService.
type Connector struct {
	log       *slog.Logger
	loop      domain.EventLoop
	dnsFD     int
	dnsServer netip.AddrPort
	registry  *Registry

	byID    map[domain.SessionID]*pendingConnect
	byQuery map[uint16]*pendingConnect
	byFD    map[int]*pendingConnect
	buf     []byte
}

func NewConnector(loop domain.EventLoop, logger *slog.Logger, dnsFD int, dnsServer netip.AddrPort) *Connector {
	return &Connector{
		log:       logger,
		loop:      loop,
		dnsFD:     dnsFD,
		dnsServer: dnsServer,
		registry:  NewRegistry(),
		byID:      make(map[domain.SessionID]*pendingConnect),
		byQuery:   make(map[uint16]*pendingConnect),
		byFD:      make(map[int]*pendingConnect),
		buf:       make([]byte, dns.MaxMessageSize),
	}
}

func (c *Connector) Submit(req domain.ConnectRequest, h domain.ResponseHandler) error {
	if req.Host == "" || len(req.Host) > domain.MaxHostLength {
		return fmt.Errorf("%w: host %q", ErrInvalidRequest, req.Host)
	}
	if req.Service == "" || len(req.Service) > domain.MaxServiceLength {
		return fmt.Errorf("%w: service %q", ErrInvalidRequest, req.Service)
	}
	port, err := strconv.ParseUint(req.Service, 10, 16)
	if err != nil {
		return fmt.Errorf("%w: service %q", ErrInvalidRequest, req.Service)
	}

	if err := c.registry.Register(req.ID, h); err != nil {
		return err
	}

	p := &pendingConnect{req: req, port: uint16(port), remoteFD: domain.NoDescriptor}
	c.byID[req.ID] = p

	if addr, err := netip.ParseAddr(req.Host); err == nil {
		if !addr.Is4() {
			c.abort(p)
			return fmt.Errorf("%w: %s is not IPv4", ErrInvalidRequest, req.Host)
		}
		if err := c.connect(p, addr); err != nil {
			c.abort(p)
			return err
		}
		return nil
	}

	if err := c.query(p); err != nil {
		c.abort(p)
		return err
	}
	return nil
}

// Detach forgets the handler for id and abandons any work still in flight
// for it.
func (c *Connector) Detach(id domain.SessionID) {
	c.registry.Remove(id)
	if p := c.byID[id]; p != nil {
		c.log.Debug("Abandoning connect", "session", uint64(id), "host", p.req.Host)
		c.abort(p)
	}
}

// Pending returns the number of requests still waiting for a response.
func (c *Connector) Pending() int { return len(c.byID) }

func (c *Connector) query(p *pendingConnect) error {
	id := dns.NewQueryID()
	for attempt := 0; c.byQuery[id] != nil; attempt++ {
		if attempt == maxQueryIDAttempts {
			return errors.New("no free dns query id")
		}
		id = dns.NewQueryID()
	}

	packed, err := dns.BuildQuery(id, p.req.Host)
	if err != nil {
		return err
	}
	if err := network.SendTo(c.dnsFD, packed, c.dnsServer); err != nil {
		return fmt.Errorf("dns send: %w", err)
	}

	p.resolving = true
	p.queryID = id
	c.byQuery[id] = p
	c.log.Debug("Resolving domain", "domain", p.req.Host, "query_id", id, "session", uint64(p.req.ID))
	return nil
}

func (c *Connector) connect(p *pendingConnect, addr netip.Addr) error {
	p.addr = netip.AddrPortFrom(addr, p.port)
	fd, err := network.ConnectTCP(p.addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.addr, err)
	}
	if err := c.loop.Register(fd, domain.EventWrite); err != nil {
		unix.Close(fd)
		return fmt.Errorf("register remote fd: %w", err)
	}

	p.remoteFD = fd
	c.byFD[fd] = p
	c.log.Debug("Initiating TCP connection", "remote", p.addr, "remote_fd", fd, "session", uint64(p.req.ID))
	return nil
}

// HandleDNSReadable drains DNS answers from the shared UDP socket.
func (c *Connector) HandleDNSReadable() {
	for {
		n, from, err := network.RecvFrom(c.dnsFD, c.buf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				c.log.Error("DNS receive failed", "error", err)
			}
			return
		}
		if from != c.dnsServer {
			c.log.Warn("Dropping DNS answer from unexpected source", "from", from)
			continue
		}

		ans, err := dns.ParseResponse(c.buf[:n])
		if err != nil {
			c.log.Error("Failed to unpack DNS response", "error", err)
			continue
		}

		p := c.byQuery[ans.ID]
		if p == nil {
			continue
		}
		delete(c.byQuery, ans.ID)
		p.resolving = false

		if ans.Err != nil {
			c.finish(p, fmt.Errorf("resolve %s: %w", p.req.Host, ans.Err))
			continue
		}

		c.log.Info("DNS Resolved", "domain", p.req.Host, "ip", ans.Addr)
		if err := c.connect(p, ans.Addr); err != nil {
			c.finish(p, err)
		}
	}
}

// HandleConnectEvent completes a pending connect. It reports whether fd
// belonged to the connector.
func (c *Connector) HandleConnectEvent(fd int, event domain.EventType) bool {
	p := c.byFD[fd]
	if p == nil {
		return false
	}
	if event&(domain.EventWrite|domain.EventHangup) == 0 {
		return true
	}

	if err := network.SocketError(fd); err != nil {
		c.finish(p, fmt.Errorf("connect %s: %w", p.addr, err))
		return true
	}

	c.log.Info("Connected to target", "target", p.addr, "remote_fd", fd)
	c.finish(p, nil)
	return true
}

func (c *Connector) finish(p *pendingConnect, err error) {
	c.forget(p)

	resp := domain.ConnectResponse{
		ID:       p.req.ID,
		Status:   err == nil,
		RemoteFD: p.remoteFD,
		ClientFD: p.req.ClientFD,
		Addr:     p.addr.Addr(),
		Port:     p.addr.Port(),
		Err:      err,
	}
	if err != nil {
		c.closeRemote(p)
		resp.RemoteFD = domain.NoDescriptor
	}

	if !c.registry.Deliver(resp) && err == nil {
		c.closeRemote(p)
	}
}

func (c *Connector) abort(p *pendingConnect) {
	c.forget(p)
	c.registry.Remove(p.req.ID)
	c.closeRemote(p)
}

func (c *Connector) forget(p *pendingConnect) {
	delete(c.byID, p.req.ID)
	if p.resolving {
		delete(c.byQuery, p.queryID)
		p.resolving = false
	}
	if p.remoteFD != domain.NoDescriptor {
		delete(c.byFD, p.remoteFD)
	}
}

func (c *Connector) closeRemote(p *pendingConnect) {
	if p.remoteFD == domain.NoDescriptor {
		return
	}
	_ = c.loop.Unregister(p.remoteFD)
	unix.Close(p.remoteFD)
	p.remoteFD = domain.NoDescriptor
}
