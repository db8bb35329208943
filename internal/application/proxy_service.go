package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"socks4-proxy/internal/config"
	"socks4-proxy/internal/domain"
	"socks4-proxy/internal/infrastructure/network"
	"socks4-proxy/internal/socks4"
)

type connState int

const (
	stateHandshake connState = iota // SOCKS4 request and connect
	stateStreaming                  // Pipe
	stateClosing                    // Flushing a reject reply
	stateClosed
)

// proxyConn is one accepted client and, once connected, its remote peer.
type proxyConn struct {
	session  *socks4.Session
	client   *channel
	remote   *channel
	state    connState
	accepted time.Time
}

type ProxyService struct {
	log        *slog.Logger
	cfg        *config.Config
	loop       domain.EventLoop
	listenerFD int
	dnsFD      int
	addr       netip.AddrPort
	connector  *Connector
	conns      map[int]*proxyConn
	nextID     domain.SessionID
	buf        []byte
}

func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg *config.Config) (*ProxyService, error) {
	lfd, err := network.ListenTCP(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	addr, err := network.LocalAddr(lfd)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("failed to read listen address: %w", err)
	}

	dfd, err := network.BindUDP()
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}

	return &ProxyService{
		log:        logger,
		cfg:        cfg,
		loop:       loop,
		listenerFD: lfd,
		dnsFD:      dfd,
		addr:       addr,
		connector:  NewConnector(loop, logger, dfd, cfg.DNSServer),
		conns:      make(map[int]*proxyConn),
		buf:        make([]byte, 32<<10),
	}, nil
}

// Addr returns the address clients connect to.
func (s *ProxyService) Addr() netip.AddrPort { return s.addr }

func (s *ProxyService) Start() error {
	defer s.shutdown()

	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listenerFD, "dns_fd", s.dnsFD)

	if err := s.loop.Register(s.listenerFD, domain.EventRead); err != nil {
		return err
	}
	if err := s.loop.Register(s.dnsFD, domain.EventRead); err != nil {
		return err
	}

	s.log.Info("Proxy service is running loop...", "addr", s.addr)
	return s.loop.Run(s)
}

// Stop asks the event loop to return. Safe to call from any goroutine.
func (s *ProxyService) Stop() {
	s.loop.Stop()
}

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD {
		return s.acceptNewClients()
	}
	if fd == s.dnsFD {
		s.connector.HandleDNSReadable()
		return nil
	}
	if s.connector.HandleConnectEvent(fd, event) {
		return nil
	}

	conn := s.conns[fd]
	if conn == nil {
		return nil
	}

	switch conn.state {
	case stateHandshake:
		s.handshake(conn, event)
	case stateStreaming:
		s.pipeData(conn, fd, event)
	case stateClosing:
		s.drainClosing(conn, event)
	}
	return nil
}

func (s *ProxyService) HandleTick(now time.Time) {
	for fd, conn := range s.conns {
		if conn.state != stateHandshake || fd != conn.client.fd {
			continue
		}
		if conn.session.Pending() {
			conn.session.Expire(now)
			continue
		}
		if s.cfg.NegotiationTimeout > 0 && now.Sub(conn.accepted) >= s.cfg.NegotiationTimeout {
			s.closeConn(conn, "negotiation timeout")
		}
	}
}

func (s *ProxyService) acceptNewClients() error {
	for {
		nfd, peer, err := network.Accept(s.listenerFD)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return nil
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			}
			s.log.Error("Accept failed", "error", err)
			return nil
		}

		s.nextID++
		conn := &proxyConn{
			client:   &channel{fd: nfd},
			state:    stateHandshake,
			accepted: time.Now(),
		}
		conn.session = socks4.NewSession(s.nextID, conn.client, s.connector, socks4.Options{
			MaxFieldLength: s.cfg.MaxFieldLength,
			MaxBuffered:    s.cfg.MaxBuffered,
			ConnectTimeout: s.cfg.ConnectTimeout,
			RejectReplies:  s.cfg.RejectReplies,
			Logger:         s.log,
			OnSucceeded:    func(info domain.ConnectionInfo) { s.startStreaming(conn, info) },
			OnFailed:       func(_ domain.ConnectionInfo, err error) { s.rejectConn(conn, err) },
		})

		if err := s.loop.Register(nfd, domain.EventRead|domain.EventWrite); err != nil {
			s.log.Error("Failed to register client", "client_fd", nfd, "error", err)
			unix.Close(nfd)
			continue
		}
		s.conns[nfd] = conn

		s.log.Info("New client accepted", "fd", nfd, "ip", peer.Addr(), "session", uint64(s.nextID))
	}
}

func (s *ProxyService) handshake(conn *proxyConn, event domain.EventType) {
	if event&domain.EventWrite != 0 {
		if err := conn.client.flush(); err != nil {
			s.closeConn(conn, "client write failed")
			return
		}
	}
	if event&(domain.EventRead|domain.EventHangup) == 0 {
		return
	}

	for conn.state == stateHandshake {
		n, err := unix.Read(conn.client.fd, s.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.closeConn(conn, "client read failed")
			return
		}
		if n == 0 {
			s.closeConn(conn, "client closed during handshake")
			return
		}

		if err := conn.session.Feed(s.buf[:n]); err != nil {
			// The failure callback already moved the connection on.
			return
		}
	}
}

func (s *ProxyService) startStreaming(conn *proxyConn, info domain.ConnectionInfo) {
	conn.remote = &channel{fd: info.RemoteFD}
	conn.state = stateStreaming
	s.conns[info.RemoteFD] = conn

	if err := s.loop.Modify(info.RemoteFD, domain.EventRead|domain.EventWrite); err != nil {
		s.closeConn(conn, "remote register failed")
		return
	}

	if early := conn.session.Remaining(); len(early) > 0 {
		if err := conn.remote.Write(early); err != nil {
			s.closeConn(conn, "remote write failed")
			return
		}
	}

	// Client bytes that arrived while connecting were drained into the
	// session already; the remote may have spoken first.
	s.pipeData(conn, info.RemoteFD, domain.EventRead)
}

func (s *ProxyService) rejectConn(conn *proxyConn, err error) {
	if conn.state == stateClosed {
		return
	}
	s.log.Info("Rejecting client", "client_fd", conn.client.fd, "reason", err)
	conn.state = stateClosing
	if conn.client.pending() == 0 {
		s.closeConn(conn, "handshake failed")
	}
}

func (s *ProxyService) drainClosing(conn *proxyConn, event domain.EventType) {
	if event&domain.EventWrite != 0 {
		if err := conn.client.flush(); err != nil {
			s.closeConn(conn, "client write failed")
			return
		}
	}
	if conn.client.pending() == 0 || event&domain.EventHangup != 0 {
		s.closeConn(conn, "handshake failed")
	}
}

func (s *ProxyService) pipeData(conn *proxyConn, fd int, event domain.EventType) {
	src, dst := conn.client, conn.remote
	if fd == conn.remote.fd {
		src, dst = conn.remote, conn.client
	}

	if event&domain.EventWrite != 0 {
		if err := src.flush(); err != nil {
			s.closeConn(conn, "write error")
			return
		}
		// Room freed up on src; resume reading what its peer sends.
		if err := s.pump(dst, src); err != nil {
			s.closeConn(conn, "connection reset")
			return
		}
	}

	if event&(domain.EventRead|domain.EventHangup) != 0 {
		if err := s.pump(src, dst); err != nil {
			s.closeConn(conn, "connection reset")
			return
		}
	}

	s.settle(conn)
}

// pump moves bytes from src to dst until src would block, hits EOF, or
// dst has MaxBuffered bytes queued.
func (s *ProxyService) pump(src, dst *channel) error {
	for !src.eof && dst.pending() < s.cfg.MaxBuffered {
		n, err := unix.Read(src.fd, s.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			src.eof = true
			return nil
		}

		dst.out = append(dst.out, s.buf[:n]...)
		if err := dst.flush(); err != nil {
			return err
		}
		s.log.Debug("Data transfer", "bytes", n, "src_fd", src.fd)
	}
	return nil
}

// settle propagates half-closes and closes the pair once both directions
// are finished.
func (s *ProxyService) settle(conn *proxyConn) {
	for _, pair := range [2][2]*channel{{conn.client, conn.remote}, {conn.remote, conn.client}} {
		src, dst := pair[0], pair[1]
		if src.eof && dst.pending() == 0 && !dst.shut {
			_ = unix.Shutdown(dst.fd, unix.SHUT_WR)
			dst.shut = true
		}
	}

	if conn.client.shut && conn.remote.shut {
		s.closeConn(conn, "connection closed by peer")
	}
}

func (s *ProxyService) closeConn(conn *proxyConn, reason string) {
	if conn.state == stateClosed {
		return
	}
	s.log.Info("Closing session", "client_fd", conn.client.fd, "session", uint64(conn.session.ID()), "reason", reason)

	conn.state = stateClosed
	conn.session.Close()

	for _, ch := range []*channel{conn.client, conn.remote} {
		if ch == nil || ch.closed {
			continue
		}
		_ = s.loop.Unregister(ch.fd)
		unix.Close(ch.fd)
		delete(s.conns, ch.fd)
		ch.closed = true
	}
}

func (s *ProxyService) shutdown() {
	for _, conn := range s.conns {
		s.closeConn(conn, "shutdown")
	}
	unix.Close(s.listenerFD)
	unix.Close(s.dnsFD)
}
