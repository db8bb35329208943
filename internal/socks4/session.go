package socks4

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socks4-proxy/internal/domain"
)

type state int

const (
	stateDecoding state = iota
	stateConnecting
	stateSucceeded
	stateFailed
	stateClosed
)

// Options configures a Session.
type Options struct {
	MaxFieldLength int
	MaxBuffered    int
	// ConnectTimeout bounds the resolve-and-connect exchange. Zero waits
	// forever.
	ConnectTimeout time.Duration
	// RejectReplies makes failures write a 0x5B reply before the failure
	// callback runs. Without it the client is closed silently.
	RejectReplies bool

	Logger *slog.Logger
	Now    func() time.Time

	OnSucceeded func(info domain.ConnectionInfo)
	OnFailed    func(info domain.ConnectionInfo, err error)
}

// Session runs the SOCKS4 handshake for one client connection. It is not
// safe for concurrent use; the owner delivers one callback at a time.
type Session struct {
	id         domain.SessionID
	client     domain.ClientChannel
	dispatcher domain.Dispatcher
	opts       Options
	log        *slog.Logger

	dec      Decoder
	state    state
	deadline time.Time
}

func NewSession(id domain.SessionID, client domain.ClientChannel, dispatcher domain.Dispatcher, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Session{
		id:         id,
		client:     client,
		dispatcher: dispatcher,
		opts:       opts,
		log:        opts.Logger.With("session", uint64(id), "client_fd", client.Descriptor()),
		dec: Decoder{
			MaxFieldLength: opts.MaxFieldLength,
			MaxBuffered:    opts.MaxBuffered,
		},
	}
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) Phase() Phase { return s.dec.Phase() }

// Pending reports whether a connect request is outstanding.
func (s *Session) Pending() bool { return s.state == stateConnecting }

// Remaining returns client bytes received after the request.
func (s *Session) Remaining() []byte { return s.dec.Remaining() }

// Feed appends client bytes and decodes as far as they allow. Once the
// request is complete it is submitted to the dispatcher. A returned error
// is terminal: the failure callback has already run.
func (s *Session) Feed(p []byte) error {
	switch s.state {
	case stateFailed, stateClosed:
		return ErrSessionClosed
	}

	if err := s.dec.Write(p); err != nil {
		return s.fail(err)
	}
	if s.state != stateDecoding {
		return nil
	}

	for {
		st, err := s.dec.Step()
		if err != nil {
			return s.fail(err)
		}
		switch st {
		case NeedMore:
			return nil
		case Complete:
			return s.submit()
		}
	}
}

func (s *Session) submit() error {
	host, service := s.dec.Target()
	if host == "" || len(host) > domain.MaxHostLength {
		return s.fail(fmt.Errorf("%w: host length %d", ErrMalformedField, len(host)))
	}

	req := domain.ConnectRequest{
		ID:       s.id,
		Host:     host,
		Service:  service,
		ClientFD: s.client.Descriptor(),
		RemoteFD: domain.NoDescriptor,
	}

	s.state = stateConnecting
	if s.opts.ConnectTimeout > 0 {
		s.deadline = s.opts.Now().Add(s.opts.ConnectTimeout)
	}

	s.log.Debug("Submitting connect request", "host", host, "service", service, "socks4a", s.dec.Extended)
	if err := s.dispatcher.Submit(req, s); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrResolveConnect, err))
	}
	return nil
}

// OnConnectResponse completes the handshake.
func (s *Session) OnConnectResponse(resp domain.ConnectResponse) {
	if resp.ID != s.id || s.state != stateConnecting {
		s.log.Debug("Ignoring connect response", "response_session", uint64(resp.ID), "state", int(s.state))
		return
	}

	if !resp.Status {
		err := ErrResolveConnect
		if resp.Err != nil {
			err = fmt.Errorf("%w: %w", ErrResolveConnect, resp.Err)
		}
		_ = s.fail(err)
		return
	}

	s.state = stateSucceeded
	s.writeReply(domain.ReplyGranted)
	s.dispatcher.Detach(s.id)

	s.log.Info("Handshake succeeded", "remote", resp.Addr, "port", resp.Port, "remote_fd", resp.RemoteFD)
	if s.opts.OnSucceeded != nil {
		s.opts.OnSucceeded(domain.ConnectionInfo{
			RemoteFD: resp.RemoteFD,
			ClientFD: resp.ClientFD,
			Client:   s.client,
			Addr:     resp.Addr,
			Port:     resp.Port,
		})
	}
}

// Close reacts to the client connection going away: any in-flight request
// is abandoned and nothing more is written or reported.
func (s *Session) Close() {
	if s.state == stateClosed {
		return
	}
	if s.state == stateConnecting {
		s.dispatcher.Detach(s.id)
	}
	s.state = stateClosed
}

// Expire fails a pending request whose connect deadline has passed.
func (s *Session) Expire(now time.Time) bool {
	if s.state != stateConnecting || s.deadline.IsZero() || now.Before(s.deadline) {
		return false
	}
	_ = s.fail(ErrConnectTimeout)
	return true
}

func (s *Session) fail(err error) error {
	if s.state == stateFailed || s.state == stateClosed {
		return err
	}

	if s.state == stateConnecting {
		s.dispatcher.Detach(s.id)
	}
	s.state = stateFailed

	// A peer that does not speak SOCKS4 gets no reply at all.
	if s.opts.RejectReplies && !errors.Is(err, ErrUnsupportedVersion) {
		s.writeReply(domain.ReplyRejected)
	}

	s.log.Warn("Handshake failed", "phase", s.dec.Phase().String(), "error", err)
	if s.opts.OnFailed != nil {
		s.opts.OnFailed(domain.ConnectionInfo{
			RemoteFD: domain.NoDescriptor,
			ClientFD: s.client.Descriptor(),
			Client:   s.client,
		}, err)
	}
	return err
}

func (s *Session) writeReply(status byte) {
	if s.client.Closed() {
		return
	}
	b := s.reply(status)
	if err := s.client.Write(b[:]); err != nil {
		s.log.Warn("Reply write failed", "status", status, "error", err)
	}
}

// reply echoes the requested port and address for SOCKS4a requests; plain
// SOCKS4 clients already know them and get zeros.
func (s *Session) reply(status byte) [ReplyLength]byte {
	if s.dec.Extended {
		return Reply(status, s.dec.Port, s.dec.Addr)
	}
	return Reply(status, 0, [4]byte{})
}
