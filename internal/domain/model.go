package domain

import "net/netip"

// SessionID correlates a connect request with the session that issued it.
type SessionID uint64

const (
	SocksVersion4 = 0x04
	CmdConnect    = 0x01
	CmdBind       = 0x02

	ReplyGranted  = 0x5A
	ReplyRejected = 0x5B

	// NoDescriptor marks a socket descriptor that is not known yet.
	NoDescriptor = -1

	MaxHostLength    = 255
	MaxServiceLength = 5
)

// ConnectRequest asks the connector to resolve Host and open a TCP
// connection to it on Service.
type ConnectRequest struct {
	ID       SessionID
	Host     string
	Service  string
	ClientFD int
	RemoteFD int
}

// ConnectResponse is delivered exactly once per ConnectRequest.
type ConnectResponse struct {
	ID       SessionID
	Status   bool
	RemoteFD int
	ClientFD int
	Addr     netip.Addr
	Port     uint16
	Err      error
}

// ConnectionInfo is handed to the owner once the handshake succeeded.
type ConnectionInfo struct {
	RemoteFD int
	ClientFD int
	Client   ClientChannel
	Addr     netip.Addr
	Port     uint16
}
