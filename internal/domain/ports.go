package domain

import "time"

type EventType uint32

const (
	EventRead   EventType = 0x1
	EventWrite  EventType = 0x4 // EPOLLOUT
	EventHangup EventType = 0x10
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
	HandleTick(now time.Time)
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// ResponseHandler receives the ConnectResponse for a submitted request.
type ResponseHandler interface {
	OnConnectResponse(resp ConnectResponse)
}

// Dispatcher carries connect requests to the resolve-and-connect side.
// Submit returns immediately; the response arrives later through h.
type Dispatcher interface {
	Submit(req ConnectRequest, h ResponseHandler) error
	Detach(id SessionID)
}

// ClientChannel is the byte sink of an accepted client connection.
type ClientChannel interface {
	Descriptor() int
	Write(p []byte) error
	Closed() bool
}
