package epoll

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"socks4-proxy/internal/domain"
)

const maxEvents = 128

type LinuxEventLoop struct {
	epollFD  int
	wakeFD   int
	tick     time.Duration
	stopping atomic.Bool
}

// New creates an edge-triggered epoll loop. HandleTick runs roughly every
// tick; a zero tick disables it.
func New(tick time.Duration) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}

	return &LinuxEventLoop{epollFD: fd, wakeFD: wfd, tick: tick}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run dispatches readiness events to handler until Stop is called.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	defer l.close()

	events := make([]unix.EpollEvent, maxEvents)
	timeout := -1
	if l.tick > 0 {
		timeout = int(l.tick.Milliseconds())
	}
	nextTick := time.Now().Add(l.tick)

	for !l.stopping.Load() {
		n, err := unix.EpollWait(l.epollFD, events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainWake()
				continue
			}

			if err := handler.HandleEvent(fd, fromEpoll(events[i].Events)); err != nil {
				return err
			}
		}

		if l.tick > 0 {
			if now := time.Now(); !now.Before(nextTick) {
				handler.HandleTick(now)
				nextTick = now.Add(l.tick)
			}
		}
	}
	return nil
}

// Stop makes Run return. It is safe to call from any goroutine.
func (l *LinuxEventLoop) Stop() {
	if l.stopping.Swap(true) {
		return
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(l.wakeFD, b[:])
}

func (l *LinuxEventLoop) drainWake() {
	var b [8]byte
	_, _ = unix.Read(l.wakeFD, b[:])
}

func (l *LinuxEventLoop) close() {
	l.stopping.Store(true)
	unix.Close(l.wakeFD)
	unix.Close(l.epollFD)
}

func toEpoll(events domain.EventType) uint32 {
	var ev uint32 = unix.EPOLLET | unix.EPOLLRDHUP // Edge-triggered
	if events&domain.EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&domain.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&unix.EPOLLIN != 0 {
		ev |= domain.EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		ev |= domain.EventHangup
	}
	return ev
}
