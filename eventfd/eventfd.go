// Package eventfd wraps the two Linux primitives the transport uses to
// signal across the driver/device boundary without busy-polling: an
// eventfd for the kick and call doorbells, and an epoll instance a reap
// loop blocks on to wait for the device's call eventfd to fire.
package eventfd

import (
	"encoding/binary"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// closedFD marks an EventFD or Epoll that has already been closed, so a
// second Close is a no-op rather than closing whatever fd 0 happens to be
// at the time.
const closedFD = -1

// EventFD is a Linux eventfd opened in non-blocking mode. The transport uses
// one per direction: the driver writes to a kick eventfd to notify the
// device a descriptor chain is available, and the device writes to a call
// eventfd to notify the driver a chain has been used.
type EventFD struct {
	fd  int
	buf [8]byte
}

// New creates a non-blocking eventfd with an initial counter value of zero.
func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return EventFD{}, fmt.Errorf("create eventfd: %w", err)
	}
	return EventFD{fd: fd}, nil
}

// Kick increments the eventfd's counter by one, waking anything blocked on
// it (directly via a blocking read, or indirectly via [Epoll.Block]).
func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	if _, err := syscall.Write(e.fd, e.buf[:]); err != nil {
		return fmt.Errorf("write eventfd: %w", err)
	}
	return nil
}

// Close releases the eventfd. It is safe to call more than once.
func (e *EventFD) Close() error {
	if e.fd == closedFD {
		return nil
	}
	fd := e.fd
	e.fd = closedFD
	return unix.Close(fd)
}

// FD returns the underlying file descriptor, for registering with an
// [Epoll] or handing to another process over a vhost ioctl.
func (e *EventFD) FD() int {
	return e.fd
}

// Epoll wraps a single-fd epoll instance used to block on a call eventfd
// without spinning. It is sized for exactly the one descriptor a transmit
// or receive virtqueue registers with it.
type Epoll struct {
	fd     int
	buf    [8]byte
	events []syscall.EpollEvent
}

// NewEpoll creates an empty epoll instance.
func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return Epoll{}, fmt.Errorf("create epoll instance: %w", err)
	}
	return Epoll{
		fd:     fd,
		events: make([]syscall.EpollEvent, 1),
	}, nil
}

// AddEvent registers fdToAdd for readability notifications.
func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	if err := syscall.EpollCtl(ep.fd, syscall.EPOLL_CTL_ADD, fdToAdd, &event); err != nil {
		return fmt.Errorf("register fd %d with epoll: %w", fdToAdd, err)
	}
	return nil
}

// Block waits indefinitely for the registered fd to become readable. It
// returns 0, nil on EINTR so a caller's loop simply tries again rather than
// treating a signal interruption as a real error.
func (ep *Epoll) Block() (int, error) {
	n, err := syscall.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if err == syscall.EINTR {
			return 0, nil
		}
		return -1, fmt.Errorf("epoll_wait: %w", err)
	}
	return n, nil
}

// Clear drains the eventfd counter that made [Epoll.Block] return, so the
// next write to it produces a fresh readability edge instead of one that
// was already consumed.
func (ep *Epoll) Clear() error {
	if _, err := syscall.Read(int(ep.events[0].Fd), ep.buf[:]); err != nil {
		return fmt.Errorf("drain eventfd counter: %w", err)
	}
	return nil
}

// Close releases the epoll instance. It is safe to call more than once.
func (ep *Epoll) Close() error {
	if ep.fd == closedFD {
		return nil
	}
	fd := ep.fd
	ep.fd = closedFD
	return unix.Close(fd)
}
