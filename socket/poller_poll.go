//go:build unix && !linux

package socket

import (
	"errors"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller uses poll(2) for unix systems without epoll.
type pollPoller struct {
	interest map[FD]int16
	fds      []unix.PollFd
	events   []Event
	max      int
}

func newPoller(maxEvents int) (Poller, error) {
	return &pollPoller{
		interest: make(map[FD]int16),
		events:   make([]Event, 0, maxEvents),
		max:      maxEvents,
	}, nil
}

func (p *pollPoller) Register(fd FD, interest Flags) error {
	var mask int16
	if interest.Any(FlagWantRead | FlagWantAccept) {
		mask |= unix.POLLIN
	}
	if interest.Any(FlagWantWrite | FlagWantConnect) {
		mask |= unix.POLLOUT
	}
	p.interest[fd] = mask
	return nil
}

func (p *pollPoller) Unregister(fd FD) error {
	delete(p.interest, fd)
	return nil
}

func (p *pollPoller) Wait(timeout time.Duration) ([]Event, error) {
	p.fds = p.fds[:0]
	for fd, mask := range p.interest {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd.sys()), Events: mask})
	}

	p.events = p.events[:0]
	_, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.events, nil
		}
		return nil, os.NewSyscallError("poll", err)
	}

	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		if len(p.events) == p.max {
			break
		}
		p.events = append(p.events, Event{
			FD:       fdFromInt(int(pfd.Fd)),
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
			Error:    pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return p.events, nil
}

func (p *pollPoller) Close() error {
	p.interest = nil
	return nil
}

func enableErrorQueue(int, Family) error {
	return ErrUnsupported
}

// readErrorQueue falls back to SO_ERROR, which cannot name the peer.
func readErrorQueue(fd int) (netip.AddrPort, error) {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockopt", err)
	}
	if code == 0 {
		return netip.AddrPort{}, ErrWouldBlock
	}
	return netip.AddrPort{}, unix.Errno(code)
}
