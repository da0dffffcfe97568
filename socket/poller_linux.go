//go:build linux

package socket

import (
	"errors"
	"net/netip"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll instance.
type epollPoller struct {
	epfd       int
	registered map[FD]uint32
	raw        []unix.EpollEvent
	events     []Event
}

func newPoller(maxEvents int) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		epfd:       epfd,
		registered: make(map[FD]uint32),
		raw:        make([]unix.EpollEvent, maxEvents),
		events:     make([]Event, 0, maxEvents),
	}, nil
}

func epollMask(interest Flags) uint32 {
	var mask uint32
	if interest.Any(FlagWantRead | FlagWantAccept) {
		mask |= unix.EPOLLIN
	}
	if interest.Any(FlagWantWrite | FlagWantConnect) {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) Register(fd FD, interest Flags) error {
	mask := epollMask(interest)
	op := unix.EPOLL_CTL_ADD
	if current, ok := p.registered[fd]; ok {
		if current == mask {
			return nil
		}
		op = unix.EPOLL_CTL_MOD
	}

	ev := unix.EpollEvent{Events: mask, Fd: int32(fd.sys())}
	if err := unix.EpollCtl(p.epfd, op, fd.sys(), &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	p.registered[fd] = mask
	return nil
}

func (p *epollPoller) Unregister(fd FD) error {
	if _, ok := p.registered[fd]; !ok {
		return nil
	}
	delete(p.registered, fd)
	// The fd may already be closed, which removes it from the epoll set.
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd.sys(), nil)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.raw, timeoutMillis(timeout))
	p.events = p.events[:0]
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.events, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	for _, raw := range p.raw[:n] {
		p.events = append(p.events, Event{
			FD:       fdFromInt(int(raw.Fd)),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Error:    raw.Events&unix.EPOLLERR != 0,
		})
	}
	return p.events, nil
}

func (p *epollPoller) Close() error {
	p.registered = nil
	return os.NewSyscallError("close", unix.Close(p.epfd))
}

func enableErrorQueue(fd int, family Family) error {
	if family == FamilyIPv6 {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 1)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVERR, 1)
}

// readErrorQueue dequeues one entry from the socket error queue. The message
// name holds the original destination of the datagram that triggered it.
func readErrorQueue(fd int) (netip.AddrPort, error) {
	var buf [64]byte
	var oob [256]byte

	_, oobn, _, from, err := unix.Recvmsg(fd, buf[:], oob[:], unix.MSG_ERRQUEUE)
	if err != nil {
		if wouldBlock(err) {
			return netip.AddrPort{}, ErrWouldBlock
		}
		return netip.AddrPort{}, os.NewSyscallError("recvmsg", err)
	}
	dst := fromSockaddr(from)

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return dst, os.NewSyscallError("recvmsg", err)
	}

	for _, m := range msgs {
		isV4 := m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVERR
		isV6 := m.Header.Level == unix.SOL_IPV6 && m.Header.Type == unix.IPV6_RECVERR
		if !isV4 && !isV6 {
			continue
		}
		if len(m.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
			continue
		}
		ee := (*unix.SockExtendedErr)(unsafe.Pointer(&m.Data[0]))

		switch ee.Origin {
		case unix.SO_EE_ORIGIN_ICMP:
			return dst, &ICMPError{Family: FamilyIPv4, Type: ee.Type, Code: ee.Code, Errno: syscall.Errno(ee.Errno)}
		case unix.SO_EE_ORIGIN_ICMP6:
			return dst, &ICMPError{Family: FamilyIPv6, Type: ee.Type, Code: ee.Code, Errno: syscall.Errno(ee.Errno)}
		default:
			return dst, syscall.Errno(ee.Errno)
		}
	}

	return dst, ErrWouldBlock
}
