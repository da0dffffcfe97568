//go:build unix

package socket

import (
	"errors"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// unixPlatform implements Platform with raw non-blocking sockets.
type unixPlatform struct{}

// NewPlatform returns the native platform for this operating system.
func NewPlatform() (Platform, error) {
	return unixPlatform{}, nil
}

func (unixPlatform) Open(kind Kind, family Family) (FD, error) {
	domain := unix.AF_INET
	if family == FamilyIPv6 {
		domain = unix.AF_INET6
	}

	typ, proto := unix.SOCK_DGRAM, unix.IPPROTO_UDP
	if kind.Stream() {
		typ, proto = unix.SOCK_STREAM, unix.IPPROTO_TCP
	}

	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return InvalidFD, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return InvalidFD, os.NewSyscallError("setnonblock", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return InvalidFD, os.NewSyscallError("setsockopt", err)
	}
	if kind.Datagram() {
		// Best effort: without it ICMP reports cannot be attributed to a peer.
		_ = enableErrorQueue(fd, family)
	}

	return fdFromInt(fd), nil
}

func (unixPlatform) Close(fd FD) error {
	return unix.Close(fd.sys())
}

func (unixPlatform) Bind(fd FD, addr netip.AddrPort) (netip.AddrPort, error) {
	if err := unix.Bind(fd.sys(), toSockaddr(addr)); err != nil {
		return netip.AddrPort{}, os.NewSyscallError("bind", err)
	}
	return localAddr(fd.sys())
}

func (unixPlatform) LocalAddr(fd FD) (netip.AddrPort, error) {
	return localAddr(fd.sys())
}

func (unixPlatform) Connect(fd FD, addr netip.AddrPort) (bool, error) {
	err := unix.Connect(fd.sys(), toSockaddr(addr))
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return true, nil
	default:
		return false, os.NewSyscallError("connect", err)
	}
}

func (unixPlatform) ConnectResult(fd FD) error {
	code, err := unix.GetsockoptInt(fd.sys(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if code != 0 {
		return os.NewSyscallError("connect", unix.Errno(code))
	}
	return nil
}

func (unixPlatform) Listen(fd FD, backlog int) error {
	return os.NewSyscallError("listen", unix.Listen(fd.sys(), backlog))
}

func (unixPlatform) Accept(fd FD) (FD, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept(fd.sys())
	if err != nil {
		if wouldBlock(err) {
			return InvalidFD, netip.AddrPort{}, ErrWouldBlock
		}
		return InvalidFD, netip.AddrPort{}, os.NewSyscallError("accept", err)
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return InvalidFD, netip.AddrPort{}, os.NewSyscallError("setnonblock", err)
	}
	return fdFromInt(nfd), fromSockaddr(sa), nil
}

func (unixPlatform) SendTo(fd FD, b []byte, addr netip.AddrPort) (int, error) {
	if !addr.IsValid() {
		n, err := unix.Write(fd.sys(), b)
		if err != nil {
			if wouldBlock(err) {
				return 0, ErrWouldBlock
			}
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}

	if err := unix.Sendto(fd.sys(), b, 0, toSockaddr(addr)); err != nil {
		if wouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return 0, os.NewSyscallError("sendto", err)
	}
	return len(b), nil
}

func (unixPlatform) RecvFrom(fd FD, b []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(fd.sys(), b, 0)
	if err != nil {
		if wouldBlock(err) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, os.NewSyscallError("recvfrom", err)
	}
	return n, fromSockaddr(sa), nil
}

func (unixPlatform) ReadError(fd FD) (netip.AddrPort, error) {
	return readErrorQueue(fd.sys())
}

func (unixPlatform) JoinGroup(fd FD, group netip.Addr, ifindex int) error {
	group = group.Unmap()
	if group.Is4() {
		mreq := &unix.IPMreq{Multiaddr: group.As4()}
		if ifindex != 0 {
			ifi, err := net.InterfaceByIndex(ifindex)
			if err != nil {
				return err
			}
			if ip := firstIPv4(ifi); ip.IsValid() {
				mreq.Interface = ip.As4()
			}
		}
		return os.NewSyscallError("setsockopt",
			unix.SetsockoptIPMreq(fd.sys(), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq))
	}

	mreq := &unix.IPv6Mreq{Multiaddr: group.As16(), Interface: uint32(ifindex)}
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptIPv6Mreq(fd.sys(), unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq))
}

func (unixPlatform) SetBlocking(fd FD, blocking bool) error {
	return os.NewSyscallError("setnonblock", unix.SetNonblock(fd.sys(), !blocking))
}

func (unixPlatform) NewPoller(maxEvents int) (Poller, error) {
	return newPoller(maxEvents)
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func localAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return fromSockaddr(sa), nil
}

func toSockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
	if zone := ip.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr)
		if ip.Is4In6() {
			return netip.AddrPortFrom(ip.Unmap(), uint16(sa.Port))
		}
		return netip.AddrPortFrom(ip, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

func firstIPv4(ifi *net.Interface) netip.Addr {
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipn.IP.To4()); ok {
				return ip
			}
		}
	}
	return netip.Addr{}
}
