package nack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"syscall"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/opd-ai/coapio/socket"
)

// IANA protocol numbers accepted by icmp.ParseMessage.
const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

// ErrNotICMPError is returned by ParseICMP for informational messages such
// as echo requests, which never describe a delivery failure.
var ErrNotICMPError = errors.New("icmp message is not an error report")

// ParseICMP decodes a raw ICMP (IPv4) or ICMPv6 error message. It returns the
// report and, when the quoted datagram is long enough, the destination the
// failed datagram was sent to.
func ParseICMP(family socket.Family, b []byte) (*socket.ICMPError, netip.AddrPort, error) {
	proto := protocolICMP
	if family == socket.FamilyIPv6 {
		proto = protocolIPv6ICMP
	}

	msg, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("parse icmp: %w", err)
	}

	report := &socket.ICMPError{Family: family, Code: uint8(msg.Code)}
	var quoted []byte

	switch typ := msg.Type.(type) {
	case ipv4.ICMPType:
		report.Type = uint8(typ)
		switch typ {
		case ipv4.ICMPTypeDestinationUnreachable, ipv4.ICMPTypeTimeExceeded, ipv4.ICMPTypeParameterProblem:
		default:
			return nil, netip.AddrPort{}, ErrNotICMPError
		}
	case ipv6.ICMPType:
		report.Type = uint8(typ)
		switch typ {
		case ipv6.ICMPTypeDestinationUnreachable, ipv6.ICMPTypePacketTooBig,
			ipv6.ICMPTypeTimeExceeded, ipv6.ICMPTypeParameterProblem:
		default:
			return nil, netip.AddrPort{}, ErrNotICMPError
		}
	default:
		return nil, netip.AddrPort{}, ErrNotICMPError
	}

	switch body := msg.Body.(type) {
	case *icmp.DstUnreach:
		quoted = body.Data
	case *icmp.TimeExceeded:
		quoted = body.Data
	case *icmp.PacketTooBig:
		quoted = body.Data
	case *icmp.ParamProb:
		quoted = body.Data
	}

	report.Errno = icmpErrno(report)
	return report, quotedDestination(family, quoted), nil
}

// icmpErrno mirrors the errno a kernel reports for the same message.
func icmpErrno(e *socket.ICMPError) syscall.Errno {
	if e.Family == socket.FamilyIPv6 {
		switch {
		case e.Type == uint8(ipv6.ICMPTypePacketTooBig):
			return syscall.EMSGSIZE
		case e.Type != uint8(ipv6.ICMPTypeDestinationUnreachable):
			return syscall.EHOSTUNREACH
		}
		switch e.Code {
		case 0:
			return syscall.ENETUNREACH
		case 1:
			return syscall.EACCES
		case 4:
			return syscall.ECONNREFUSED
		default:
			return syscall.EHOSTUNREACH
		}
	}

	if e.Type != uint8(ipv4.ICMPTypeDestinationUnreachable) {
		return syscall.EHOSTUNREACH
	}
	switch e.Code {
	case 0, 6:
		return syscall.ENETUNREACH
	case 3:
		return syscall.ECONNREFUSED
	case 4:
		return syscall.EMSGSIZE
	case 9, 10, 13:
		return syscall.EACCES
	default:
		return syscall.EHOSTUNREACH
	}
}

// administrativelyProhibited reports unreachable codes that mean a filter
// or routing policy refused the datagram, rather than a missing peer.
func administrativelyProhibited(e *socket.ICMPError) bool {
	if e.Family == socket.FamilyIPv6 {
		if e.Type != uint8(ipv6.ICMPTypeDestinationUnreachable) {
			return false
		}
		switch e.Code {
		case 0, 1, 5, 6:
			return true
		}
		return false
	}

	if e.Type != uint8(ipv4.ICMPTypeDestinationUnreachable) {
		return false
	}
	switch e.Code {
	case 0, 9, 10, 13:
		return true
	}
	return false
}

// quotedDestination extracts the destination of the datagram quoted in an
// ICMP error body. Only UDP and TCP quotes carry a port.
func quotedDestination(family socket.Family, quoted []byte) netip.AddrPort {
	var (
		dst     netip.Addr
		payload []byte
		proto   int
	)

	if family == socket.FamilyIPv6 {
		h, err := ipv6.ParseHeader(quoted)
		if err != nil {
			return netip.AddrPort{}
		}
		var ok bool
		if dst, ok = netip.AddrFromSlice(h.Dst); !ok {
			return netip.AddrPort{}
		}
		payload = quoted[ipv6.HeaderLen:]
		proto = h.NextHeader
	} else {
		h, err := ipv4.ParseHeader(quoted)
		if err != nil || h.Len > len(quoted) {
			return netip.AddrPort{}
		}
		var ok bool
		if dst, ok = netip.AddrFromSlice(h.Dst.To4()); !ok {
			return netip.AddrPort{}
		}
		payload = quoted[h.Len:]
		proto = h.Protocol
	}

	if (proto != syscall.IPPROTO_UDP && proto != syscall.IPPROTO_TCP) || len(payload) < 4 {
		return netip.AddrPortFrom(dst, 0)
	}
	return netip.AddrPortFrom(dst, binary.BigEndian.Uint16(payload[2:4]))
}
