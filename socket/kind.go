package socket

import (
	"fmt"
	"net/netip"
)

// Kind identifies the transport a handle carries.
type Kind uint8

const (
	// KindUDP is plain CoAP over UDP.
	KindUDP Kind = iota + 1
	// KindDTLS is CoAP over DTLS-secured UDP.
	KindDTLS
	// KindTCP is CoAP over TCP.
	KindTCP
	// KindTLS is CoAP over TLS.
	KindTLS
	// KindWS is CoAP over WebSocket.
	KindWS
)

// String returns the transport name.
func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindDTLS:
		return "dtls"
	case KindTCP:
		return "tcp"
	case KindTLS:
		return "tls"
	case KindWS:
		return "ws"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses a transport name as produced by String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindUDP, KindDTLS, KindTCP, KindTLS, KindWS} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transport kind %q", s)
}

// Datagram reports whether the kind runs over a connectionless socket.
func (k Kind) Datagram() bool {
	return k == KindUDP || k == KindDTLS
}

// Stream reports whether the kind runs over a connection-oriented socket.
func (k Kind) Stream() bool {
	return k == KindTCP || k == KindTLS || k == KindWS
}

// Secure reports whether the kind needs a handshake layer.
func (k Kind) Secure() bool {
	return k == KindDTLS || k == KindTLS || k == KindWS
}

// Family is the IP address family of a socket.
type Family uint8

const (
	// FamilyIPv4 is AF_INET.
	FamilyIPv4 Family = iota + 1
	// FamilyIPv6 is AF_INET6.
	FamilyIPv6
)

// FamilyOf returns the family an address needs.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	if f == FamilyIPv4 {
		return "ipv4"
	}
	return "ipv6"
}
