// Package socket provides the platform-neutral socket handle used by the
// CoAP transport core, together with the readiness-flag state machine that
// the reactor drives.
//
// # Handles and Flags
//
// A Handle wraps an opaque FD and a Flags bitset. The flag layout matches the
// legacy wire-compatible constants:
//
//	FlagNotEmpty    0x0001  handle owns an open OS resource
//	FlagBound       0x0002  bound to a local address
//	FlagConnected   0x0004  connected to a remote address
//	FlagWantRead    0x0010  interest in readability
//	FlagWantWrite   0x0020  interest in writability
//	FlagWantAccept  0x0040  interest in pending connections
//	FlagWantConnect 0x0080  interest in connect completion
//	FlagCanRead     0x0100  readable as of the last poll
//	FlagCanWrite    0x0200  writable as of the last poll
//	FlagCanAccept   0x0400  a connection can be accepted
//	FlagCanConnect  0x0800  a pending connect has completed
//	FlagMulticast   0x1000  joined to a multicast group
//
// The invariants are enforced by Handle methods rather than by callers:
// CAN bits are only raised where the matching WANT bit is set, BOUND and
// CONNECTED never clear while the handle is open, MULTICAST cannot be set
// after CONNECTED, and a closed handle reports FlagEmpty and rejects every
// further operation with ErrInvalidHandle.
//
// # Platforms
//
// All OS access goes through the Platform and Poller interfaces:
//
//	p, err := socket.NewPlatform()          // raw non-blocking sockets
//	h, err := socket.Open(p, socket.KindUDP, socket.FamilyIPv4)
//	err = h.Bind(netip.MustParseAddrPort("0.0.0.0:5683"))
//
// NewPlatform returns the unix implementation (epoll on Linux, poll(2) on
// the other unix systems). NewSimPlatform returns an in-memory network used
// by tests and simulations; it supports injecting ICMP errors, resets and
// inbound datagrams from arbitrary remote addresses.
package socket
