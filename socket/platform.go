package socket

import (
	"net/netip"
	"time"
)

// Platform is the capability set the core needs from the operating system.
// All sockets are non-blocking unless SetBlocking(fd, true) was called.
// Operations that cannot complete immediately return ErrWouldBlock.
type Platform interface {
	// Open creates a socket for the transport kind and address family.
	Open(kind Kind, family Family) (FD, error)

	// Close releases the socket.
	Close(fd FD) error

	// Bind binds to addr and returns the effective local address.
	Bind(fd FD, addr netip.AddrPort) (netip.AddrPort, error)

	// LocalAddr returns the address the socket is bound to.
	LocalAddr(fd FD) (netip.AddrPort, error)

	// Connect starts a connection. pending is true when completion will be
	// signalled by writability.
	Connect(fd FD, addr netip.AddrPort) (pending bool, err error)

	// ConnectResult returns the outcome of a pending connect.
	ConnectResult(fd FD) error

	// Listen marks a stream socket as passive.
	Listen(fd FD, backlog int) error

	// Accept returns a connected socket and its remote address.
	Accept(fd FD) (FD, netip.AddrPort, error)

	// SendTo sends b to addr, or on the connected peer when addr is invalid.
	SendTo(fd FD, b []byte, addr netip.AddrPort) (int, error)

	// RecvFrom reads one datagram or a chunk of stream data.
	RecvFrom(fd FD, b []byte) (int, netip.AddrPort, error)

	// ReadError dequeues one asynchronous error and the remote it concerns.
	// The address is invalid when the platform cannot attribute the error.
	ReadError(fd FD) (netip.AddrPort, error)

	// JoinGroup joins a multicast group on the interface index (0 = default).
	JoinGroup(fd FD, group netip.Addr, ifindex int) error

	// SetBlocking switches the socket between blocking and non-blocking mode.
	SetBlocking(fd FD, blocking bool) error

	// NewPoller creates a readiness poller returning at most maxEvents per wait.
	NewPoller(maxEvents int) (Poller, error)
}

// Poller waits for readiness on registered sockets.
type Poller interface {
	// Register adds fd or updates its interest. interest holds WANT bits.
	Register(fd FD, interest Flags) error

	// Unregister removes fd.
	Unregister(fd FD) error

	// Wait blocks up to timeout (negative waits forever) and returns the
	// ready sockets. The slice is reused by the next call.
	Wait(timeout time.Duration) ([]Event, error)

	// Close releases the poller.
	Close() error
}

// Event is one readiness report from a Poller.
type Event struct {
	FD       FD
	Readable bool
	Writable bool
	// Error means the socket has a pending asynchronous error.
	Error bool
}

// Ready converts the report into the CAN bits it can satisfy. A pending
// error wakes every interest so the owner observes it on its next operation.
func (e Event) Ready() Flags {
	var ready Flags
	if e.Readable || e.Error {
		ready |= FlagCanRead | FlagCanAccept
	}
	if e.Writable || e.Error {
		ready |= FlagCanWrite | FlagCanConnect
	}
	return ready
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
