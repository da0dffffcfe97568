package socket

import (
	"net/netip"

	"github.com/sirupsen/logrus"
)

// Handle wraps a platform socket with its readiness flags.
// A Handle is owned by a single reactor goroutine and is not safe for
// concurrent use.
type Handle struct {
	platform Platform
	fd       FD
	kind     Kind
	family   Family
	flags    Flags
	blocking bool

	listening  bool
	errPending bool

	local  netip.AddrPort
	remote netip.AddrPort
}

// Open creates a non-blocking socket for kind and family.
func Open(p Platform, kind Kind, family Family) (*Handle, error) {
	fd, err := p.Open(kind, family)
	if err != nil {
		return nil, newError("open", kind.String(), err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"fd":       fd.String(),
		"kind":     kind.String(),
		"family":   family.String(),
	}).Debug("Socket opened")

	return &Handle{
		platform: p,
		fd:       fd,
		kind:     kind,
		family:   family,
		flags:    FlagNotEmpty,
	}, nil
}

// FD returns the platform handle, or InvalidFD once closed.
func (h *Handle) FD() FD {
	return h.fd
}

// Kind returns the transport kind.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Family returns the address family.
func (h *Handle) Family() Family {
	return h.family
}

// Valid reports whether the handle still owns an OS resource.
func (h *Handle) Valid() bool {
	return h.flags&FlagNotEmpty != 0
}

// Flags returns the current bitset. A closed handle reports FlagEmpty.
func (h *Handle) Flags() Flags {
	if !h.Valid() {
		return FlagEmpty
	}
	return h.flags
}

// Blocking reports whether the socket is in blocking mode.
func (h *Handle) Blocking() bool {
	return h.blocking
}

// LocalAddr returns the bound address, if any.
func (h *Handle) LocalAddr() netip.AddrPort {
	return h.local
}

// RemoteAddr returns the connected peer, if any.
func (h *Handle) RemoteAddr() netip.AddrPort {
	return h.remote
}

// Listening reports whether the handle accepts connections.
func (h *Handle) Listening() bool {
	return h.listening
}

// Bind binds the handle and sets FlagBound. On failure the handle is unchanged.
func (h *Handle) Bind(addr netip.AddrPort) error {
	if !h.Valid() {
		return newError("bind", addr.String(), ErrInvalidHandle)
	}
	if h.flags&FlagBound != 0 {
		return newError("bind", addr.String(), ErrAlreadyBound)
	}

	local, err := h.platform.Bind(h.fd, addr)
	if err != nil {
		return newError("bind", addr.String(), err)
	}

	h.local = local
	h.flags |= FlagBound
	return nil
}

// Connect starts a connection to addr. When pending is true the caller must
// register FlagWantConnect and call FinishConnect once FlagCanConnect is seen.
func (h *Handle) Connect(addr netip.AddrPort) (pending bool, err error) {
	if !h.Valid() {
		return false, newError("connect", addr.String(), ErrInvalidHandle)
	}

	pending, err = h.platform.Connect(h.fd, addr)
	if err != nil {
		return false, newError("connect", addr.String(), err)
	}

	h.remote = addr
	if !pending {
		h.markConnected()
	}
	return pending, nil
}

// FinishConnect collects the result of a pending connect and sets
// FlagConnected on success.
func (h *Handle) FinishConnect() error {
	if !h.Valid() {
		return newError("connect", h.remote.String(), ErrInvalidHandle)
	}
	if err := h.platform.ConnectResult(h.fd); err != nil {
		return newError("connect", h.remote.String(), err)
	}
	h.markConnected()
	return nil
}

// markConnected records connection completion. The OS binds implicitly on
// connect, so FlagBound is set as well.
func (h *Handle) markConnected() {
	h.flags |= FlagConnected | FlagBound
	if local, err := h.platform.LocalAddr(h.fd); err == nil {
		h.local = local
	}
}

// Listen makes a bound stream handle passive.
func (h *Handle) Listen(backlog int) error {
	if !h.Valid() {
		return newError("listen", "", ErrInvalidHandle)
	}
	if !h.kind.Stream() {
		return newError("listen", h.local.String(), ErrWrongKind)
	}
	if h.flags&FlagBound == 0 {
		return newError("listen", "", ErrNotBound)
	}
	if err := h.platform.Listen(h.fd, backlog); err != nil {
		return newError("listen", h.local.String(), err)
	}
	h.listening = true
	return nil
}

// Accept returns a new connected handle, or ErrWouldBlock.
func (h *Handle) Accept() (*Handle, error) {
	if !h.Valid() {
		return nil, newError("accept", "", ErrInvalidHandle)
	}
	if !h.listening {
		return nil, newError("accept", h.local.String(), ErrNotListening)
	}

	fd, remote, err := h.platform.Accept(h.fd)
	if err != nil {
		if err == ErrWouldBlock {
			return nil, err
		}
		return nil, newError("accept", h.local.String(), err)
	}

	return &Handle{
		platform: h.platform,
		fd:       fd,
		kind:     h.kind,
		family:   h.family,
		flags:    FlagNotEmpty | FlagBound | FlagConnected,
		local:    h.acceptedLocal(fd),
		remote:   remote,
	}, nil
}

// acceptedLocal resolves the concrete local address of an accepted socket,
// which differs from the listener's when it is bound to a wildcard address.
func (h *Handle) acceptedLocal(fd FD) netip.AddrPort {
	if local, err := h.platform.LocalAddr(fd); err == nil {
		return local
	}
	return h.local
}

// JoinGroup joins a multicast group and sets FlagMulticast.
func (h *Handle) JoinGroup(group netip.Addr, ifindex int) error {
	if !h.Valid() {
		return newError("join", group.String(), ErrInvalidHandle)
	}
	if h.flags&FlagConnected != 0 {
		return newError("join", group.String(), ErrMulticastConnected)
	}
	if !h.kind.Datagram() {
		return newError("join", group.String(), ErrWrongKind)
	}
	if err := h.platform.JoinGroup(h.fd, group, ifindex); err != nil {
		return newError("join", group.String(), err)
	}
	h.flags |= FlagMulticast
	return nil
}

// Want registers interest. Only WANT bits are accepted.
func (h *Handle) Want(f Flags) error {
	if !h.Valid() {
		return ErrInvalidHandle
	}
	if f&^WantMask != 0 {
		return ErrInvalidInterest
	}
	h.flags |= f
	return nil
}

// Unwant withdraws interest and any readiness already raised for it.
func (h *Handle) Unwant(f Flags) error {
	if !h.Valid() {
		return ErrInvalidHandle
	}
	if f&^WantMask != 0 {
		return ErrInvalidInterest
	}
	h.flags &^= f | f.CanFor()
	return nil
}

// Interest returns the registered WANT bits.
func (h *Handle) Interest() Flags {
	return h.Flags() & WantMask
}

// Signal applies a poll result. CAN bits are raised only where the matching
// WANT bit is set; the raised bits are returned. Used by the reactor.
func (h *Handle) Signal(ev Event) Flags {
	if !h.Valid() {
		return FlagEmpty
	}
	raised := ev.Ready() & h.flags.CanFor()
	h.flags |= raised
	if ev.Error {
		h.errPending = true
	}
	return raised
}

// Ready returns the CAN bits not yet consumed.
func (h *Handle) Ready() Flags {
	return h.Flags() & CanMask
}

// Consume clears CAN bits and reports which of them were set.
func (h *Handle) Consume(f Flags) Flags {
	if !h.Valid() {
		return FlagEmpty
	}
	got := h.flags & f & CanMask
	h.flags &^= got
	return got
}

// TakeError reports and clears the pending-error indication from the last poll.
func (h *Handle) TakeError() bool {
	pending := h.errPending
	h.errPending = false
	return pending
}

// SendTo sends one datagram. An invalid addr sends to the connected peer.
func (h *Handle) SendTo(b []byte, addr netip.AddrPort) (int, error) {
	if !h.Valid() {
		return 0, ErrInvalidHandle
	}
	n, err := h.platform.SendTo(h.fd, b, addr)
	if err != nil && err != ErrWouldBlock {
		return n, newError("send", addr.String(), err)
	}
	return n, err
}

// Write sends on a connected handle.
func (h *Handle) Write(b []byte) (int, error) {
	return h.SendTo(b, netip.AddrPort{})
}

// RecvFrom reads one datagram or stream chunk.
func (h *Handle) RecvFrom(b []byte) (int, netip.AddrPort, error) {
	if !h.Valid() {
		return 0, netip.AddrPort{}, ErrInvalidHandle
	}
	n, from, err := h.platform.RecvFrom(h.fd, b)
	if err != nil && err != ErrWouldBlock {
		return n, from, newError("recv", h.local.String(), err)
	}
	if !from.IsValid() {
		from = h.remote
	}
	return n, from, err
}

// Read reads from a connected handle.
func (h *Handle) Read(b []byte) (int, error) {
	n, _, err := h.RecvFrom(b)
	return n, err
}

// ReadError dequeues one asynchronous error (ICMP report, reset) and the
// remote it concerns. ErrWouldBlock means the queue is empty.
func (h *Handle) ReadError() (netip.AddrPort, error) {
	if !h.Valid() {
		return netip.AddrPort{}, ErrInvalidHandle
	}
	addr, err := h.platform.ReadError(h.fd)
	if !addr.IsValid() && h.flags&FlagConnected != 0 {
		addr = h.remote
	}
	return addr, err
}

// SetBlocking switches the socket mode. The core keeps every handle
// non-blocking, handshakes included, and the reactor refuses to register a
// blocking handle. Blocking mode is for callers running one-shot operations
// on a handle outside the reactor.
func (h *Handle) SetBlocking(blocking bool) error {
	if !h.Valid() {
		return ErrInvalidHandle
	}
	if err := h.platform.SetBlocking(h.fd, blocking); err != nil {
		return newError("setblocking", "", err)
	}
	h.blocking = blocking
	return nil
}

// Close releases the OS handle exactly once and discards all flags.
// Closing an already closed handle returns ErrInvalidHandle.
func (h *Handle) Close() error {
	if !h.Valid() {
		return ErrInvalidHandle
	}

	fd := h.fd
	h.flags = FlagEmpty
	h.fd = InvalidFD
	h.errPending = false
	h.listening = false

	logrus.WithFields(logrus.Fields{
		"function": "Handle.Close",
		"fd":       fd.String(),
		"kind":     h.kind.String(),
	}).Debug("Socket closed")

	if err := h.platform.Close(fd); err != nil {
		return newError("close", "", err)
	}
	return nil
}
