package socket

import (
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// SimDatagram records one datagram that left a simulated socket.
type SimDatagram struct {
	From    netip.AddrPort
	To      netip.AddrPort
	Payload []byte
	// Delivered is false when no simulated socket owned the destination.
	Delivered bool
}

type simError struct {
	addr netip.AddrPort
	err  error
}

type simSocket struct {
	fd     FD
	kind   Kind
	family Family

	local  netip.AddrPort
	remote netip.AddrPort

	blocking   bool
	listening  bool
	connecting bool
	connectErr error
	closed     bool

	inbox   []SimDatagram
	stream  []byte
	eof     bool
	peer    *simSocket
	backlog []*simSocket
	errs    []simError
	groups  []netip.Addr
}

// SimPlatform is an in-memory network implementing Platform. Every socket
// created through it can reach every other one; datagrams to addresses with
// no socket are recorded and dropped.
type SimPlatform struct {
	mu       sync.Mutex
	nextFD   int
	nextPort uint16
	sockets  map[FD]*simSocket
	sent     []SimDatagram
	failures map[netip.AddrPort]error
	notify   chan struct{}
	closes   map[FD]int
	// streamCap bounds unread bytes per stream socket; zero is unbounded.
	streamCap int
}

// NewSimPlatform creates an empty simulated network.
func NewSimPlatform() *SimPlatform {
	logrus.WithFields(logrus.Fields{
		"function": "NewSimPlatform",
	}).Debug("Creating simulated socket platform")

	return &SimPlatform{
		nextFD:   3,
		nextPort: 49152,
		sockets:  make(map[FD]*simSocket),
		failures: make(map[netip.AddrPort]error),
		notify:   make(chan struct{}, 1),
		closes:   make(map[FD]int),
	}
}

func (p *SimPlatform) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *SimPlatform) lookup(fd FD) (*simSocket, error) {
	s, ok := p.sockets[fd]
	if !ok || s.closed {
		return nil, syscall.EBADF
	}
	return s, nil
}

func (p *SimPlatform) ephemeral(family Family) netip.AddrPort {
	p.nextPort++
	if family == FamilyIPv6 {
		return netip.AddrPortFrom(netip.IPv6Loopback(), p.nextPort)
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), p.nextPort)
}

// boundTo finds the socket of the given class owning addr, honouring
// wildcard binds.
func (p *SimPlatform) boundTo(addr netip.AddrPort, datagram bool) *simSocket {
	var wildcard *simSocket
	for _, s := range p.sockets {
		if s.closed || !s.local.IsValid() || s.kind.Datagram() != datagram {
			continue
		}
		if s.remote.IsValid() && !datagram {
			continue
		}
		if s.local.Port() != addr.Port() {
			continue
		}
		if s.local.Addr() == addr.Addr() {
			return s
		}
		if s.local.Addr().IsUnspecified() && FamilyOf(addr.Addr()) == s.family {
			wildcard = s
		}
		for _, g := range s.groups {
			if g == addr.Addr() {
				wildcard = s
			}
		}
	}
	return wildcard
}

func (p *SimPlatform) Open(kind Kind, family Family) (FD, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fd := fdFromInt(p.nextFD)
	p.nextFD++
	p.sockets[fd] = &simSocket{fd: fd, kind: kind, family: family}
	return fd, nil
}

func (p *SimPlatform) Close(fd FD) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closes[fd]++
	s, err := p.lookup(fd)
	if err != nil {
		return err
	}
	s.closed = true
	if s.peer != nil {
		s.peer.eof = true
		s.peer.peer = nil
	}
	delete(p.sockets, fd)
	p.wake()
	return nil
}

func (p *SimPlatform) Bind(fd FD, addr netip.AddrPort) (netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if addr.Port() == 0 {
		p.nextPort++
		addr = netip.AddrPortFrom(addr.Addr(), p.nextPort)
	}
	for _, other := range p.sockets {
		if other != s && !other.closed && other.local == addr && other.kind.Datagram() == s.kind.Datagram() && !other.remote.IsValid() {
			return netip.AddrPort{}, syscall.EADDRINUSE
		}
	}
	s.local = addr
	return addr, nil
}

func (p *SimPlatform) LocalAddr(fd FD) (netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return s.local, nil
}

func (p *SimPlatform) Connect(fd FD, addr netip.AddrPort) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return false, err
	}
	if !s.local.IsValid() {
		s.local = p.ephemeral(s.family)
	}
	s.remote = addr

	if s.kind.Datagram() {
		return false, nil
	}

	s.connecting = true
	listener := p.boundTo(addr, false)
	if listener == nil || !listener.listening {
		s.connectErr = syscall.ECONNREFUSED
		p.wake()
		return true, nil
	}

	server := &simSocket{
		fd:     fdFromInt(p.nextFD),
		kind:   listener.kind,
		family: listener.family,
		local:  addr,
		remote: s.local,
		peer:   s,
	}
	p.nextFD++
	p.sockets[server.fd] = server
	s.peer = server
	listener.backlog = append(listener.backlog, server)
	p.wake()
	return true, nil
}

func (p *SimPlatform) ConnectResult(fd FD) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return err
	}
	s.connecting = false
	err, s.connectErr = s.connectErr, nil
	return err
}

func (p *SimPlatform) Listen(fd FD, backlog int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return err
	}
	s.listening = true
	return nil
}

func (p *SimPlatform) Accept(fd FD) (FD, netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return InvalidFD, netip.AddrPort{}, err
	}
	if len(s.backlog) == 0 {
		return InvalidFD, netip.AddrPort{}, ErrWouldBlock
	}
	conn := s.backlog[0]
	s.backlog = s.backlog[1:]
	return conn.fd, conn.remote, nil
}

func (p *SimPlatform) SendTo(fd FD, b []byte, addr netip.AddrPort) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return 0, err
	}
	if !addr.IsValid() {
		addr = s.remote
	}
	if !s.local.IsValid() {
		s.local = p.ephemeral(s.family)
	}

	if s.kind.Stream() {
		if s.peer == nil {
			if s.eof {
				return 0, syscall.EPIPE
			}
			return 0, syscall.ENOTCONN
		}
		n := len(b)
		if p.streamCap > 0 {
			room := p.streamCap - len(s.peer.stream)
			if room <= 0 {
				return 0, ErrWouldBlock
			}
			n = min(n, room)
		}
		s.peer.stream = append(s.peer.stream, b[:n]...)
		p.sent = append(p.sent, SimDatagram{From: s.local, To: s.remote, Payload: append([]byte(nil), b[:n]...), Delivered: true})
		p.wake()
		return n, nil
	}

	payload := append([]byte(nil), b...)
	if failure, ok := p.failures[addr]; ok {
		p.sent = append(p.sent, SimDatagram{From: s.local, To: addr, Payload: payload})
		s.errs = append(s.errs, simError{addr: addr, err: failure})
		p.wake()
		return len(b), nil
	}

	dst := p.boundTo(addr, true)
	dg := SimDatagram{From: s.local, To: addr, Payload: payload, Delivered: dst != nil}
	p.sent = append(p.sent, dg)
	if dst != nil {
		dst.inbox = append(dst.inbox, dg)
		p.wake()
	}
	return len(b), nil
}

func (p *SimPlatform) RecvFrom(fd FD, b []byte) (int, netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	if len(s.errs) > 0 && s.kind.Stream() {
		e := s.errs[0]
		s.errs = s.errs[1:]
		return 0, e.addr, e.err
	}

	if s.kind.Stream() {
		if len(s.stream) == 0 {
			if s.eof {
				return 0, s.remote, nil
			}
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		n := copy(b, s.stream)
		s.stream = s.stream[n:]
		if p.streamCap > 0 {
			p.wake()
		}
		return n, s.remote, nil
	}

	if len(s.inbox) == 0 {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	dg := s.inbox[0]
	s.inbox = s.inbox[1:]
	return copy(b, dg.Payload), dg.From, nil
}

func (p *SimPlatform) ReadError(fd FD) (netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(s.errs) == 0 {
		return netip.AddrPort{}, ErrWouldBlock
	}
	e := s.errs[0]
	s.errs = s.errs[1:]
	return e.addr, e.err
}

func (p *SimPlatform) JoinGroup(fd FD, group netip.Addr, ifindex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return err
	}
	if !group.IsMulticast() {
		return syscall.EINVAL
	}
	s.groups = append(s.groups, group)
	return nil
}

func (p *SimPlatform) SetBlocking(fd FD, blocking bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(fd)
	if err != nil {
		return err
	}
	s.blocking = blocking
	return nil
}

func (p *SimPlatform) NewPoller(maxEvents int) (Poller, error) {
	return &simPoller{
		platform: p,
		interest: make(map[FD]Flags),
		max:      maxEvents,
	}, nil
}

// Deliver injects a datagram from an arbitrary remote address, as if it
// arrived from outside the simulated network.
func (p *SimPlatform) Deliver(from, to netip.AddrPort, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	dst := p.boundTo(to, true)
	if dst == nil {
		return false
	}
	dst.inbox = append(dst.inbox, SimDatagram{From: from, To: to, Payload: append([]byte(nil), payload...), Delivered: true})
	p.wake()
	return true
}

// SetStreamCapacity bounds the unread bytes a simulated stream socket holds.
// Writes beyond it are cut short or would block, like a full send buffer.
// Zero removes the bound.
func (p *SimPlatform) SetStreamCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamCap = n
}

// FailSends makes every datagram sent to addr produce err asynchronously,
// the way an ICMP report arrives after the send already succeeded.
// A nil err removes the failure.
func (p *SimPlatform) FailSends(addr netip.AddrPort, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		delete(p.failures, addr)
		return
	}
	p.failures[addr] = err
}

// Reset aborts the stream connection whose local end is fd's peer: the socket
// owning fd sees err (ECONNRESET when nil) on its next read.
func (p *SimPlatform) Reset(fd FD, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sockets[fd]
	if !ok {
		return
	}
	if err == nil {
		err = syscall.ECONNRESET
	}
	s.errs = append(s.errs, simError{addr: s.remote, err: err})
	if s.peer != nil {
		s.peer.peer = nil
		s.peer = nil
	}
	p.wake()
}

// Sent returns every datagram or stream write recorded so far.
func (p *SimPlatform) Sent() []SimDatagram {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SimDatagram, len(p.sent))
	copy(out, p.sent)
	return out
}

// CloseCount reports how many times Close was called for fd.
func (p *SimPlatform) CloseCount(fd FD) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes[fd]
}

// OpenSockets reports the number of sockets not yet closed.
func (p *SimPlatform) OpenSockets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sockets)
}

// readiness computes the poll state of s given the platform's stream
// capacity. Caller holds p.mu.
func (s *simSocket) readiness(interest Flags, streamCap int) (Event, bool) {
	ev := Event{FD: s.fd}
	if interest.Any(FlagWantRead | FlagWantAccept) {
		ev.Readable = len(s.inbox) > 0 || len(s.stream) > 0 || s.eof || len(s.backlog) > 0
	}
	if interest.Any(FlagWantWrite | FlagWantConnect) {
		ev.Writable = s.kind.Datagram() || s.connecting ||
			(s.peer != nil && (streamCap == 0 || len(s.peer.stream) < streamCap))
	}
	ev.Error = len(s.errs) > 0 || s.connectErr != nil
	return ev, ev.Readable || ev.Writable || ev.Error
}

type simPoller struct {
	platform *SimPlatform
	interest map[FD]Flags
	events   []Event
	max      int
}

func (sp *simPoller) Register(fd FD, interest Flags) error {
	sp.platform.mu.Lock()
	defer sp.platform.mu.Unlock()

	if _, err := sp.platform.lookup(fd); err != nil {
		return err
	}
	sp.interest[fd] = interest
	return nil
}

func (sp *simPoller) Unregister(fd FD) error {
	delete(sp.interest, fd)
	return nil
}

func (sp *simPoller) collect() []Event {
	sp.platform.mu.Lock()
	defer sp.platform.mu.Unlock()

	sp.events = sp.events[:0]
	for fd, interest := range sp.interest {
		s, err := sp.platform.lookup(fd)
		if err != nil {
			continue
		}
		if ev, ok := s.readiness(interest, sp.platform.streamCap); ok {
			sp.events = append(sp.events, ev)
			if len(sp.events) == sp.max {
				break
			}
		}
	}
	return sp.events
}

func (sp *simPoller) Wait(timeout time.Duration) ([]Event, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if events := sp.collect(); len(events) > 0 || timeout == 0 {
			return events, nil
		}
		select {
		case <-sp.platform.notify:
		case <-deadline:
			return sp.collect(), nil
		}
	}
}

func (sp *simPoller) Close() error {
	sp.interest = nil
	return nil
}
