package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/metrics"
	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/reactor"
	"github.com/opd-ai/coapio/secure"
	"github.com/opd-ai/coapio/socket"
)

// DefaultMaxReadsPerEvent bounds the datagrams or stream chunks read for one
// readiness event so a busy peer cannot starve the others.
const DefaultMaxReadsPerEvent = 64

// Config describes an endpoint.
type Config struct {
	Kind socket.Kind

	// Addrs are the local addresses to bind. Datagram endpoints need at
	// least one; stream endpoints listen on each and may have none when
	// they only dial.
	Addrs []netip.AddrPort

	// RxBufferSize is the receive buffer size. Zero selects
	// limits.RxBufferSize.
	RxBufferSize int

	// Backlog is the listen backlog of stream endpoints. Zero selects
	// limits.DefaultBacklog.
	Backlog int

	// MaxReadsPerEvent caps reads per readiness event. Zero selects
	// DefaultMaxReadsPerEvent.
	MaxReadsPerEvent int

	// Layer runs the handshake of DTLS, TLS and WebSocket endpoints.
	Layer secure.Layer

	Metrics *metrics.Collector
}

// DefaultConfig returns a Config for kind bound to addrs.
func DefaultConfig(kind socket.Kind, addrs ...netip.AddrPort) Config {
	return Config{
		Kind:             kind,
		Addrs:            addrs,
		RxBufferSize:     limits.RxBufferSize,
		Backlog:          limits.DefaultBacklog,
		MaxReadsPerEvent: DefaultMaxReadsPerEvent,
	}
}

func (c Config) withDefaults() (Config, error) {
	if !c.Kind.Datagram() && !c.Kind.Stream() {
		return c, fmt.Errorf("endpoint kind %s: %w", c.Kind, socket.ErrWrongKind)
	}
	if c.Kind.Secure() && c.Layer == nil {
		return c, fmt.Errorf("endpoint kind %s: %w", c.Kind, ErrLayerRequired)
	}
	if c.Layer != nil && c.Layer.Kind() != c.Kind {
		return c, fmt.Errorf("layer %s on %s endpoint: %w", c.Layer.Kind(), c.Kind, ErrLayerMismatch)
	}
	if c.Kind.Datagram() && len(c.Addrs) == 0 {
		return c, fmt.Errorf("endpoint kind %s: %w", c.Kind, ErrNoAddress)
	}

	if c.RxBufferSize == 0 {
		c.RxBufferSize = limits.RxBufferSize
	}
	if err := limits.ValidateBufferSize(c.RxBufferSize); err != nil {
		return c, err
	}
	if c.Backlog <= 0 {
		c.Backlog = limits.DefaultBacklog
	}
	if c.MaxReadsPerEvent <= 0 {
		c.MaxReadsPerEvent = DefaultMaxReadsPerEvent
	}
	return c, nil
}

// ReceiveFunc is called for every message read from a session.
type ReceiveFunc func(s *Session, payload []byte)

// SessionFunc is called with a session on lifecycle events.
type SessionFunc func(s *Session)

// Stats are cumulative endpoint counters.
type Stats struct {
	SessionsCreated   uint64
	SessionsClosed    uint64
	ActiveSessions    int
	PendingAccepts    int
	DatagramsReceived uint64
	BytesReceived     uint64
	// Unroutable counts error reports for peers without a session.
	Unroutable        uint64
	HandshakeFailures uint64
}

// Endpoint owns the bound handles of one transport kind and the sessions
// multiplexed over them. All methods, and the callbacks it invokes, run on
// the goroutine that polls its reactor.
type Endpoint struct {
	cfg      Config
	reactor  *reactor.Reactor
	platform socket.Platform

	handles  []*socket.Handle
	groups   map[netip.AddrPort]*socket.Handle
	sessions map[Tuple]*Session
	// owned maps exclusive stream handles to their session, including
	// sessions still connecting.
	owned   map[*socket.Handle]*Session
	pending []*Session
	buf     []byte

	ctx    context.Context
	cancel context.CancelFunc

	onReceive ReceiveFunc
	onNack    SessionFunc
	onRemove  SessionFunc

	stats  Stats
	closed bool
}

// NewEndpoint binds every configured address and registers the handles with
// r. Socket errors are returned synchronously; handles opened before the
// failure are closed.
func NewEndpoint(r *reactor.Reactor, p socket.Platform, cfg Config) (*Endpoint, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:      cfg,
		reactor:  r,
		platform: p,
		groups:   make(map[netip.AddrPort]*socket.Handle),
		sessions: make(map[Tuple]*Session),
		owned:    make(map[*socket.Handle]*Session),
		buf:      make([]byte, cfg.RxBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, addr := range cfg.Addrs {
		if err := e.bind(addr); err != nil {
			cancel()
			e.closeHandles()
			logrus.WithFields(logrus.Fields{
				"function": "NewEndpoint",
				"kind":     cfg.Kind.String(),
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Warn("Endpoint setup failed")
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewEndpoint",
		"kind":     cfg.Kind.String(),
		"addrs":    e.LocalAddrs(),
	}).Info("Endpoint ready")
	return e, nil
}

func (e *Endpoint) bind(addr netip.AddrPort) error {
	h, err := socket.Open(e.platform, e.cfg.Kind, socket.FamilyOf(addr.Addr()))
	if err != nil {
		return err
	}
	e.handles = append(e.handles, h)

	if err := h.Bind(addr); err != nil {
		return err
	}

	var handler reactor.Handler
	if e.cfg.Kind.Datagram() {
		if err := h.Want(socket.FlagWantRead); err != nil {
			return err
		}
		handler = reactor.HandlerFunc(e.handleDatagram)
	} else {
		if err := h.Listen(e.cfg.Backlog); err != nil {
			return err
		}
		if err := h.Want(socket.FlagWantAccept); err != nil {
			return err
		}
		handler = reactor.HandlerFunc(e.handleListener)
	}
	return e.reactor.Register(h, handler)
}

// closeHandles unregisters and closes the bound handles and returns the
// first close error.
func (e *Endpoint) closeHandles() error {
	var first error
	for _, h := range e.handles {
		e.reactor.Unregister(h)
		if !h.Valid() {
			continue
		}
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.handles = nil
	return first
}

// Kind returns the endpoint's transport kind.
func (e *Endpoint) Kind() socket.Kind {
	return e.cfg.Kind
}

// LocalAddrs returns the bound addresses in configuration order.
func (e *Endpoint) LocalAddrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(e.handles))
	for _, h := range e.handles {
		addrs = append(addrs, h.LocalAddr())
	}
	return addrs
}

// OnReceive sets the callback for inbound messages. The payload is owned by
// the callee.
func (e *Endpoint) OnReceive(fn ReceiveFunc) {
	e.onReceive = fn
}

// OnNack sets the callback invoked after a failure queued a NACK on a
// session. The callee is expected to consume it with TakeNack.
func (e *Endpoint) OnNack(fn SessionFunc) {
	e.onNack = fn
}

// OnRemove sets the callback invoked while a session is removed, before its
// handle is released. A NACK still queued on the session can be consumed there.
func (e *Endpoint) OnRemove(fn SessionFunc) {
	e.onRemove = fn
}

// JoinMulticast joins group on every bound handle of the group's family.
// Datagrams sent to the group are routed to sessions keyed by the handle's
// bound address.
func (e *Endpoint) JoinMulticast(group netip.Addr, ifindex int) error {
	if e.closed {
		return ErrEndpointClosed
	}
	if !e.cfg.Kind.Datagram() {
		return fmt.Errorf("join %s: %w", group, socket.ErrWrongKind)
	}

	family := socket.FamilyOf(group)
	joined := 0
	for _, h := range e.handles {
		if h.Family() != family {
			continue
		}
		if err := h.JoinGroup(group, ifindex); err != nil {
			return err
		}
		e.groups[netip.AddrPortFrom(group, h.LocalAddr().Port())] = h
		joined++
	}
	if joined == 0 {
		return fmt.Errorf("join %s: %w", group, ErrNoAddress)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.JoinMulticast",
		"group":    group.String(),
		"ifindex":  ifindex,
		"handles":  joined,
	}).Info("Joined multicast group")
	return nil
}

// normalise maps a tuple addressed to a joined group onto the bound
// address of the handle that receives the group's traffic.
func (e *Endpoint) normalise(t Tuple) Tuple {
	if h, ok := e.groups[t.Local]; ok && h.Flags().Has(socket.FlagMulticast) {
		t.Local = h.LocalAddr()
	}
	return t
}

// Session returns the established session for t, or nil.
func (e *Endpoint) Session(t Tuple) *Session {
	return e.sessions[e.normalise(t)]
}

// Sessions returns the established sessions ordered by tuple.
func (e *Endpoint) Sessions() []*Session {
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].tuple.String() < out[j].tuple.String()
	})
	return out
}

// Len returns the number of established sessions.
func (e *Endpoint) Len() int {
	return len(e.sessions)
}

// Stats returns the endpoint counters.
func (e *Endpoint) Stats() Stats {
	st := e.stats
	st.ActiveSessions = len(e.sessions)
	st.PendingAccepts = len(e.pending)
	return st
}

// Accept pops the oldest inbound stream session not yet handed out.
func (e *Endpoint) Accept() (*Session, bool) {
	if len(e.pending) == 0 {
		return nil, false
	}
	s := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	return s, true
}

// Dial returns the session for remote, creating it when needed.
//
// On datagram endpoints the session shares the bound handle of remote's
// family and is established on return; DTLS runs the client handshake first.
// On stream endpoints Dial starts a non-blocking connect and returns a
// connecting session: it enters the table once the reactor reports the
// connect complete and any handshake succeeded. Messages transmitted before
// then are held.
func (e *Endpoint) Dial(ctx context.Context, remote netip.AddrPort) (*Session, error) {
	if e.closed {
		return nil, ErrEndpointClosed
	}
	if !remote.IsValid() {
		return nil, fmt.Errorf("dial: invalid address %s", remote)
	}
	if e.cfg.Kind.Datagram() {
		return e.dialDatagram(ctx, remote)
	}
	return e.dialStream(remote)
}

func (e *Endpoint) datagramHandle(family socket.Family) *socket.Handle {
	for _, h := range e.handles {
		if h.Valid() && h.Family() == family {
			return h
		}
	}
	return nil
}

func (e *Endpoint) dialDatagram(ctx context.Context, remote netip.AddrPort) (*Session, error) {
	h := e.datagramHandle(socket.FamilyOf(remote.Addr()))
	if h == nil {
		return nil, fmt.Errorf("dial %s: %w", remote, ErrNoAddress)
	}
	t := Tuple{Remote: remote, Local: h.LocalAddr()}
	if s, ok := e.sessions[t]; ok {
		return s, nil
	}

	s := newSession(e, t, h)
	if e.cfg.Layer != nil {
		sess, err := e.cfg.Layer.Handshake(ctx, h, secure.Peer{Role: secure.RoleClient, Remote: remote})
		if err != nil {
			return nil, e.handshakeFailed(t, err)
		}
		s.secure = sess
	}
	e.establish(s)
	return s, nil
}

func (e *Endpoint) dialStream(remote netip.AddrPort) (*Session, error) {
	for _, s := range e.owned {
		if s.state != SessionClosed && s.tuple.Remote == remote {
			return s, nil
		}
	}

	h, err := socket.Open(e.platform, e.cfg.Kind, socket.FamilyOf(remote.Addr()))
	if err != nil {
		return nil, err
	}
	pending, err := h.Connect(remote)
	if err != nil {
		h.Close()
		return nil, err
	}

	s := newSession(e, Tuple{Remote: remote}, h)
	e.owned[h] = s

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.Dial",
		"session":  s.key,
		"kind":     e.cfg.Kind.String(),
		"remote":   remote.String(),
		"pending":  pending,
	}).Debug("Connecting")

	if err := h.Want(socket.FlagWantConnect); err != nil {
		e.remove(s)
		return nil, err
	}
	if err := e.reactor.Register(h, reactor.HandlerFunc(e.handleStream)); err != nil {
		e.remove(s)
		return nil, err
	}
	if !pending {
		if err := e.connected(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// connected completes a stream session whose connect succeeded: it runs
// the handshake, switches the handle to read interest and enters the
// session into the table.
func (e *Endpoint) connected(s *Session) error {
	h := s.handle
	s.tuple = Tuple{Remote: h.RemoteAddr(), Local: h.LocalAddr()}
	if err := h.Unwant(socket.FlagWantConnect); err != nil {
		e.remove(s)
		return err
	}

	if e.cfg.Layer != nil {
		sess, err := e.cfg.Layer.Handshake(e.ctx, h, secure.Peer{Role: secure.RoleClient, Remote: s.tuple.Remote})
		if err != nil {
			reason := s.fail(nack.Handshake(err))
			e.stats.HandshakeFailures++
			e.notifyNack(s)
			e.remove(s)
			return &HandshakeError{Tuple: s.tuple, Reason: reason, Err: err}
		}
		s.secure = sess
	}

	if err := h.Want(socket.FlagWantRead); err != nil {
		e.remove(s)
		return err
	}
	e.establish(s)
	s.flush()
	e.readAhead(s)
	return nil
}

// handshakeFailed records a handshake failure that has no session yet.
func (e *Endpoint) handshakeFailed(t Tuple, err error) *HandshakeError {
	reason := nack.Classify(e.cfg.Kind, nack.Handshake(err))
	e.stats.HandshakeFailures++
	e.cfg.Metrics.ObserveNack(e.cfg.Kind, reason)

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.handshakeFailed",
		"kind":     e.cfg.Kind.String(),
		"tuple":    t.String(),
		"reason":   reason.String(),
		"error":    err.Error(),
	}).Warn("Handshake failed")
	return &HandshakeError{Tuple: t, Reason: reason, Err: err}
}

func (e *Endpoint) establish(s *Session) {
	s.state = SessionEstablished
	e.sessions[s.tuple] = s
	e.stats.SessionsCreated++
	e.cfg.Metrics.SessionOpened(e.cfg.Kind)

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.establish",
		"session":  s.key,
		"kind":     e.cfg.Kind.String(),
		"tuple":    s.tuple.String(),
		"secure":   s.secure != nil,
	}).Debug("Session established")
}

func (e *Endpoint) notifyNack(s *Session) {
	if e.onNack != nil {
		e.onNack(s)
	}
}

// CloseSession removes s. A queued NACK is handed to the remove callback
// before the session's resources are released.
func (e *Endpoint) CloseSession(s *Session) error {
	if s == nil || s.endpoint != e {
		return ErrUnknownSession
	}
	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	e.remove(s)
	return nil
}

// remove takes s out of every table, drains it through the remove callback
// and releases what it owns. Exclusive handles are unregistered before they
// close so readiness already collected for them is suppressed.
func (e *Endpoint) remove(s *Session) {
	if s.state == SessionClosed {
		return
	}
	established := s.state == SessionEstablished
	s.state = SessionClosed

	if e.sessions[s.tuple] == s {
		delete(e.sessions, s.tuple)
	}
	exclusive := e.owned[s.handle] == s
	if exclusive {
		delete(e.owned, s.handle)
	}
	for i, p := range e.pending {
		if p == s {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}

	if e.onRemove != nil {
		e.onRemove(s)
	}

	if s.secure != nil {
		if err := s.secure.Close(); err != nil && !errors.Is(err, secure.ErrSessionClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.remove",
				"session":  s.key,
				"error":    err.Error(),
			}).Debug("Secure session close reported an error")
		}
	}
	if exclusive {
		e.reactor.Unregister(s.handle)
		if s.handle.Valid() {
			s.handle.Close()
		}
	}
	s.queued = nil
	s.outbound = nil

	if established {
		e.stats.SessionsClosed++
		e.cfg.Metrics.SessionClosed(e.cfg.Kind)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.remove",
		"session":  s.key,
		"kind":     e.cfg.Kind.String(),
		"tuple":    s.tuple.String(),
	}).Debug("Session removed")
}

// Close removes every session, then unregisters and closes the bound
// handles. Readiness already collected for them is suppressed.
func (e *Endpoint) Close() error {
	if e.closed {
		return ErrEndpointClosed
	}
	e.closed = true
	e.cancel()

	sessions := e.Sessions()
	for _, s := range e.owned {
		if s.state == SessionConnecting {
			sessions = append(sessions, s)
		}
	}
	for _, s := range sessions {
		e.remove(s)
	}
	e.pending = nil

	err := e.closeHandles()

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.Close",
		"kind":     e.cfg.Kind.String(),
		"sessions": len(sessions),
	}).Info("Endpoint closed")
	return err
}
