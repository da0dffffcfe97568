package secure

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/pion/dtls/v2/pkg/protocol/recordlayer"
	"github.com/pion/transport/v2/deadline"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/socket"
)

// bridgeQueue bounds datagrams waiting for the DTLS record layer.
const bridgeQueue = 64

// NewServerDTLSConfig creates a pion/dtls configuration for the accepting side.
func NewServerDTLSConfig(cfg *TLSConfig) (*dtls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cfg.Certificate},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ClientAuth:           dtls.NoClientCert,
		MTU:                  limits.RxBufferSize,
	}
	if cfg.ClientCAs != nil {
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
		dtlsConfig.ClientCAs = cfg.ClientCAs
	}
	return dtlsConfig, nil
}

// NewClientDTLSConfig creates a pion/dtls configuration for the connecting side.
func NewClientDTLSConfig(cfg *TLSConfig) (*dtls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}

	dtlsConfig := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		RootCAs:              cfg.RootCAs,
		ServerName:           cfg.ServerName,
		InsecureSkipVerify:   cfg.InsecureSkipVerify,
		MTU:                  limits.RxBufferSize,
	}
	if len(cfg.Certificate.Certificate) > 0 {
		dtlsConfig.Certificates = []tls.Certificate{cfg.Certificate}
	}
	return dtlsConfig, nil
}

// DTLSLayer secures sessions on a shared KindDTLS handle with pion/dtls.
//
// pion runs its record layer on its own goroutines. Until the handshake
// returns they use the handle directly, serialised by a mutex, while the
// owner goroutine waits; afterwards they only see datagrams the owner
// passes to Input, and their writes are queued and sent by the owner.
type DTLSLayer struct {
	client *dtls.Config
	server *dtls.Config
	opts   Options
}

// NewDTLSLayer creates a DTLS layer. Either config may be nil when the
// endpoint never takes that role.
func NewDTLSLayer(client, server *dtls.Config, opts Options) *DTLSLayer {
	return &DTLSLayer{client: client, server: server, opts: opts.withDefaults()}
}

// Kind returns socket.KindDTLS.
func (l *DTLSLayer) Kind() socket.Kind {
	return socket.KindDTLS
}

// Handshake runs the DTLS handshake with peer.Remote over the shared handle h.
// Datagrams from other remotes read during the handshake are dropped.
func (l *DTLSLayer) Handshake(ctx context.Context, h *socket.Handle, peer Peer) (Session, error) {
	cfg := l.client
	if peer.Role == RoleServer {
		cfg = l.server
	}
	if cfg == nil {
		return nil, fmt.Errorf("dtls %s: %w", peer.Role, ErrNoConfig)
	}
	if h.Kind() != socket.KindDTLS {
		return nil, fmt.Errorf("dtls handshake on %s handle: %w", h.Kind(), ErrWrongKind)
	}
	if !h.Valid() {
		return nil, socket.ErrInvalidHandle
	}
	remote := peer.Remote
	if !remote.IsValid() {
		remote = h.RemoteAddr()
	}

	ctx, cancel := handshakeContext(ctx, l.opts)
	defer cancel()

	b := newBridge(h, remote, l.opts.PollInterval, peer.Initial)
	start := time.Now()
	var (
		conn *dtls.Conn
		err  error
	)
	if peer.Role == RoleServer {
		conn, err = dtls.ServerWithContext(ctx, b, cfg)
	} else {
		conn, err = dtls.ClientWithContext(ctx, b, cfg)
	}
	logHandshake(socket.KindDTLS, peer.Role, remote, start, err)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.establish()

	s := &dtlsSession{
		remote: remote,
		bridge: b,
		conn:   conn,
		opts:   l.opts,
		plain:  make(chan []byte, bridgeQueue),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// settleStep is how often Input checks whether the record layer caught up.
const settleStep = 50 * time.Microsecond

type dtlsSession struct {
	remote netip.AddrPort
	bridge *bridge
	conn   *dtls.Conn
	opts   Options
	closed bool

	// pushed counts datagrams handed to the bridge and expected the
	// application records they carry. Both are owned by the caller of Input.
	pushed   uint64
	expected uint64

	// plain carries decrypted records from readLoop, which counts them in
	// delivered. readErr is valid once done is closed.
	plain     chan []byte
	delivered atomic.Uint64
	done      chan struct{}
	readErr   error
}

// readLoop moves decrypted records out of pion until the conn fails or
// closes.
func (s *dtlsSession) readLoop() {
	defer close(s.done)
	buf := make([]byte, limits.RxBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.plain <- append([]byte(nil), buf[:n]...):
			s.delivered.Add(1)
		case <-s.bridge.closed:
			return
		}
	}
}

// Input hands datagrams to the record layer, waits until it processed
// them, then delivers the decrypted payloads and sends queued replies.
func (s *dtlsSession) Input(datagrams [][]byte, deliver func([]byte)) error {
	if s.closed {
		return ErrSessionClosed
	}
	for _, d := range datagrams {
		if s.bridge.push(d) {
			s.pushed++
			s.expected += appRecords(d)
		}
	}
	err := s.settle(deliver)
	if ferr := s.bridge.flush(); err == nil {
		err = ferr
	}
	return err
}

// settle delivers decrypted records until the bridge reader took every
// pushed datagram and each application record among them came out of
// readLoop. Records the layer discards (replays, bad MACs) never come out;
// once the layer is idle they are given up on after one PollInterval.
func (s *dtlsSession) settle(deliver func([]byte)) error {
	limit := time.Now().Add(s.opts.IOTimeout)
	var idleSince time.Time
	for {
		s.deliverReady(deliver)
		select {
		case <-s.done:
			s.deliverReady(deliver)
			return s.readErr
		default:
		}

		now := time.Now()
		if s.bridge.idle(s.pushed) {
			if s.delivered.Load() >= s.expected {
				s.deliverReady(deliver)
				return nil
			}
			if idleSince.IsZero() {
				idleSince = now
			} else if now.Sub(idleSince) >= s.opts.PollInterval {
				s.expected = s.delivered.Load()
				return nil
			}
		} else {
			idleSince = time.Time{}
		}
		if now.After(limit) {
			logrus.WithFields(logrus.Fields{
				"function": "dtlsSession.settle",
				"remote":   s.remote.String(),
				"pushed":   s.pushed,
				"taken":    s.bridge.taken.Load(),
			}).Warn("DTLS record layer did not settle")
			s.expected = s.delivered.Load()
			return nil
		}
		time.Sleep(settleStep)
	}
}

func (s *dtlsSession) deliverReady(deliver func([]byte)) {
	for {
		select {
		case p := <-s.plain:
			deliver(p)
		default:
			return
		}
	}
}

// appRecords counts the application data records in one DTLS datagram.
func appRecords(d []byte) uint64 {
	records, err := recordlayer.UnpackDatagram(d)
	if err != nil {
		return 0
	}
	var n uint64
	for _, r := range records {
		var h recordlayer.Header
		if h.Unmarshal(r) == nil && h.ContentType == protocol.ContentTypeApplicationData {
			n++
		}
	}
	return n
}

func (s *dtlsSession) Send(b []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	if _, err := s.conn.Write(b); err != nil {
		return err
	}
	return s.bridge.flush()
}

// Close sends close_notify. The shared handle stays open.
func (s *dtlsSession) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	err := s.conn.Close()
	if ferr := s.bridge.flush(); err == nil {
		err = ferr
	}
	return err
}

// bridge is the net.Conn pion/dtls runs over. See DTLSLayer.
type bridge struct {
	h      *socket.Handle
	remote netip.AddrPort
	poll   time.Duration
	local  net.Addr
	peer   net.Addr

	mu          sync.Mutex
	established bool
	initial     [][]byte
	out         [][]byte

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	rd        *deadline.Deadline

	// parked is set while the reader waits on an empty queue; taken counts
	// datagrams handed to it.
	parked atomic.Bool
	taken  atomic.Uint64
}

func newBridge(h *socket.Handle, remote netip.AddrPort, poll time.Duration, initial [][]byte) *bridge {
	return &bridge{
		h:       h,
		remote:  remote,
		poll:    poll,
		local:   net.UDPAddrFromAddrPort(h.LocalAddr()),
		peer:    net.UDPAddrFromAddrPort(remote),
		initial: initial,
		in:      make(chan []byte, bridgeQueue),
		closed:  make(chan struct{}),
		rd:      deadline.New(),
	}
}

func (b *bridge) establish() {
	b.mu.Lock()
	b.established = true
	b.mu.Unlock()
}

func (b *bridge) Read(p []byte) (int, error) {
	for {
		n, ok, err := b.readDirect(p)
		if ok || err != nil {
			return n, err
		}
		b.mu.Lock()
		established := b.established
		b.mu.Unlock()
		if established {
			return b.readQueued(p)
		}

		t := time.NewTimer(b.poll)
		select {
		case <-b.closed:
			t.Stop()
			return 0, net.ErrClosed
		case <-b.rd.Done():
			t.Stop()
			return 0, timeoutError{}
		case <-t.C:
		}
	}
}

// readDirect reads from the handle while the handshake is running. ok is
// false when nothing from the remote was available.
func (b *bridge) readDirect(p []byte) (n int, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.established {
		return 0, false, nil
	}
	if len(b.initial) > 0 {
		d := b.initial[0]
		b.initial = b.initial[1:]
		return copy(p, d), true, nil
	}
	for {
		n, from, err := b.h.RecvFrom(p)
		if errors.Is(err, socket.ErrWouldBlock) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		if from == b.remote {
			return n, true, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "bridge.readDirect",
			"from":     from.String(),
			"remote":   b.remote.String(),
		}).Debug("Dropping datagram from other remote during handshake")
	}
}

func (b *bridge) readQueued(p []byte) (int, error) {
	select {
	case d := <-b.in:
		b.taken.Add(1)
		return copy(p, d), nil
	default:
	}

	b.parked.Store(true)
	select {
	case d := <-b.in:
		// Cleared before counting so idle never sees the new count with
		// the stale flag.
		b.parked.Store(false)
		b.taken.Add(1)
		return copy(p, d), nil
	case <-b.closed:
		b.parked.Store(false)
		return 0, net.ErrClosed
	case <-b.rd.Done():
		b.parked.Store(false)
		return 0, timeoutError{}
	}
}

func (b *bridge) Write(p []byte) (int, error) {
	select {
	case <-b.closed:
		return 0, net.ErrClosed
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.established {
		b.out = append(b.out, append([]byte(nil), p...))
		return len(p), nil
	}
	n, err := b.h.SendTo(p, b.remote)
	if errors.Is(err, socket.ErrWouldBlock) {
		// Lost like any datagram; the handshake retransmits.
		return len(p), nil
	}
	return n, err
}

// push queues one datagram for the reader and reports whether it fit.
func (b *bridge) push(d []byte) bool {
	select {
	case b.in <- append([]byte(nil), d...):
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "bridge.push",
			"remote":   b.remote.String(),
		}).Warn("DTLS input queue full, dropping datagram")
		return false
	}
}

// idle reports whether the reader took every pushed datagram and is
// waiting for more, which means it finished processing them.
func (b *bridge) idle(pushed uint64) bool {
	taken := b.taken.Load()
	return taken >= pushed && b.parked.Load()
}

// flush sends the writes queued since the handshake.
func (b *bridge) flush() error {
	b.mu.Lock()
	out := b.out
	b.out = nil
	b.mu.Unlock()

	for _, d := range out {
		_, err := b.h.SendTo(d, b.remote)
		if errors.Is(err, socket.ErrWouldBlock) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the reader. The handle is not touched.
func (b *bridge) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *bridge) LocalAddr() net.Addr  { return b.local }
func (b *bridge) RemoteAddr() net.Addr { return b.peer }

func (b *bridge) SetDeadline(t time.Time) error {
	return b.SetReadDeadline(t)
}

func (b *bridge) SetReadDeadline(t time.Time) error {
	b.rd.Set(t)
	return nil
}

// SetWriteDeadline is a no-op; writes never wait.
func (b *bridge) SetWriteDeadline(time.Time) error {
	return nil
}
