package secure

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/socket"
)

// Default timing parameters.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIOTimeout        = 5 * time.Second
	DefaultPollInterval     = 2 * time.Millisecond
)

var (
	// ErrWrongKind indicates a layer used on a handle of another transport.
	ErrWrongKind = errors.New("layer does not match handle transport")

	// ErrSessionClosed indicates use of a closed secure session.
	ErrSessionClosed = errors.New("secure session closed")

	// ErrNoConfig indicates a handshake role the layer has no credentials for.
	ErrNoConfig = errors.New("no configuration for handshake role")
)

// Role selects the handshake side.
type Role uint8

const (
	// RoleClient initiates the handshake.
	RoleClient Role = iota
	// RoleServer answers it.
	RoleServer
)

// String returns "client" or "server".
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Peer describes the other side of a handshake.
type Peer struct {
	Role Role
	// Remote is the peer address. Stream handles use their connected peer
	// when it is unset.
	Remote netip.AddrPort
	// Initial holds datagrams already read from a shared handle that start
	// the handshake, such as a ClientHello that created the session.
	Initial [][]byte
}

// Options tunes handshake and I/O waiting.
type Options struct {
	// HandshakeTimeout bounds a handshake when the context has no deadline.
	HandshakeTimeout time.Duration
	// IOTimeout bounds the wait for the rest of a partially received record
	// or message, and for a write to drain.
	IOTimeout time.Duration
	// PollInterval is the sleep between attempts on a handle that would block.
	PollInterval time.Duration
}

// DefaultOptions returns the default Options.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: DefaultHandshakeTimeout,
		IOTimeout:        DefaultIOTimeout,
		PollInterval:     DefaultPollInterval,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = def.IOTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	return o
}

// Session is an established secure channel. Its methods belong to the
// goroutine owning the handle.
type Session interface {
	// Send transmits one message.
	Send(b []byte) error

	// Close ends the channel. Stream sessions also close their handle.
	Close() error
}

// StreamSession is a session owning a connected stream handle.
type StreamSession interface {
	Session

	// Receive delivers every message or chunk that can be read without
	// waiting for new readiness. A returned error fails the session.
	Receive(deliver func([]byte)) error

	// Buffered reports whether input the layer already took off the handle
	// may be waiting, so Receive should run without new readiness.
	Buffered() bool
}

// DatagramSession is a session multiplexed on a shared datagram handle.
// The owner reads the handle and routes the peer's datagrams to Input.
type DatagramSession interface {
	Session

	// Input processes received datagrams and delivers the plaintext they
	// carried. A returned error fails the session.
	Input(datagrams [][]byte, deliver func([]byte)) error
}

// Layer performs the handshake of one secure transport.
type Layer interface {
	// Kind is the transport the layer secures.
	Kind() socket.Kind

	// Handshake runs the handshake with peer over h and returns once it
	// passed or failed. Stream layers need a connected handle and return a
	// StreamSession; on failure the caller closes the handle if it is still
	// valid. Datagram layers return a DatagramSession and never close h.
	Handshake(ctx context.Context, h *socket.Handle, peer Peer) (Session, error)
}

// handshakeContext bounds ctx by the handshake timeout unless it already
// has a deadline.
func handshakeContext(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opts.HandshakeTimeout)
}

// prepareStream validates h and builds the waiting net.Conn for a stream
// handshake.
func prepareStream(ctx context.Context, kind socket.Kind, h *socket.Handle, opts Options) (*waitConn, error) {
	if h.Kind() != kind {
		return nil, fmt.Errorf("%s handshake on %s handle: %w", kind, h.Kind(), ErrWrongKind)
	}
	view, err := h.NetConn()
	if err != nil {
		return nil, err
	}

	conn := newWaitConn(view, opts.PollInterval)
	conn.bind(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// finishStream clears handshake deadlines.
func finishStream(conn *waitConn) {
	conn.bind(nil)
	conn.SetDeadline(time.Time{})
}

func logHandshake(kind socket.Kind, role Role, remote netip.AddrPort, start time.Time, err error) {
	fields := logrus.Fields{
		"function": "Handshake",
		"kind":     kind.String(),
		"role":     role.String(),
		"remote":   remote.String(),
		"elapsed":  time.Since(start).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Handshake failed")
		return
	}
	logrus.WithFields(fields).Debug("Handshake complete")
}
