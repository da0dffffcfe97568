package transport

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/secure"
	"github.com/opd-ai/coapio/socket"
)

// SessionState tracks a session from connect to removal.
type SessionState uint8

const (
	// SessionConnecting means a stream connect or handshake is in progress.
	// The session is not yet in the endpoint's table.
	SessionConnecting SessionState = iota
	// SessionEstablished means the session is in the table and can transmit.
	SessionEstablished
	// SessionClosed means the session was removed.
	SessionClosed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionEstablished:
		return "established"
	default:
		return "closed"
	}
}

// SessionStats are per-session traffic counters.
type SessionStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Nacks           uint64
}

// Session is the per-peer state of an endpoint. Datagram sessions share the
// endpoint's bound handle; stream sessions own their connected handle.
//
// Session implements reliability.Channel. Like the endpoint that owns it, a
// Session is confined to the reactor goroutine.
type Session struct {
	id       uuid.UUID
	key      string
	endpoint *Endpoint
	tuple    Tuple
	handle   *socket.Handle
	secure   secure.Session
	state    SessionState

	retryCount uint32
	lastNack   nack.Reason
	hasNack    bool

	// queued holds payloads transmitted while a stream connect is pending.
	queued [][]byte
	// outbound holds stream bytes accepted by Transmit that the socket did
	// not take yet. Write interest is registered while it is not empty.
	outbound []byte
	stats    SessionStats
}

func newSession(e *Endpoint, t Tuple, h *socket.Handle) *Session {
	id := uuid.New()
	return &Session{
		id:       id,
		key:      id.String(),
		endpoint: e,
		tuple:    t,
		handle:   h,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Key returns the identifier the reliability engine tracks the session by.
func (s *Session) Key() string {
	return s.key
}

// Tuple returns the address pair that keys the session.
func (s *Session) Tuple() Tuple {
	return s.tuple
}

// Kind returns the transport kind of the owning endpoint.
func (s *Session) Kind() socket.Kind {
	return s.endpoint.cfg.Kind
}

// Endpoint returns the endpoint that owns the session.
func (s *Session) Endpoint() *Endpoint {
	return s.endpoint
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Secure reports whether a handshake layer carries the session's traffic.
func (s *Session) Secure() bool {
	return s.secure != nil
}

// RetryCount returns the retransmission count of the current exchange.
func (s *Session) RetryCount() uint32 {
	return s.retryCount
}

// SetRetryCount records the retransmission count. Called by the engine.
func (s *Session) SetRetryCount(n uint32) {
	s.retryCount = n
}

// LastNack returns the queued NACK without consuming it.
func (s *Session) LastNack() (nack.Reason, bool) {
	return s.lastNack, s.hasNack
}

// TakeNack consumes and clears the queued NACK.
func (s *Session) TakeNack() (nack.Reason, bool) {
	r, ok := s.lastNack, s.hasNack
	s.lastNack, s.hasNack = 0, false
	return r, ok
}

// Outbound returns the number of stream bytes accepted by Transmit and not
// yet written to the socket.
func (s *Session) Outbound() int {
	return len(s.outbound)
}

// Stats returns the session's traffic counters.
func (s *Session) Stats() SessionStats {
	return s.stats
}

// fail classifies err, overwrites the queued NACK and returns the reason.
func (s *Session) fail(sig nack.Signal) nack.Reason {
	reason := nack.Classify(s.Kind(), sig)
	s.lastNack, s.hasNack = reason, true
	s.stats.Nacks++
	s.endpoint.cfg.Metrics.ObserveNack(s.Kind(), reason)

	logrus.WithFields(logrus.Fields{
		"function": "Session.fail",
		"session":  s.key,
		"tuple":    s.tuple.String(),
		"kind":     s.Kind().String(),
		"phase":    sig.Phase.String(),
		"reason":   reason.String(),
	}).Debug("NACK queued")
	return reason
}

// ReportBadResponse records that the layer above could not use the peer's
// response and reports it like a transport failure.
func (s *Session) ReportBadResponse() error {
	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	s.fail(nack.Transfer(nack.ErrBadResponse))
	s.endpoint.notifyNack(s)
	return nil
}

// ReportReset records that the peer rejected the exchange with a reset,
// such as a CoAP RST message, and reports it like a transport failure.
func (s *Session) ReportReset() error {
	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	s.fail(nack.Transfer(nack.ErrReset))
	s.endpoint.notifyNack(s)
	return nil
}

// Transmit writes one message to the peer. A failure queues its classified
// NACK on the session before the error is returned. While a stream connect
// is pending the message is held and written once the session is
// established.
func (s *Session) Transmit(b []byte) error {
	switch s.state {
	case SessionClosed:
		return ErrSessionClosed
	case SessionConnecting:
		s.queued = append(s.queued, append([]byte(nil), b...))
		return nil
	}

	var err error
	if s.Kind().Datagram() {
		err = limits.ValidateDatagram(b)
	} else {
		err = limits.ValidateStreamWrite(b)
	}
	if err != nil {
		return err
	}

	switch {
	case s.secure != nil:
		err = s.secure.Send(b)
	case s.Kind().Datagram():
		_, err = s.handle.SendTo(b, s.tuple.Remote)
	default:
		err = s.write(b)
	}
	if err != nil {
		s.fail(nack.Transfer(err))
		return err
	}

	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(b))
	return nil
}

// flush writes the messages held during connect.
func (s *Session) flush() {
	queued := s.queued
	s.queued = nil
	for _, b := range queued {
		if err := s.Transmit(b); err != nil {
			s.endpoint.notifyNack(s)
			return
		}
	}
}

// write sends b on a plain stream session. What the socket does not accept
// now is kept, behind any bytes already waiting, and written once the handle
// reports CAN_WRITE. A message is refused whole or kept whole, so the byte
// stream never carries a fragment followed by a retransmitted copy.
func (s *Session) write(b []byte) error {
	if len(s.outbound) > 0 {
		if len(s.outbound)+len(b) > limits.MaxStreamBacklog {
			return fmt.Errorf("%w: %d bytes waiting", ErrBacklogFull, len(s.outbound))
		}
		s.outbound = append(s.outbound, b...)
		return nil
	}

	n, err := writeSome(s.handle, b)
	if err != nil {
		return err
	}
	if n == len(b) {
		return nil
	}
	s.outbound = append([]byte(nil), b[n:]...)

	logrus.WithFields(logrus.Fields{
		"function": "Session.write",
		"session":  s.key,
		"written":  n,
		"waiting":  len(s.outbound),
	}).Debug("Send buffer full, waiting for writability")
	return s.handle.Want(socket.FlagWantWrite)
}

// flushOutbound writes waiting stream bytes and drops write interest once
// none are left.
func (s *Session) flushOutbound() error {
	n, err := writeSome(s.handle, s.outbound)
	s.outbound = s.outbound[n:]
	if err != nil {
		return err
	}
	if len(s.outbound) > 0 {
		return nil
	}
	s.outbound = nil
	return s.handle.Unwant(socket.FlagWantWrite)
}

// writeSome writes b to a non-blocking stream handle until it is done or
// the handle would block, and returns the bytes written.
func writeSome(h *socket.Handle, b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := h.Write(b[written:])
		written += n
		if errors.Is(err, socket.ErrWouldBlock) || (err == nil && n == 0) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
