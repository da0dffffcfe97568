package transport

import (
	"errors"
	"io"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/reactor"
	"github.com/opd-ai/coapio/secure"
	"github.com/opd-ai/coapio/socket"
)

// batch collects the datagrams one peer sent within a readiness event.
type batch struct {
	remote   netip.AddrPort
	payloads [][]byte
}

// handleDatagram serves a bound UDP or DTLS handle: queued error reports
// first, then the datagrams routed to their sessions.
func (e *Endpoint) handleDatagram(h *socket.Handle) {
	if h.TakeError() {
		e.drainErrors(h)
	}
	if h.Consume(socket.FlagCanRead) == 0 {
		return
	}
	for _, b := range e.readDatagrams(h) {
		if !h.Valid() {
			return
		}
		e.route(h, b)
	}
}

// readDatagrams reads until the handle would block, grouping datagrams by
// sender in arrival order.
func (e *Endpoint) readDatagrams(h *socket.Handle) []batch {
	var (
		out   []batch
		index = make(map[netip.AddrPort]int)
	)
	for i := 0; i < e.cfg.MaxReadsPerEvent; i++ {
		n, from, err := h.RecvFrom(e.buf)
		if errors.Is(err, socket.ErrWouldBlock) {
			break
		}
		if err != nil {
			e.receiveFailed(h, from, err)
			break
		}

		e.stats.DatagramsReceived++
		e.stats.BytesReceived += uint64(n)
		payload := append([]byte(nil), e.buf[:n]...)
		if j, ok := index[from]; ok {
			out[j].payloads = append(out[j].payloads, payload)
			continue
		}
		index[from] = len(out)
		out = append(out, batch{remote: from, payloads: [][]byte{payload}})
	}
	return out
}

// route hands a sender's datagrams to its session. The first datagram from
// an unseen tuple creates the session; on DTLS it opens the server
// handshake instead.
func (e *Endpoint) route(h *socket.Handle, b batch) {
	t := Tuple{Remote: b.remote, Local: h.LocalAddr()}
	s, ok := e.sessions[t]
	if !ok {
		s = newSession(e, t, h)
		if e.cfg.Layer != nil {
			peer := secure.Peer{Role: secure.RoleServer, Remote: t.Remote, Initial: b.payloads}
			sess, err := e.cfg.Layer.Handshake(e.ctx, h, peer)
			if err != nil {
				e.handshakeFailed(t, err)
				return
			}
			s.secure = sess
			e.establish(s)
			return
		}
		e.establish(s)
	}

	if ds, ok := s.secure.(secure.DatagramSession); ok {
		err := ds.Input(b.payloads, func(p []byte) { e.deliver(s, p) })
		if err != nil && s.state == SessionEstablished {
			e.broken(s, err)
		}
		return
	}
	for _, p := range b.payloads {
		if s.state != SessionEstablished {
			return
		}
		e.deliver(s, p)
	}
}

// receiveFailed handles a receive that failed with an error report. Some
// platforms surface ICMP errors this way. An unconnected socket cannot name
// the peer in the failed receive, so the error queue is read instead, which
// attributes the report where the platform can.
func (e *Endpoint) receiveFailed(h *socket.Handle, from netip.AddrPort, err error) {
	if from.IsValid() {
		e.reportError(h, from, err)
		return
	}
	if e.drainErrors(h) > 0 {
		return
	}
	e.stats.Unroutable++
	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.receiveFailed",
		"kind":     e.cfg.Kind.String(),
		"addr":     h.LocalAddr().String(),
		"error":    err.Error(),
	}).Warn("Dropping receive error without peer")
}

// drainErrors reads the handle's error queue and turns each report into a
// NACK on the session it concerns. It returns the number of reports read.
func (e *Endpoint) drainErrors(h *socket.Handle) int {
	n := 0
	for i := 0; i < e.cfg.MaxReadsPerEvent && h.Valid(); i++ {
		remote, err := h.ReadError()
		if err == nil || errors.Is(err, socket.ErrWouldBlock) {
			break
		}
		e.reportError(h, remote, err)
		n++
	}
	return n
}

// reportError queues the classified err on the session for remote.
func (e *Endpoint) reportError(h *socket.Handle, remote netip.AddrPort, err error) {
	if !h.Valid() || errors.Is(err, socket.ErrInvalidHandle) {
		return
	}
	s := e.sessions[Tuple{Remote: remote, Local: h.LocalAddr()}]
	if s == nil {
		e.stats.Unroutable++
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.reportError",
			"kind":     e.cfg.Kind.String(),
			"remote":   remote.String(),
			"error":    err.Error(),
		}).Warn("Dropping error report without session")
		return
	}
	s.fail(nack.Transfer(err))
	e.notifyNack(s)
}

// handleListener accepts pending connections, runs the server handshake on
// each and queues the resulting sessions for Accept.
func (e *Endpoint) handleListener(h *socket.Handle) {
	if h.Consume(socket.FlagCanAccept) == 0 {
		return
	}
	for i := 0; i < e.cfg.Backlog && h.Valid(); i++ {
		conn, err := h.Accept()
		if errors.Is(err, socket.ErrWouldBlock) {
			return
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.handleListener",
				"addr":     h.LocalAddr().String(),
				"error":    err.Error(),
			}).Warn("Accept failed")
			return
		}
		e.accepted(conn)
	}
}

func (e *Endpoint) accepted(conn *socket.Handle) {
	t := Tuple{Remote: conn.RemoteAddr(), Local: conn.LocalAddr()}
	s := newSession(e, t, conn)

	if e.cfg.Layer != nil {
		sess, err := e.cfg.Layer.Handshake(e.ctx, conn, secure.Peer{Role: secure.RoleServer, Remote: t.Remote})
		if err != nil {
			e.handshakeFailed(t, err)
			if conn.Valid() {
				conn.Close()
			}
			return
		}
		s.secure = sess
	}

	err := conn.Want(socket.FlagWantRead)
	if err == nil {
		err = e.reactor.Register(conn, reactor.HandlerFunc(e.handleStream))
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.accepted",
			"tuple":    t.String(),
			"error":    err.Error(),
		}).Warn("Registering accepted connection failed")
		if s.secure != nil {
			s.secure.Close()
		}
		if conn.Valid() {
			conn.Close()
		}
		return
	}

	e.owned[conn] = s
	e.establish(s)
	e.pending = append(e.pending, s)

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.accepted",
		"session":  s.key,
		"kind":     e.cfg.Kind.String(),
		"tuple":    t.String(),
	}).Debug("Connection accepted")

	e.readAhead(s)
}

// readAhead receives data a handshake layer read past its final message,
// which no readiness event will announce.
func (e *Endpoint) readAhead(s *Session) {
	if st, ok := s.secure.(secure.StreamSession); ok && s.state == SessionEstablished && st.Buffered() {
		e.readStream(s)
	}
}

// handleStream serves an exclusive stream handle: connect completion while
// connecting, then waiting output and inbound data.
func (e *Endpoint) handleStream(h *socket.Handle) {
	s, ok := e.owned[h]
	if !ok {
		h.Consume(socket.CanMask)
		return
	}
	h.TakeError()

	if h.Consume(socket.FlagCanConnect) != 0 && s.state == SessionConnecting {
		e.finishConnect(s)
		return
	}
	if h.Consume(socket.FlagCanWrite) != 0 && s.state == SessionEstablished {
		if err := s.flushOutbound(); err != nil {
			e.broken(s, err)
			return
		}
	}
	if h.Consume(socket.FlagCanRead) != 0 && s.state == SessionEstablished {
		e.readStream(s)
	}
}

func (e *Endpoint) finishConnect(s *Session) {
	if err := s.handle.FinishConnect(); err != nil {
		reason := s.fail(nack.Transfer(err))
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.finishConnect",
			"session":  s.key,
			"remote":   s.tuple.Remote.String(),
			"reason":   reason.String(),
			"error":    err.Error(),
		}).Info("Connect failed")
		e.notifyNack(s)
		e.remove(s)
		return
	}
	// Failures are queued on the session and already reported.
	e.connected(s)
}

// readStream delivers what is readable on an established stream session.
// A read failure or end of stream breaks the session.
func (e *Endpoint) readStream(s *Session) {
	var err error
	if st, ok := s.secure.(secure.StreamSession); ok {
		err = st.Receive(func(p []byte) {
			if s.state == SessionEstablished {
				e.deliver(s, p)
			}
		})
	} else {
		err = e.readPlain(s)
	}
	if err != nil && s.state == SessionEstablished {
		e.broken(s, err)
	}
}

func (e *Endpoint) readPlain(s *Session) error {
	for i := 0; i < e.cfg.MaxReadsPerEvent && s.state == SessionEstablished; i++ {
		n, err := s.handle.Read(e.buf)
		if errors.Is(err, socket.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		e.stats.BytesReceived += uint64(n)
		e.deliver(s, e.buf[:n])
	}
	return nil
}

// broken queues the failure on s, reports it and removes the session.
func (e *Endpoint) broken(s *Session, err error) {
	reason := s.fail(nack.Transfer(err))
	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.broken",
		"session":  s.key,
		"tuple":    s.tuple.String(),
		"reason":   reason.String(),
		"error":    err.Error(),
	}).Info("Session failed")
	e.notifyNack(s)
	e.remove(s)
}

func (e *Endpoint) deliver(s *Session, p []byte) {
	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(len(p))
	if e.onReceive != nil {
		e.onReceive(s, append([]byte(nil), p...))
	}
}
