package nack

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/protocol"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/socket"
)

// Signals raised by the layers around the transport core.
var (
	// ErrReset is an explicit reset indication, e.g. a CoAP RST message
	// or a peer abort reported by a stream layer.
	ErrReset = errors.New("reset by peer")

	// ErrBadResponse is reported down by the layer above when a response
	// cannot be used.
	ErrBadResponse = errors.New("bad response")

	// ErrRetriesExhausted is raised by the reliability engine itself.
	ErrRetriesExhausted = errors.New("retransmission budget exhausted")
)

// Phase tells the classifier whether a failure happened while a secure
// layer was still handshaking.
type Phase uint8

const (
	// PhaseTransfer is a failure on an established session.
	PhaseTransfer Phase = iota
	// PhaseHandshake is a failure during TLS, DTLS or WebSocket setup.
	PhaseHandshake
)

// String returns "transfer" or "handshake".
func (p Phase) String() string {
	if p == PhaseHandshake {
		return "handshake"
	}
	return "transfer"
}

// Signal is one raw failure observation.
type Signal struct {
	Phase Phase
	Err   error
}

// Handshake wraps err as a handshake-phase signal.
func Handshake(err error) Signal {
	return Signal{Phase: PhaseHandshake, Err: err}
}

// Transfer wraps err as a transfer-phase signal.
func Transfer(err error) Signal {
	return Signal{Phase: PhaseTransfer, Err: err}
}

// Classify maps a failure on a session of the given kind to exactly one
// Reason. It never panics; unrecognised signals yield NotDeliverable.
func Classify(kind socket.Kind, sig Signal) Reason {
	reason := classify(kind, sig)

	logrus.WithFields(logrus.Fields{
		"function": "Classify",
		"kind":     kind.String(),
		"phase":    sig.Phase.String(),
		"error":    sig.Err,
		"reason":   reason.String(),
	}).Debug("Classified transport failure")

	return reason
}

func classify(kind socket.Kind, sig Signal) Reason {
	err := sig.Err
	if err == nil {
		return NotDeliverable
	}

	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return TooManyRetries
	case errors.Is(err, ErrBadResponse):
		return BadResponse
	case errors.Is(err, ErrReset):
		return RST
	}

	if isWebSocketError(err) {
		return wsReason(sig.Phase)
	}
	if isTLSError(err) {
		return tlsReason(sig.Phase)
	}

	if r, ok := classifyICMP(err); ok {
		return r
	}
	if r, ok := classifyErrno(kind, err); ok {
		return r
	}

	// A secure layer that ends the stream or never completes its handshake
	// failed as a layer. Any other error keeps the generic fallback.
	if kind.Secure() && (isEOF(err) || (sig.Phase == PhaseHandshake && isTimeout(err))) {
		if kind == socket.KindWS {
			return wsReason(sig.Phase)
		}
		return tlsReason(sig.Phase)
	}
	if kind.Stream() && isEOF(err) {
		return RST
	}
	return NotDeliverable
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func tlsReason(p Phase) Reason {
	if p == PhaseHandshake {
		return TLSFailed
	}
	return TLSLayerFailed
}

func wsReason(p Phase) Reason {
	if p == PhaseHandshake {
		return WSFailed
	}
	return WSLayerFailed
}

// isTLSError recognises errors produced by crypto/tls, certificate
// verification and pion/dtls.
func isTLSError(err error) bool {
	var (
		alert     tls.AlertError
		header    tls.RecordHeaderError
		verify    *tls.CertificateVerificationError
		authority x509.UnknownAuthorityError
		hostname  x509.HostnameError
		invalid   x509.CertificateInvalidError
		fatal     *protocol.FatalError
		handshake *protocol.HandshakeError
		timeout   *protocol.TimeoutError
		temporary *protocol.TemporaryError
		internal  *protocol.InternalError
	)
	switch {
	case errors.As(err, &alert), errors.As(err, &header), errors.As(err, &verify):
		return true
	case errors.As(err, &authority), errors.As(err, &hostname), errors.As(err, &invalid):
		return true
	case errors.As(err, &fatal), errors.As(err, &handshake), errors.As(err, &timeout):
		return true
	case errors.As(err, &temporary), errors.As(err, &internal):
		return true
	case errors.Is(err, dtls.ErrConnClosed):
		return true
	}
	// crypto/tls reports alerts it sent or received as an OpError around an
	// unexported alert type.
	var op *net.OpError
	return errors.As(err, &op) && (op.Op == "remote error" || op.Op == "local error")
}

// isWebSocketError recognises errors produced by gorilla/websocket.
func isWebSocketError(err error) bool {
	var (
		closeErr     *websocket.CloseError
		handshakeErr websocket.HandshakeError
	)
	switch {
	case errors.As(err, &closeErr), errors.As(err, &handshakeErr):
		return true
	case errors.Is(err, websocket.ErrBadHandshake),
		errors.Is(err, websocket.ErrReadLimit),
		errors.Is(err, websocket.ErrCloseSent):
		return true
	}
	return false
}

func classifyICMP(err error) (Reason, bool) {
	var icmpErr *socket.ICMPError
	if !errors.As(err, &icmpErr) {
		return 0, false
	}
	if administrativelyProhibited(icmpErr) {
		return NotDeliverable, true
	}
	return ICMPIssue, true
}

func classifyErrno(kind socket.Kind, err error) (Reason, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}

	switch errno {
	case syscall.ECONNRESET, syscall.EPIPE, syscall.ECONNABORTED:
		return RST, true
	case syscall.ECONNREFUSED:
		// A datagram socket only learns about refusal from ICMP port
		// unreachable; on a stream socket it is a RST to our SYN.
		if kind.Datagram() {
			return ICMPIssue, true
		}
		return RST, true
	case syscall.EHOSTUNREACH, syscall.EHOSTDOWN:
		return ICMPIssue, true
	case syscall.ENETUNREACH, syscall.EACCES, syscall.EPERM, syscall.EADDRNOTAVAIL:
		return NotDeliverable, true
	}
	return 0, false
}
