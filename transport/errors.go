package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/coapio/nack"
)

var (
	// ErrEndpointClosed indicates an operation on a closed endpoint.
	ErrEndpointClosed = errors.New("endpoint closed")

	// ErrSessionClosed indicates an operation on a removed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnknownSession indicates a session that does not belong to the endpoint.
	ErrUnknownSession = errors.New("session not owned by endpoint")

	// ErrNoAddress indicates a datagram endpoint without a bound address for
	// the requested family.
	ErrNoAddress = errors.New("no bound address for address family")

	// ErrLayerMismatch indicates a secure layer whose kind differs from the
	// endpoint's.
	ErrLayerMismatch = errors.New("secure layer does not match endpoint kind")

	// ErrLayerRequired indicates a secure kind configured without a layer.
	ErrLayerRequired = errors.New("secure transport kind requires a layer")

	// ErrBacklogFull indicates a stream message refused because too much
	// earlier output is still waiting for the socket.
	ErrBacklogFull = errors.New("stream send backlog full")
)

// HandshakeError reports a failed TLS, DTLS or WebSocket handshake together
// with its classified reason.
type HandshakeError struct {
	Tuple  Tuple
	Reason nack.Reason
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %s: %s: %v", e.Tuple, e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
