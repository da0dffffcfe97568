package socket

import (
	"errors"
	"fmt"
	"syscall"
)

// Common socket errors
var (
	// ErrInvalidHandle indicates the handle was closed or never opened
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrWouldBlock indicates a non-blocking operation could not complete now
	ErrWouldBlock = errors.New("operation would block")

	// ErrMulticastConnected indicates a multicast join on a connected handle
	ErrMulticastConnected = errors.New("multicast join not allowed on connected handle")

	// ErrAlreadyBound indicates a second bind on the same handle
	ErrAlreadyBound = errors.New("handle already bound")

	// ErrNotBound indicates an operation that needs a bound handle
	ErrNotBound = errors.New("handle not bound")

	// ErrNotConnected indicates an operation that needs a connected handle
	ErrNotConnected = errors.New("handle not connected")

	// ErrNotListening indicates accept on a handle that is not listening
	ErrNotListening = errors.New("handle not listening")

	// ErrInvalidInterest indicates a non-WANT bit passed as interest
	ErrInvalidInterest = errors.New("interest must only contain WANT flags")

	// ErrWrongKind indicates an operation unsupported by the handle's transport
	ErrWrongKind = errors.New("operation not supported by transport kind")

	// ErrUnsupported indicates the platform lacks the requested capability
	ErrUnsupported = errors.New("operation not supported on this platform")
)

// Error represents a socket operation failure with context
type Error struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("socket %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("socket %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, addr string, err error) *Error {
	return &Error{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}

// ICMPError is an ICMP notification surfaced through a socket.
type ICMPError struct {
	Family Family
	Type   uint8
	Code   uint8
	// Errno is the errno the kernel associated with the report, if any.
	Errno syscall.Errno
}

func (e *ICMPError) Error() string {
	return fmt.Sprintf("icmp %s type %d code %d", e.Family, e.Type, e.Code)
}

// Unwrap exposes the errno so errors.Is matches e.g. syscall.ECONNREFUSED.
func (e *ICMPError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}
