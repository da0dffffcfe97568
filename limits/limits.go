package limits

import (
	"errors"
	"fmt"
)

const (
	// RxBufferSize is the default receive buffer size for an endpoint.
	RxBufferSize = 1472

	// MaxEpollEvents is the default number of readiness events handled per poll cycle.
	MaxEpollEvents = 10

	// MaxDatagramPayload is the largest UDP payload over IPv4.
	MaxDatagramPayload = 65507

	// MaxStreamWrite caps a single write on a connection-oriented session.
	MaxStreamWrite = 1024 * 1024

	// MaxStreamBacklog caps the bytes a stream session holds while the
	// socket's send buffer is full.
	MaxStreamBacklog = 4 * MaxStreamWrite

	// DefaultBacklog is the listen backlog for connection-oriented endpoints.
	DefaultBacklog = 16
)

var (
	// ErrMessageEmpty indicates an empty payload was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates payload exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidLimit indicates a configured limit is out of range
	ErrInvalidLimit = errors.New("invalid limit")
)

// ValidateMessageSize validates a payload against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates a payload destined for a single datagram.
func ValidateDatagram(message []byte) error {
	return ValidateMessageSize(message, MaxDatagramPayload)
}

// ValidateStreamWrite validates a payload destined for a stream session.
func ValidateStreamWrite(message []byte) error {
	return ValidateMessageSize(message, MaxStreamWrite)
}

// ValidateBufferSize checks a configured receive buffer size.
func ValidateBufferSize(size int) error {
	if size <= 0 || size > MaxDatagramPayload {
		return fmt.Errorf("%w: receive buffer %d not in (0, %d]", ErrInvalidLimit, size, MaxDatagramPayload)
	}
	return nil
}

// ValidateEventCount checks a configured per-poll event count.
func ValidateEventCount(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: event count %d must be positive", ErrInvalidLimit, n)
	}
	return nil
}
