package nack

import "fmt"

// Reason is the classified cause of a failed transmission. It is the only
// failure vocabulary the reliability engine and the application see.
type Reason uint8

const (
	// TooManyRetries means the retransmission budget was exhausted.
	TooManyRetries Reason = iota
	// NotDeliverable means the message could not be routed or was refused
	// locally, or the failure could not be classified more precisely.
	NotDeliverable
	// RST means the peer reset the exchange or the connection.
	RST
	// TLSFailed means the TLS or DTLS handshake failed.
	TLSFailed
	// ICMPIssue means an ICMP unreachable report arrived for the peer.
	ICMPIssue
	// BadResponse means the layer above rejected the response content.
	BadResponse
	// TLSLayerFailed means an established TLS or DTLS session broke.
	TLSLayerFailed
	// WSLayerFailed means an established WebSocket session broke.
	WSLayerFailed
	// WSFailed means the WebSocket upgrade handshake failed.
	WSFailed
)

// Reasons lists every reason in declaration order.
var Reasons = []Reason{
	TooManyRetries,
	NotDeliverable,
	RST,
	TLSFailed,
	ICMPIssue,
	BadResponse,
	TLSLayerFailed,
	WSLayerFailed,
	WSFailed,
}

var reasonNames = [...]string{
	TooManyRetries: "TOO_MANY_RETRIES",
	NotDeliverable: "NOT_DELIVERABLE",
	RST:            "RST",
	TLSFailed:      "TLS_FAILED",
	ICMPIssue:      "ICMP_ISSUE",
	BadResponse:    "BAD_RESPONSE",
	TLSLayerFailed: "TLS_LAYER_FAILED",
	WSLayerFailed:  "WS_LAYER_FAILED",
	WSFailed:       "WS_FAILED",
}

// String returns the legacy identifier of the reason.
func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("REASON(%d)", uint8(r))
}

// Valid reports whether r is one of the nine defined reasons.
func (r Reason) Valid() bool {
	return int(r) < len(reasonNames)
}

// Policy decides which reasons leave an exchange eligible for another
// attempt. Reasons not listed here are always terminal.
type Policy struct {
	// RetryBadResponse retries after the upper layer rejected a response.
	RetryBadResponse bool
	// RetryNotDeliverable retries after routing or unclassified failures.
	RetryNotDeliverable bool
}

// DefaultPolicy treats BadResponse and NotDeliverable as transient.
func DefaultPolicy() Policy {
	return Policy{
		RetryBadResponse:    true,
		RetryNotDeliverable: true,
	}
}

// Retryable reports whether r allows a retransmission under p.
func (p Policy) Retryable(r Reason) bool {
	switch r {
	case BadResponse:
		return p.RetryBadResponse
	case NotDeliverable:
		return p.RetryNotDeliverable
	default:
		return false
	}
}
