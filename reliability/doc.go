// Package reliability implements confirmable-message retransmission.
//
// An Engine tracks at most one exchange per session key and moves it through
//
//	Idle -> Sending -> AwaitingAck -> Delivered | Retrying | Failed
//
// Timers use exponential backoff starting from a jittered AckTimeout. After
// MaxRetransmit retransmissions the next expiry fails the exchange with
// nack.TooManyRetries. NACKs short-circuit the wait: reasons the nack.Policy
// considers retryable park the exchange in Retrying until its timer fires,
// all others fail it at once.
//
// The engine owns no goroutines or timers. The reactor loop calls Tick after
// each poll and bounds its poll timeout with NextDeadline.
package reliability
