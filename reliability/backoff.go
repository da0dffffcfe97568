package reliability

import (
	"math/rand"
	"time"
)

// Retransmission parameters from RFC 7252 section 4.8.
const (
	// DefaultAckTimeout is the base wait for an acknowledgement.
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor scales the first timeout into
	// [AckTimeout, AckTimeout*AckRandomFactor].
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is the retransmission ceiling.
	DefaultMaxRetransmit = 4

	// DefaultBackoffMultiplier is applied to the timeout after every
	// retransmission.
	DefaultBackoffMultiplier = 2.0

	// DefaultMaxTimeout caps a single backoff interval.
	DefaultMaxTimeout = 60 * time.Second
)

// backoff tracks the timeout sequence of one exchange.
type backoff struct {
	current    time.Duration
	max        time.Duration
	multiplier float64
}

// newBackoff draws the initial timeout uniformly from
// [initial, initial*randomFactor].
func newBackoff(cfg Config, rng *rand.Rand) backoff {
	initial := cfg.AckTimeout
	if spread := cfg.AckRandomFactor - 1; spread > 0 {
		initial += time.Duration(float64(initial) * spread * rng.Float64())
	}
	if initial > cfg.MaxTimeout {
		initial = cfg.MaxTimeout
	}
	return backoff{
		current:    initial,
		max:        cfg.MaxTimeout,
		multiplier: cfg.BackoffMultiplier,
	}
}

// Current returns the interval to wait before the next timeout.
func (b *backoff) Current() time.Duration {
	return b.current
}

// Advance grows the interval for the next attempt and returns it.
func (b *backoff) Advance() time.Duration {
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return next
}
