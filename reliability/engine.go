package reliability

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/metrics"
	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/socket"
)

// State is the position of an exchange in the reliability state machine.
type State uint8

const (
	// StateIdle means no exchange is tracked for the session.
	StateIdle State = iota
	// StateSending means a transmission is in progress.
	StateSending
	// StateAwaitingAck means the engine waits for an acknowledgement.
	StateAwaitingAck
	// StateRetrying means a retryable NACK arrived; the next timer
	// expiry retransmits.
	StateRetrying
	// StateDelivered is terminal: the exchange was acknowledged.
	StateDelivered
	// StateFailed is terminal: the exchange was abandoned with a reason.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateRetrying:
		return "retrying"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether s is Delivered or Failed.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

var (
	// ErrBusy indicates an exchange is already in flight for the session.
	ErrBusy = errors.New("exchange already in flight")

	// ErrNilChannel indicates Send was called without a channel.
	ErrNilChannel = errors.New("nil channel")
)

// Channel is the session side of an exchange. transport.Session implements it.
type Channel interface {
	// Key identifies the session; at most one exchange per key is in flight.
	Key() string
	// Transmit writes payload once. On failure the channel records a NACK
	// reason before returning.
	Transmit(payload []byte) error
	// TakeNack returns and clears the most recent NACK reason.
	TakeNack() (nack.Reason, bool)
	// SetRetryCount mirrors the retransmission count onto the session.
	SetRetryCount(n uint32)
}

// Outcome is the terminal result of an exchange, reported exactly once.
type Outcome struct {
	Key   string
	State State
	// Reason is meaningful only when State is StateFailed.
	Reason          nack.Reason
	Retransmissions uint32
}

// OutcomeHandler receives terminal outcomes.
type OutcomeHandler func(Outcome)

// Config holds retransmission parameters. Start from DefaultConfig; zero
// durations and factors are replaced by the defaults.
type Config struct {
	AckTimeout        time.Duration
	AckRandomFactor   float64
	MaxRetransmit     uint32
	BackoffMultiplier float64
	MaxTimeout        time.Duration
	// Policy decides which NACK reasons allow another attempt.
	Policy       nack.Policy
	TimeProvider TimeProvider
	// Rand drives the initial timeout jitter. Nil seeds from the clock.
	Rand    *rand.Rand
	Metrics *metrics.Collector
}

// DefaultConfig returns the RFC 7252 transmission parameters with
// BadResponse and NotDeliverable treated as retryable.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        DefaultAckTimeout,
		AckRandomFactor:   DefaultAckRandomFactor,
		MaxRetransmit:     DefaultMaxRetransmit,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxTimeout:        DefaultMaxTimeout,
		Policy:            nack.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.AckRandomFactor < 1 {
		c.AckRandomFactor = DefaultAckRandomFactor
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.MaxTimeout < c.AckTimeout {
		c.MaxTimeout = c.AckTimeout
	}
	return c
}

type exchange struct {
	ch       Channel
	payload  []byte
	state    State
	retries  uint32
	backoff  backoff
	deadline time.Time
}

// Engine drives retransmissions for many sessions. It is owned by the
// reactor goroutine and is not safe for concurrent use.
type Engine struct {
	cfg       Config
	clock     TimeProvider
	rng       *rand.Rand
	exchanges map[string]*exchange
	onOutcome OutcomeHandler
}

// NewEngine creates an engine with cfg.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	clock := getTimeProvider(cfg.TimeProvider)
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewEngine",
		"ack_timeout":    cfg.AckTimeout,
		"max_retransmit": cfg.MaxRetransmit,
	}).Debug("Reliability engine created")

	return &Engine{
		cfg:       cfg,
		clock:     clock,
		rng:       rng,
		exchanges: make(map[string]*exchange),
	}
}

// OnOutcome sets the terminal outcome callback.
func (e *Engine) OnOutcome(h OutcomeHandler) {
	e.onOutcome = h
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Send starts an exchange on ch. A transmit failure is handled like a NACK,
// so Send only fails for invalid arguments or when ch is busy.
func (e *Engine) Send(ch Channel, payload []byte) error {
	if ch == nil {
		return ErrNilChannel
	}
	if len(payload) == 0 {
		return limits.ErrMessageEmpty
	}
	key := ch.Key()
	if _, busy := e.exchanges[key]; busy {
		return fmt.Errorf("send %s: %w", key, ErrBusy)
	}

	ex := &exchange{
		ch:      ch,
		payload: append([]byte(nil), payload...),
		state:   StateSending,
		backoff: newBackoff(e.cfg, e.rng),
	}
	e.exchanges[key] = ex
	ch.SetRetryCount(0)

	logrus.WithFields(logrus.Fields{
		"function": "Engine.Send",
		"session":  key,
		"size":     len(payload),
		"timeout":  ex.backoff.Current(),
	}).Debug("Starting exchange")

	e.transmit(ex, e.clock.Now())
	return nil
}

// transmit writes the payload and arms the timer. A failed write is
// decided immediately from the channel's NACK.
func (e *Engine) transmit(ex *exchange, now time.Time) {
	ex.state = StateSending
	ex.deadline = now.Add(ex.backoff.Current())

	if err := ex.ch.Transmit(ex.payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.transmit",
			"session":  ex.ch.Key(),
			"error":    err.Error(),
		}).Debug("Transmission failed")
		reason, ok := ex.ch.TakeNack()
		if !ok {
			reason = nack.NotDeliverable
		}
		e.apply(ex, reason)
		return
	}
	ex.state = StateAwaitingAck
}

// Ack marks the exchange for key delivered. It reports false when no
// exchange is in flight for key.
func (e *Engine) Ack(key string) bool {
	ex, ok := e.exchanges[key]
	if !ok {
		return false
	}
	e.finish(ex, StateDelivered, 0)
	return true
}

// Nack consumes the NACK queued on ch and applies the retry policy:
// retryable reasons move the exchange to Retrying, all others fail it.
// It reports false when ch had no NACK or no exchange in flight; a queued
// NACK is drained either way.
func (e *Engine) Nack(ch Channel) bool {
	reason, had := ch.TakeNack()
	if !had {
		return false
	}
	ex, ok := e.exchanges[ch.Key()]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.Nack",
			"session":  ch.Key(),
			"reason":   reason.String(),
		}).Debug("Dropping NACK without exchange in flight")
		return false
	}
	e.apply(ex, reason)
	return true
}

// apply moves the exchange to Retrying when reason is retryable under the
// policy and fails it otherwise.
func (e *Engine) apply(ex *exchange, reason nack.Reason) {
	if !e.cfg.Policy.Retryable(reason) {
		e.finish(ex, StateFailed, reason)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.apply",
		"session":  ex.ch.Key(),
		"reason":   reason.String(),
		"retries":  ex.retries,
	}).Debug("Retryable NACK, waiting for next timer")
	ex.state = StateRetrying
}

// Abandon ends the exchange on ch because its session is being removed. The
// session's queued NACK, if any, becomes the failure reason; otherwise
// NotDeliverable is reported. It reports false when nothing was in flight.
func (e *Engine) Abandon(ch Channel) bool {
	ex, ok := e.exchanges[ch.Key()]
	if !ok {
		ch.TakeNack()
		return false
	}
	reason := nack.NotDeliverable
	if r, had := ch.TakeNack(); had {
		reason = r
	}
	e.finish(ex, StateFailed, reason)
	return true
}

// Tick retransmits or fails every exchange whose timer expired at now.
// An exchange fails with TooManyRetries on the first expiry after
// MaxRetransmit retransmissions. Tick returns the number of expired timers.
func (e *Engine) Tick(now time.Time) int {
	var due []*exchange
	for _, ex := range e.exchanges {
		if (ex.state == StateAwaitingAck || ex.state == StateRetrying) && !now.Before(ex.deadline) {
			due = append(due, ex)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].ch.Key() < due[j].ch.Key()
		}
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, ex := range due {
		if e.exchanges[ex.ch.Key()] != ex {
			continue
		}
		if ex.retries >= e.cfg.MaxRetransmit {
			e.finish(ex, StateFailed, exhausted(ex.ch))
			continue
		}

		ex.retries++
		ex.ch.SetRetryCount(ex.retries)
		ex.backoff.Advance()
		e.cfg.Metrics.ObserveRetransmission()

		logrus.WithFields(logrus.Fields{
			"function": "Engine.Tick",
			"session":  ex.ch.Key(),
			"retry":    ex.retries,
			"timeout":  ex.backoff.Current(),
		}).Debug("Retransmitting")

		e.transmit(ex, now)
	}
	return len(due)
}

// exhausted classifies the end of the retransmission budget on ch.
func exhausted(ch Channel) nack.Reason {
	var kind socket.Kind
	if k, ok := ch.(interface{ Kind() socket.Kind }); ok {
		kind = k.Kind()
	}
	return nack.Classify(kind, nack.Transfer(nack.ErrRetriesExhausted))
}

// NextDeadline returns the earliest pending retransmission deadline.
func (e *Engine) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, ex := range e.exchanges {
		if ex.state != StateAwaitingAck && ex.state != StateRetrying {
			continue
		}
		if !found || ex.deadline.Before(next) {
			next = ex.deadline
			found = true
		}
	}
	return next, found
}

// State returns the state of the exchange for key, or StateIdle.
func (e *Engine) State(key string) State {
	if ex, ok := e.exchanges[key]; ok {
		return ex.state
	}
	return StateIdle
}

// Retries returns the retransmission count of the exchange for key.
func (e *Engine) Retries(key string) uint32 {
	if ex, ok := e.exchanges[key]; ok {
		return ex.retries
	}
	return 0
}

// Pending returns the number of exchanges in flight.
func (e *Engine) Pending() int {
	return len(e.exchanges)
}

// finish removes the exchange and reports its outcome once.
func (e *Engine) finish(ex *exchange, state State, reason nack.Reason) {
	key := ex.ch.Key()
	if e.exchanges[key] != ex {
		return
	}
	delete(e.exchanges, key)
	ex.state = state

	out := Outcome{Key: key, State: state, Retransmissions: ex.retries}
	fields := logrus.Fields{
		"function": "Engine.finish",
		"session":  key,
		"state":    state.String(),
		"retries":  ex.retries,
	}
	if state == StateFailed {
		out.Reason = reason
		fields["reason"] = reason.String()
		logrus.WithFields(fields).Info("Exchange failed")
	} else {
		logrus.WithFields(fields).Debug("Exchange delivered")
	}

	e.cfg.Metrics.ObserveOutcome(state == StateDelivered, reason)
	if e.onOutcome != nil {
		e.onOutcome(out)
	}
}
