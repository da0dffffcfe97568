package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/metrics"
	"github.com/opd-ai/coapio/reliability"
	"github.com/opd-ai/coapio/socket"
)

var (
	// ErrClosed indicates the reactor was closed.
	ErrClosed = errors.New("reactor closed")

	// ErrAlreadyRegistered indicates the handle's FD is already registered.
	ErrAlreadyRegistered = errors.New("handle already registered")

	// ErrNotRegistered indicates Unregister for an unknown handle.
	ErrNotRegistered = errors.New("handle not registered")

	// ErrBlockingHandle indicates Register for a handle in blocking mode.
	ErrBlockingHandle = errors.New("handle is in blocking mode")
)

// Handler reacts to readiness on a handle. It must consume (h.Consume) the
// CAN bits it acted on before returning.
type Handler interface {
	HandleEvent(h *socket.Handle)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(h *socket.Handle)

// HandleEvent calls f(h).
func (f HandlerFunc) HandleEvent(h *socket.Handle) {
	f(h)
}

// DeadlineSource bounds the poll timeout; the reliability engine is one.
type DeadlineSource interface {
	NextDeadline() (time.Time, bool)
}

// Config holds reactor parameters.
type Config struct {
	// MaxEvents caps readiness events taken per poll cycle.
	MaxEvents    int
	TimeProvider reliability.TimeProvider
	Metrics      *metrics.Collector
}

// DefaultConfig returns a Config with MaxEvents = limits.MaxEpollEvents.
func DefaultConfig() Config {
	return Config{MaxEvents: limits.MaxEpollEvents}
}

// Stats are cumulative counters since creation.
type Stats struct {
	Polls      uint64
	Dispatched uint64
	// Suppressed counts events dropped because their handle was closed or
	// unregistered before dispatch.
	Suppressed uint64
	// Unconsumed counts dispatches that left CAN bits raised.
	Unconsumed uint64
}

type entry struct {
	handle     *socket.Handle
	handler    Handler
	fd         socket.FD
	registered socket.Flags
}

// Reactor is a single-owner readiness loop. All methods must be called from
// the goroutine that owns it, including from inside handlers.
type Reactor struct {
	cfg       Config
	clock     reliability.TimeProvider
	poller    socket.Poller
	entries   map[socket.FD]*entry
	byHandle  map[*socket.Handle]*entry
	deadlines []DeadlineSource
	ready     []*entry
	stats     Stats
	closed    bool
}

// New creates a reactor polling sockets of platform p.
func New(p socket.Platform, cfg Config) (*Reactor, error) {
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = limits.MaxEpollEvents
	}
	if err := limits.ValidateEventCount(cfg.MaxEvents); err != nil {
		return nil, err
	}

	poller, err := p.NewPoller(cfg.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "reactor.New",
		"max_events": cfg.MaxEvents,
	}).Debug("Reactor created")

	return &Reactor{
		cfg:      cfg,
		clock:    getClock(cfg.TimeProvider),
		poller:   poller,
		entries:  make(map[socket.FD]*entry),
		byHandle: make(map[*socket.Handle]*entry),
		ready:    make([]*entry, 0, cfg.MaxEvents),
	}, nil
}

func getClock(tp reliability.TimeProvider) reliability.TimeProvider {
	if tp != nil {
		return tp
	}
	return reliability.RealTimeProvider{}
}

// Register starts polling h with its current WANT bits and dispatching its
// readiness to handler.
func (r *Reactor) Register(h *socket.Handle, handler Handler) error {
	if r.closed {
		return ErrClosed
	}
	if !h.Valid() {
		return socket.ErrInvalidHandle
	}
	if _, ok := r.byHandle[h]; ok {
		return ErrAlreadyRegistered
	}
	if h.Blocking() {
		return ErrBlockingHandle
	}
	fd := h.FD()
	if stale, ok := r.entries[fd]; ok {
		if stale.handle.Valid() {
			return ErrAlreadyRegistered
		}
		// The OS reused the FD of a handle closed without Unregister.
		r.remove(stale)
	}

	interest := h.Interest()
	if err := r.poller.Register(fd, interest); err != nil {
		return fmt.Errorf("register %s: %w", fd, err)
	}

	e := &entry{handle: h, handler: handler, fd: fd, registered: interest}
	r.entries[fd] = e
	r.byHandle[h] = e

	logrus.WithFields(logrus.Fields{
		"function": "Reactor.Register",
		"fd":       fd.String(),
		"kind":     h.Kind().String(),
		"interest": interest.String(),
	}).Debug("Handle registered")
	return nil
}

// Unregister stops polling h. Events already collected for h in the current
// cycle are suppressed. h may already be closed.
func (r *Reactor) Unregister(h *socket.Handle) error {
	e, ok := r.byHandle[h]
	if !ok {
		return ErrNotRegistered
	}
	return r.remove(e)
}

func (r *Reactor) remove(e *entry) error {
	delete(r.entries, e.fd)
	delete(r.byHandle, e.handle)
	if err := r.poller.Unregister(e.fd); err != nil {
		return fmt.Errorf("unregister %s: %w", e.fd, err)
	}
	return nil
}

// AddDeadlineSource makes Poll wake no later than src's next deadline.
func (r *Reactor) AddDeadlineSource(src DeadlineSource) {
	r.deadlines = append(r.deadlines, src)
}

// Len returns the number of registered handles.
func (r *Reactor) Len() int {
	return len(r.entries)
}

// Stats returns cumulative counters.
func (r *Reactor) Stats() Stats {
	return r.stats
}

// Timeout returns the wait Poll would use for the requested timeout: the
// smaller of timeout and the time left until the earliest deadline. A
// negative timeout means no caller bound.
func (r *Reactor) Timeout(timeout time.Duration) time.Duration {
	now := r.clock.Now()
	for _, src := range r.deadlines {
		deadline, ok := src.NextDeadline()
		if !ok {
			continue
		}
		until := deadline.Sub(now)
		if until < 0 {
			until = 0
		}
		if timeout < 0 || until < timeout {
			timeout = until
		}
	}
	return timeout
}

// Poll runs one cycle: sync interest, wait, raise CAN bits and dispatch.
// It returns the number of handlers invoked.
func (r *Reactor) Poll(timeout time.Duration) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if err := r.sync(); err != nil {
		return 0, err
	}

	events, err := r.poller.Wait(r.Timeout(timeout))
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	r.stats.Polls++
	r.cfg.Metrics.ObservePoll()

	r.ready = r.ready[:0]
	suppressed := 0
	for _, ev := range events {
		e, ok := r.entries[ev.FD]
		if !ok || !e.handle.Valid() {
			suppressed++
			continue
		}
		if raised := e.handle.Signal(ev); raised == socket.FlagEmpty && !ev.Error {
			continue
		}
		r.ready = append(r.ready, e)
	}

	dispatched := 0
	for _, e := range r.ready {
		// An earlier handler in this cycle may have closed or unregistered it.
		if r.entries[e.fd] != e || !e.handle.Valid() {
			suppressed++
			continue
		}
		e.handler.HandleEvent(e.handle)
		dispatched++
		r.checkConsumed(e)
	}

	r.stats.Dispatched += uint64(dispatched)
	r.stats.Suppressed += uint64(suppressed)
	r.cfg.Metrics.ObserveDispatched(dispatched)
	r.cfg.Metrics.ObserveSuppressed(suppressed)

	if suppressed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "Reactor.Poll",
			"suppressed": suppressed,
		}).Debug("Suppressed events for closed handles")
	}
	return dispatched, nil
}

// sync drops closed handles and pushes changed interest to the poller.
func (r *Reactor) sync() error {
	for _, e := range r.entries {
		if !e.handle.Valid() {
			if err := r.remove(e); err != nil {
				return err
			}
			continue
		}
		interest := e.handle.Interest()
		if interest == e.registered {
			continue
		}
		if err := r.poller.Register(e.fd, interest); err != nil {
			return fmt.Errorf("update interest %s: %w", e.fd, err)
		}
		e.registered = interest
	}
	return nil
}

// checkConsumed clears readiness a handler left behind so it cannot cause a
// spurious repeat dispatch.
func (r *Reactor) checkConsumed(e *entry) {
	if !e.handle.Valid() {
		return
	}
	left := e.handle.Ready()
	if left == socket.FlagEmpty {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Reactor.checkConsumed",
		"fd":       e.fd.String(),
		"flags":    left.String(),
	}).Warn("Handler left readiness unconsumed")

	e.handle.Consume(left)
	r.stats.Unconsumed++
	r.cfg.Metrics.ObserveUnconsumed()
}

// Close releases the poller. Registered handles stay open; their owners
// close them.
func (r *Reactor) Close() error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	r.entries = nil
	r.byHandle = nil

	logrus.WithFields(logrus.Fields{
		"function": "Reactor.Close",
		"polls":    r.stats.Polls,
	}).Debug("Reactor closed")
	return r.poller.Close()
}
