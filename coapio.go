package coapio

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/metrics"
	"github.com/opd-ai/coapio/reactor"
	"github.com/opd-ai/coapio/reliability"
	"github.com/opd-ai/coapio/socket"
	"github.com/opd-ai/coapio/transport"
)

// DefaultIterationInterval bounds a single Run cycle when no retransmission
// is due sooner.
const DefaultIterationInterval = 50 * time.Millisecond

var (
	// ErrClosed indicates the core was closed.
	ErrClosed = errors.New("core closed")

	// ErrForeignEndpoint indicates an endpoint created by another core.
	ErrForeignEndpoint = errors.New("endpoint belongs to another core")
)

// Options configures a Core.
type Options struct {
	// Platform provides sockets and pollers. Nil uses the operating system.
	Platform socket.Platform

	// MaxEvents caps readiness events handled per poll cycle.
	MaxEvents int

	// Reliability holds the retransmission parameters.
	Reliability reliability.Config

	// ReleaseOnDelivery closes a session once its exchange is acknowledged.
	ReleaseOnDelivery bool

	// IterationInterval bounds each Run cycle.
	IterationInterval time.Duration

	TimeProvider reliability.TimeProvider
	Metrics      *metrics.Collector
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		MaxEvents:         limits.MaxEpollEvents,
		Reliability:       reliability.DefaultConfig(),
		ReleaseOnDelivery: true,
		IterationInterval: DefaultIterationInterval,
	}
}

// ReceiveCallback is called for every message a session delivers.
type ReceiveCallback func(s *transport.Session, payload []byte)

// OutcomeCallback is called once per exchange with its terminal result.
// The session is already closed when the exchange failed, or when it was
// delivered under ReleaseOnDelivery.
type OutcomeCallback func(s *transport.Session, out reliability.Outcome)

// Core ties one reactor, one reliability engine and any number of endpoints
// together. A Core is driven by a single goroutine through Iterate or Run.
type Core struct {
	options   *Options
	platform  socket.Platform
	reactor   *reactor.Reactor
	engine    *reliability.Engine
	endpoints []*transport.Endpoint
	clock     reliability.TimeProvider

	// exchanges maps session keys with an exchange in flight to their session.
	exchanges map[string]*transport.Session

	receiveCallback ReceiveCallback
	outcomeCallback OutcomeCallback

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New creates a Core with the given options.
func New(options *Options) (*Core, error) {
	if options == nil {
		options = NewOptions()
	}

	p := options.Platform
	if p == nil {
		var err error
		p, err = socket.NewPlatform()
		if err != nil {
			return nil, fmt.Errorf("create platform: %w", err)
		}
	}

	clock := options.TimeProvider
	if clock == nil {
		clock = reliability.RealTimeProvider{}
	}

	r, err := reactor.New(p, reactor.Config{
		MaxEvents:    options.MaxEvents,
		TimeProvider: clock,
		Metrics:      options.Metrics,
	})
	if err != nil {
		return nil, err
	}

	relCfg := options.Reliability
	relCfg.TimeProvider = clock
	relCfg.Metrics = options.Metrics
	engine := reliability.NewEngine(relCfg)
	r.AddDeadlineSource(engine)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		options:   options,
		platform:  p,
		reactor:   r,
		engine:    engine,
		clock:     clock,
		exchanges: make(map[string]*transport.Session),
		ctx:       ctx,
		cancel:    cancel,
	}
	engine.OnOutcome(c.handleOutcome)

	logrus.WithFields(logrus.Fields{
		"function":            "New",
		"max_events":          options.MaxEvents,
		"release_on_delivery": options.ReleaseOnDelivery,
	}).Info("Core created")

	return c, nil
}

// OnReceive sets the callback for inbound messages.
func (c *Core) OnReceive(callback ReceiveCallback) {
	c.receiveCallback = callback
}

// OnOutcome sets the callback for terminal exchange results.
func (c *Core) OnOutcome(callback OutcomeCallback) {
	c.outcomeCallback = callback
}

// Reactor returns the core's event loop.
func (c *Core) Reactor() *reactor.Reactor {
	return c.reactor
}

// Engine returns the core's retransmission engine.
func (c *Core) Engine() *reliability.Engine {
	return c.engine
}

// Endpoints returns the endpoints opened through Listen.
func (c *Core) Endpoints() []*transport.Endpoint {
	return append([]*transport.Endpoint(nil), c.endpoints...)
}

// Listen opens an endpoint and connects its NACK and removal reports to the
// retransmission engine.
func (c *Core) Listen(cfg transport.Config) (*transport.Endpoint, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if cfg.Metrics == nil {
		cfg.Metrics = c.options.Metrics
	}

	e, err := transport.NewEndpoint(c.reactor, c.platform, cfg)
	if err != nil {
		return nil, err
	}
	e.OnReceive(c.handleReceive)
	e.OnNack(func(s *transport.Session) {
		c.engine.Nack(s)
	})
	e.OnRemove(func(s *transport.Session) {
		c.engine.Abandon(s)
		delete(c.exchanges, s.Key())
	})
	c.endpoints = append(c.endpoints, e)
	return e, nil
}

// Send starts a confirmable exchange with remote on e, dialing or reusing
// the session for it. Failures after the exchange started are reported
// through the outcome callback, not as errors.
func (c *Core) Send(ctx context.Context, e *transport.Endpoint, remote netip.AddrPort, payload []byte) (*transport.Session, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if !c.owns(e) {
		return nil, ErrForeignEndpoint
	}

	s, err := e.Dial(ctx, remote)
	if err != nil {
		return nil, err
	}
	if err := c.SendOn(s, payload); err != nil {
		return s, err
	}
	return s, nil
}

// SendOn starts a confirmable exchange on an existing session.
func (c *Core) SendOn(s *transport.Session, payload []byte) error {
	if c.closed {
		return ErrClosed
	}
	if s.State() == transport.SessionClosed {
		return transport.ErrSessionClosed
	}

	c.exchanges[s.Key()] = s
	if err := c.engine.Send(s, payload); err != nil {
		if c.engine.State(s.Key()) == reliability.StateIdle && c.exchanges[s.Key()] == s {
			delete(c.exchanges, s.Key())
		}
		return err
	}
	return nil
}

// Acknowledge reports that the peer confirmed the exchange on s. It returns
// false when no exchange was in flight.
func (c *Core) Acknowledge(s *transport.Session) bool {
	return c.engine.Ack(s.Key())
}

// ReportBadResponse tells the engine the peer's response on s was unusable.
// Under the default policy the exchange is retransmitted on its next timer.
func (c *Core) ReportBadResponse(s *transport.Session) error {
	return s.ReportBadResponse()
}

// ReportReset tells the engine the peer answered the exchange on s with a
// reset. The exchange fails with RST at once.
func (c *Core) ReportReset(s *transport.Session) error {
	return s.ReportReset()
}

// HandleICMP routes an ICMP error message captured outside the core's
// sockets to the datagram endpoints. Exchanges on the sessions it names
// fail with the classified reason. It returns the number of sessions
// reported.
func (c *Core) HandleICMP(family socket.Family, msg []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	total := 0
	for _, e := range c.endpoints {
		if !e.Kind().Datagram() {
			continue
		}
		n, err := e.HandleICMP(family, msg)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Core) owns(e *transport.Endpoint) bool {
	for _, own := range c.endpoints {
		if own == e {
			return true
		}
	}
	return false
}

func (c *Core) handleReceive(s *transport.Session, payload []byte) {
	if c.receiveCallback != nil {
		c.receiveCallback(s, payload)
	}
}

// handleOutcome releases the session of a finished exchange before the
// user callback sees the result.
func (c *Core) handleOutcome(out reliability.Outcome) {
	s, ok := c.exchanges[out.Key]
	if !ok {
		return
	}
	delete(c.exchanges, out.Key)

	release := out.State == reliability.StateFailed ||
		(out.State == reliability.StateDelivered && c.options.ReleaseOnDelivery)
	if release && s.State() != transport.SessionClosed {
		if err := s.Endpoint().CloseSession(s); err != nil && !errors.Is(err, transport.ErrSessionClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Core.handleOutcome",
				"session":  out.Key,
				"error":    err.Error(),
			}).Warn("Releasing session failed")
		}
	}

	if c.outcomeCallback != nil {
		c.outcomeCallback(s, out)
	}
}

// Iterate runs one cycle: it waits up to timeout for readiness, bounded by
// the next retransmission deadline, dispatches what is ready and then fires
// due retransmission timers.
func (c *Core) Iterate(timeout time.Duration) error {
	if c.closed {
		return ErrClosed
	}
	if _, err := c.reactor.Poll(timeout); err != nil {
		return err
	}
	c.engine.Tick(c.clock.Now())
	return nil
}

// IterationInterval returns the longest wait of a Run cycle.
func (c *Core) IterationInterval() time.Duration {
	if c.options.IterationInterval <= 0 {
		return DefaultIterationInterval
	}
	return c.options.IterationInterval
}

// Run iterates until ctx is done or the core is closed.
func (c *Core) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		default:
		}
		if err := c.Iterate(c.IterationInterval()); err != nil {
			return err
		}
	}
}

// Close closes every endpoint, failing exchanges still in flight, and then
// the reactor.
func (c *Core) Close() error {
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.cancel()

	var errs []error
	for _, e := range c.endpoints {
		if err := e.Close(); err != nil && !errors.Is(err, transport.ErrEndpointClosed) {
			errs = append(errs, err)
		}
	}
	c.endpoints = nil
	if err := c.reactor.Close(); err != nil {
		errs = append(errs, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Core.Close",
		"errors":   len(errs),
	}).Info("Core closed")

	return errors.Join(errs...)
}
