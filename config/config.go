// Package config loads a Core and its endpoints from a YAML file.
//
//	reactor:
//	  max_events: 10
//	reliability:
//	  ack_timeout: 2s
//	  max_retransmit: 4
//	secure:
//	  cert_file: server.pem
//	  key_file: server.key
//	endpoints:
//	  - kind: udp
//	    addrs: ["0.0.0.0:5683"]
//	    multicast: ["224.0.1.187"]
//	  - kind: tls
//	    addrs: ["0.0.0.0:5684"]
//
// Durations are Go duration strings. Fields left out keep their defaults.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/coapio"
	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/metrics"
	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/reliability"
	"github.com/opd-ai/coapio/secure"
	"github.com/opd-ai/coapio/socket"
	"github.com/opd-ai/coapio/transport"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// LoadError reports a configuration file that could not be used.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Config is the file representation of a Core.
type Config struct {
	Reactor           ReactorConfig     `yaml:"reactor"`
	Reliability       ReliabilityConfig `yaml:"reliability"`
	ReleaseOnDelivery bool              `yaml:"release_on_delivery"`
	IterationInterval time.Duration     `yaml:"iteration_interval"`
	// MetricsNamespace enables Prometheus collectors when set.
	MetricsNamespace string           `yaml:"metrics_namespace"`
	Secure           SecureConfig     `yaml:"secure"`
	Endpoints        []EndpointConfig `yaml:"endpoints"`
}

type ReactorConfig struct {
	MaxEvents int `yaml:"max_events"`
}

type ReliabilityConfig struct {
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	AckRandomFactor     float64       `yaml:"ack_random_factor"`
	MaxRetransmit       uint32        `yaml:"max_retransmit"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	MaxTimeout          time.Duration `yaml:"max_timeout"`
	RetryBadResponse    bool          `yaml:"retry_bad_response"`
	RetryNotDeliverable bool          `yaml:"retry_not_deliverable"`
}

// SecureConfig holds the credentials and timing shared by the TLS, DTLS and
// WebSocket endpoints.
type SecureConfig struct {
	CertFile           string        `yaml:"cert_file"`
	KeyFile            string        `yaml:"key_file"`
	CAFile             string        `yaml:"ca_file"`
	ClientCAFile       string        `yaml:"client_ca_file"`
	ServerName         string        `yaml:"server_name"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	WSPath             string        `yaml:"ws_path"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	IOTimeout          time.Duration `yaml:"io_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// EndpointConfig describes one endpoint. Stream endpoints without addrs
// only dial.
type EndpointConfig struct {
	Kind             string   `yaml:"kind"`
	Addrs            []string `yaml:"addrs"`
	RxBufferSize     int      `yaml:"rx_buffer_size"`
	Backlog          int      `yaml:"backlog"`
	MaxReadsPerEvent int      `yaml:"max_reads_per_event"`
	Multicast        []string `yaml:"multicast"`
	Interface        int      `yaml:"interface"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	rel := reliability.DefaultConfig()
	sec := secure.DefaultOptions()
	return &Config{
		Reactor: ReactorConfig{MaxEvents: limits.MaxEpollEvents},
		Reliability: ReliabilityConfig{
			AckTimeout:          rel.AckTimeout,
			AckRandomFactor:     rel.AckRandomFactor,
			MaxRetransmit:       rel.MaxRetransmit,
			BackoffMultiplier:   rel.BackoffMultiplier,
			MaxTimeout:          rel.MaxTimeout,
			RetryBadResponse:    rel.Policy.RetryBadResponse,
			RetryNotDeliverable: rel.Policy.RetryNotDeliverable,
		},
		ReleaseOnDelivery: true,
		IterationInterval: coapio.DefaultIterationInterval,
		Secure: SecureConfig{
			WSPath:           secure.WSPath,
			HandshakeTimeout: sec.HandshakeTimeout,
			IOTimeout:        sec.IOTimeout,
			PollInterval:     sec.PollInterval,
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Message: "validation failed", Cause: err}
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}

	cfg, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "config.Load",
		"file":      path,
		"endpoints": len(cfg.Endpoints),
	}).Info("Configuration loaded")
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks ranges, addresses and kinds.
func (c *Config) Validate() error {
	if err := limits.ValidateEventCount(c.Reactor.MaxEvents); err != nil {
		return invalid("reactor.max_events: %v", err)
	}

	r := c.Reliability
	switch {
	case r.AckTimeout <= 0:
		return invalid("reliability.ack_timeout must be positive")
	case r.AckRandomFactor < 1:
		return invalid("reliability.ack_random_factor must be at least 1")
	case r.BackoffMultiplier < 1:
		return invalid("reliability.backoff_multiplier must be at least 1")
	case r.MaxTimeout < r.AckTimeout:
		return invalid("reliability.max_timeout is below ack_timeout")
	}
	if c.IterationInterval <= 0 {
		return invalid("iteration_interval must be positive")
	}
	if (c.Secure.CertFile == "") != (c.Secure.KeyFile == "") {
		return invalid("secure.cert_file and secure.key_file go together")
	}

	for i, ep := range c.Endpoints {
		if err := c.validateEndpoint(ep); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateEndpoint(ep EndpointConfig) error {
	kind, err := socket.ParseKind(ep.Kind)
	if err != nil {
		return invalid("%v", err)
	}
	addrs, err := parseAddrs(ep.Addrs)
	if err != nil {
		return err
	}
	if kind.Datagram() && len(addrs) == 0 {
		return invalid("%s endpoint needs at least one address", kind)
	}
	if len(ep.Multicast) > 0 && !kind.Datagram() {
		return invalid("multicast on %s endpoint", kind)
	}
	for _, g := range ep.Multicast {
		group, err := netip.ParseAddr(g)
		if err != nil {
			return invalid("multicast group %q: %v", g, err)
		}
		if !group.IsMulticast() {
			return invalid("%s is not a multicast group", group)
		}
	}
	if ep.RxBufferSize != 0 {
		if err := limits.ValidateBufferSize(ep.RxBufferSize); err != nil {
			return invalid("rx_buffer_size: %v", err)
		}
	}
	if ep.Backlog < 0 || ep.MaxReadsPerEvent < 0 {
		return invalid("backlog and max_reads_per_event must not be negative")
	}
	if len(addrs) > 0 && (kind == socket.KindTLS || kind == socket.KindDTLS) && c.Secure.CertFile == "" {
		return invalid("listening %s endpoint needs secure.cert_file", kind)
	}
	return nil
}

func parseAddrs(in []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(in))
	for _, s := range in {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, invalid("address %q: %v", s, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

// Options converts the file settings into core options. A metrics
// namespace creates a collector the caller registers.
func (c *Config) Options() *coapio.Options {
	opts := coapio.NewOptions()
	opts.MaxEvents = c.Reactor.MaxEvents
	opts.ReleaseOnDelivery = c.ReleaseOnDelivery
	opts.IterationInterval = c.IterationInterval
	opts.Reliability = reliability.Config{
		AckTimeout:        c.Reliability.AckTimeout,
		AckRandomFactor:   c.Reliability.AckRandomFactor,
		MaxRetransmit:     c.Reliability.MaxRetransmit,
		BackoffMultiplier: c.Reliability.BackoffMultiplier,
		MaxTimeout:        c.Reliability.MaxTimeout,
		Policy: nack.Policy{
			RetryBadResponse:    c.Reliability.RetryBadResponse,
			RetryNotDeliverable: c.Reliability.RetryNotDeliverable,
		},
	}
	if c.MetricsNamespace != "" {
		opts.Metrics = metrics.New(c.MetricsNamespace)
	}
	return opts
}

// secureOptions returns the handshake timing for every layer.
func (c *Config) secureOptions() secure.Options {
	return secure.Options{
		HandshakeTimeout: c.Secure.HandshakeTimeout,
		IOTimeout:        c.Secure.IOTimeout,
		PollInterval:     c.Secure.PollInterval,
	}
}

// credentials loads the certificate and CA files.
func (c *Config) credentials() (*secure.TLSConfig, error) {
	s := c.Secure
	out := &secure.TLSConfig{
		ServerName:         s.ServerName,
		InsecureSkipVerify: s.InsecureSkipVerify,
	}
	if s.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		out.Certificate = cert
	}
	var err error
	if out.RootCAs, err = loadPool(s.CAFile); err != nil {
		return nil, err
	}
	if out.ClientCAs, err = loadPool(s.ClientCAFile); err != nil {
		return nil, err
	}
	return out, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, invalid("no certificates in %s", path)
	}
	return pool, nil
}

// layer builds the handshake layer for kind, or nil for plain kinds.
func (c *Config) layer(kind socket.Kind, creds *secure.TLSConfig) (secure.Layer, error) {
	opts := c.secureOptions()
	hasCert := len(creds.Certificate.Certificate) > 0

	switch kind {
	case socket.KindTLS:
		client, err := secure.NewClientTLSConfig(creds)
		if err != nil {
			return nil, err
		}
		layer := secure.NewTLSLayer(client, nil, opts)
		if hasCert {
			server, err := secure.NewServerTLSConfig(creds)
			if err != nil {
				return nil, err
			}
			layer = secure.NewTLSLayer(client, server, opts)
		}
		return layer, nil
	case socket.KindDTLS:
		client, err := secure.NewClientDTLSConfig(creds)
		if err != nil {
			return nil, err
		}
		layer := secure.NewDTLSLayer(client, nil, opts)
		if hasCert {
			server, err := secure.NewServerDTLSConfig(creds)
			if err != nil {
				return nil, err
			}
			layer = secure.NewDTLSLayer(client, server, opts)
		}
		return layer, nil
	case socket.KindWS:
		return secure.NewWSLayer(c.Secure.WSPath, opts), nil
	}
	return nil, nil
}

// TransportConfigs returns one transport.Config per endpoint entry with
// handshake layers attached.
func (c *Config) TransportConfigs() ([]transport.Config, error) {
	var creds *secure.TLSConfig
	out := make([]transport.Config, 0, len(c.Endpoints))

	for i, ep := range c.Endpoints {
		kind, err := socket.ParseKind(ep.Kind)
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		addrs, err := parseAddrs(ep.Addrs)
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}

		tc := transport.DefaultConfig(kind, addrs...)
		if ep.RxBufferSize > 0 {
			tc.RxBufferSize = ep.RxBufferSize
		}
		if ep.Backlog > 0 {
			tc.Backlog = ep.Backlog
		}
		if ep.MaxReadsPerEvent > 0 {
			tc.MaxReadsPerEvent = ep.MaxReadsPerEvent
		}
		if kind.Secure() {
			if creds == nil {
				if creds, err = c.credentials(); err != nil {
					return nil, err
				}
			}
			if tc.Layer, err = c.layer(kind, creds); err != nil {
				return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
			}
		}
		out = append(out, tc)
	}
	return out, nil
}

// Open listens on every configured endpoint of core and joins the
// configured multicast groups. Endpoints opened before a failure are closed.
func (c *Config) Open(core *coapio.Core) ([]*transport.Endpoint, error) {
	configs, err := c.TransportConfigs()
	if err != nil {
		return nil, err
	}

	var opened []*transport.Endpoint
	fail := func(err error) ([]*transport.Endpoint, error) {
		for _, e := range opened {
			e.Close()
		}
		return nil, err
	}

	for i, tc := range configs {
		e, err := core.Listen(tc)
		if err != nil {
			return fail(fmt.Errorf("endpoints[%d]: %w", i, err))
		}
		opened = append(opened, e)

		for _, g := range c.Endpoints[i].Multicast {
			group, err := netip.ParseAddr(g)
			if err == nil {
				err = e.JoinMulticast(group, c.Endpoints[i].Interface)
			}
			if err != nil {
				return fail(fmt.Errorf("endpoints[%d]: join %s: %w", i, g, err))
			}
		}
	}
	return opened, nil
}
