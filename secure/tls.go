package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/socket"
)

// ALPNProtocol is the TLS application protocol identifier for CoAP.
const ALPNProtocol = "coap"

// TLSConfig holds the credentials shared by the TLS and DTLS builders.
type TLSConfig struct {
	// Certificate is this endpoint's certificate.
	Certificate tls.Certificate

	// RootCAs verifies server certificates on the client side.
	RootCAs *x509.CertPool

	// ClientCAs verifies client certificates on the server side. When set,
	// servers require a client certificate.
	ClientCAs *x509.CertPool

	// ServerName is the expected server name for client connections.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing.
	InsecureSkipVerify bool
}

// NewServerTLSConfig creates a TLS configuration for the accepting side.
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cfg.Certificate},
		NextProtos:   []string{ALPNProtocol},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		ClientAuth: tls.NoClientCert,
	}
	if cfg.ClientCAs != nil {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = cfg.ClientCAs
	}
	return tlsConfig, nil
}

// NewClientTLSConfig creates a TLS configuration for the connecting side.
// The certificate is optional.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    cfg.RootCAs,
		ServerName: cfg.ServerName,
		NextProtos: []string{ALPNProtocol},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if len(cfg.Certificate.Certificate) > 0 {
		tlsConfig.Certificates = []tls.Certificate{cfg.Certificate}
	}
	return tlsConfig, nil
}

// TLSLayer secures KindTLS handles with crypto/tls.
type TLSLayer struct {
	client *tls.Config
	server *tls.Config
	opts   Options
}

// NewTLSLayer creates a TLS layer. Either config may be nil when the
// endpoint never takes that role.
func NewTLSLayer(client, server *tls.Config, opts Options) *TLSLayer {
	return &TLSLayer{client: client, server: server, opts: opts.withDefaults()}
}

// Kind returns socket.KindTLS.
func (l *TLSLayer) Kind() socket.Kind {
	return socket.KindTLS
}

// Handshake runs the TLS handshake on a connected stream handle.
func (l *TLSLayer) Handshake(ctx context.Context, h *socket.Handle, peer Peer) (Session, error) {
	cfg := l.client
	if peer.Role == RoleServer {
		cfg = l.server
	}
	if cfg == nil {
		return nil, fmt.Errorf("tls %s: %w", peer.Role, ErrNoConfig)
	}

	ctx, cancel := handshakeContext(ctx, l.opts)
	defer cancel()
	conn, err := prepareStream(ctx, socket.KindTLS, h, l.opts)
	if err != nil {
		return nil, err
	}

	var tc *tls.Conn
	if peer.Role == RoleServer {
		tc = tls.Server(conn, cfg)
	} else {
		tc = tls.Client(conn, cfg)
	}

	// conn observes ctx. HandshakeContext would close the handle from
	// another goroutine.
	start := time.Now()
	err = tc.Handshake()
	finishStream(conn)
	logHandshake(socket.KindTLS, peer.Role, h.RemoteAddr(), start, err)
	if err != nil {
		return nil, err
	}

	state := tc.ConnectionState()
	logrus.WithFields(logrus.Fields{
		"function": "TLSLayer.Handshake",
		"version":  tls.VersionName(state.Version),
		"alpn":     state.NegotiatedProtocol,
	}).Debug("TLS session established")

	return &tlsSession{
		conn: conn,
		tc:   tc,
		opts: l.opts,
		buf:  make([]byte, limits.RxBufferSize),
	}, nil
}

type tlsSession struct {
	conn   *waitConn
	tc     *tls.Conn
	opts   Options
	buf    []byte
	closed bool
}

// Receive reads until the handle would block. A record cut short by the
// socket buffer stays in the TLS input buffer until the next call.
func (s *tlsSession) Receive(deliver func([]byte)) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.conn.SetReadDeadline(aLongTimeAgo)
	for {
		n, err := s.tc.Read(s.buf)
		if n > 0 {
			deliver(append([]byte(nil), s.buf[:n]...))
		}
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
	}
}

// Buffered is true while the session is open: crypto/tls hides its
// read-ahead, and Receive returns at once when nothing is readable.
func (s *tlsSession) Buffered() bool {
	return !s.closed
}

func (s *tlsSession) Send(b []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
	_, err := s.tc.Write(b)
	return err
}

// Close sends close_notify and closes the handle.
func (s *tlsSession) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	return s.tc.Close()
}
