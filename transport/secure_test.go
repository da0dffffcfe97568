package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/reactor"
	"github.com/opd-ai/coapio/secure"
	"github.com/opd-ai/coapio/socket"
)

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "coapio endpoint test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: priv}
}

func testOptions() secure.Options {
	return secure.Options{
		HandshakeTimeout: 2 * time.Second,
		IOTimeout:        time.Second,
		PollInterval:     time.Millisecond,
	}
}

// serveAsync polls r on its own goroutine until the returned stop runs.
// Peers that handshake with each other cannot share a polling goroutine.
func serveAsync(t *testing.T, r *reactor.Reactor) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			default:
			}
			r.Poll(5 * time.Millisecond)
		}
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
	t.Cleanup(stop)
	return stop
}

// echoServer starts an endpoint on its own reactor that answers every
// message with "re:" + message and reports what it received.
func echoServer(t *testing.T, p *socket.SimPlatform, cfg Config) (*Endpoint, <-chan string, func()) {
	t.Helper()
	r := newReactor(t, p)
	e, err := NewEndpoint(r, p, cfg)
	require.NoError(t, err)

	got := make(chan string, 16)
	e.OnReceive(func(s *Session, payload []byte) {
		got <- string(payload)
		s.Transmit(append([]byte("re:"), payload...))
	})
	stop := serveAsync(t, r)
	t.Cleanup(func() {
		stop()
		e.Close()
	})
	return e, got, stop
}

func receiveOne(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
		return ""
	}
}

func tlsLayers(t *testing.T, client *secure.TLSConfig) *secure.TLSLayer {
	t.Helper()
	serverCfg, err := secure.NewServerTLSConfig(&secure.TLSConfig{Certificate: generateTestCert(t)})
	require.NoError(t, err)
	clientCfg, err := secure.NewClientTLSConfig(client)
	require.NoError(t, err)
	return secure.NewTLSLayer(clientCfg, serverCfg, testOptions())
}

func TestTLSEndpointTransfer(t *testing.T) {
	p := socket.NewSimPlatform()
	layer := tlsLayers(t, &secure.TLSConfig{InsecureSkipVerify: true})

	serverCfg := DefaultConfig(socket.KindTLS, addr("127.0.0.1:5684"))
	serverCfg.Layer = layer
	_, got, _ := echoServer(t, p, serverCfg)

	r := newReactor(t, p)
	clientCfg := DefaultConfig(socket.KindTLS)
	clientCfg.Layer = layer
	client, err := NewEndpoint(r, p, clientCfg)
	require.NoError(t, err)
	defer client.Close()
	rec := &recorder{}
	rec.attach(client)

	s, err := client.Dial(context.Background(), addr("127.0.0.1:5684"))
	require.NoError(t, err)
	require.NoError(t, s.Transmit([]byte("ping")))

	pollUntil(t, r, func() bool { return s.State() == SessionEstablished })
	assert.True(t, s.Secure())
	assert.Equal(t, "ping", receiveOne(t, got))
	pollUntil(t, r, func() bool { return len(rec.received) > 0 })
	assert.Equal(t, "re:ping", rec.received[0])
}

func TestTLSEndpointHandshakeFailure(t *testing.T) {
	p := socket.NewSimPlatform()
	layer := tlsLayers(t, &secure.TLSConfig{ServerName: "127.0.0.1", RootCAs: x509.NewCertPool()})

	serverCfg := DefaultConfig(socket.KindTLS, addr("127.0.0.1:5684"))
	serverCfg.Layer = layer
	server, _, stop := echoServer(t, p, serverCfg)

	r := newReactor(t, p)
	clientCfg := DefaultConfig(socket.KindTLS)
	clientCfg.Layer = layer
	client, err := NewEndpoint(r, p, clientCfg)
	require.NoError(t, err)
	defer client.Close()
	rec := &recorder{}
	rec.attach(client)

	s, err := client.Dial(context.Background(), addr("127.0.0.1:5684"))
	require.NoError(t, err)
	require.NoError(t, s.Transmit([]byte("ping")))

	pollUntil(t, r, func() bool { return len(rec.nacks) == 1 })
	assert.Equal(t, nack.TLSFailed, rec.nacks[0])
	assert.Equal(t, SessionClosed, s.State())
	assert.False(t, s.handle.Valid())
	assert.Zero(t, client.Len())
	assert.Equal(t, uint64(1), client.Stats().HandshakeFailures)

	stop()
	assert.Zero(t, server.Len())
	assert.Zero(t, server.Stats().PendingAccepts)
}

// TestTLSEndpointSilentPeer connects to a listener that never runs the
// handshake.
func TestTLSEndpointSilentPeer(t *testing.T) {
	p := socket.NewSimPlatform()
	listener, err := socket.Open(p, socket.KindTLS, socket.FamilyIPv4)
	require.NoError(t, err)
	defer listener.Close()
	require.NoError(t, listener.Bind(addr("127.0.0.1:5684")))
	require.NoError(t, listener.Listen(1))

	clientCfg, err := secure.NewClientTLSConfig(&secure.TLSConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	opts := testOptions()
	opts.HandshakeTimeout = 50 * time.Millisecond

	r := newReactor(t, p)
	cfg := DefaultConfig(socket.KindTLS)
	cfg.Layer = secure.NewTLSLayer(clientCfg, nil, opts)
	client, err := NewEndpoint(r, p, cfg)
	require.NoError(t, err)
	defer client.Close()
	rec := &recorder{}
	rec.attach(client)

	_, err = client.Dial(context.Background(), addr("127.0.0.1:5684"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return len(rec.nacks) == 1 })
	assert.Equal(t, nack.TLSFailed, rec.nacks[0])
}

func TestWebSocketEndpointTransfer(t *testing.T) {
	p := socket.NewSimPlatform()
	layer := secure.NewWSLayer("", testOptions())

	serverCfg := DefaultConfig(socket.KindWS, addr("127.0.0.1:8080"))
	serverCfg.Layer = layer
	server, got, stop := echoServer(t, p, serverCfg)

	r := newReactor(t, p)
	clientCfg := DefaultConfig(socket.KindWS)
	clientCfg.Layer = layer
	client, err := NewEndpoint(r, p, clientCfg)
	require.NoError(t, err)
	defer client.Close()
	rec := &recorder{}
	rec.attach(client)

	s, err := client.Dial(context.Background(), addr("127.0.0.1:8080"))
	require.NoError(t, err)
	require.NoError(t, s.Transmit([]byte{0x41, 0x01, 0x00, 0x07, 0xaa}))

	assert.Equal(t, string([]byte{0x41, 0x01, 0x00, 0x07, 0xaa}), receiveOne(t, got))
	pollUntil(t, r, func() bool { return len(rec.received) > 0 })
	assert.Equal(t, "re:"+string([]byte{0x41, 0x01, 0x00, 0x07, 0xaa}), rec.received[0])

	// Closing sends a close frame; the server sees the session end.
	require.NoError(t, client.CloseSession(s))
	stop()
	st := server.Stats()
	assert.Equal(t, uint64(1), st.SessionsCreated)
}

func TestDTLSEndpointTransfer(t *testing.T) {
	p := socket.NewSimPlatform()
	serverDTLS, err := secure.NewServerDTLSConfig(&secure.TLSConfig{Certificate: generateTestCert(t)})
	require.NoError(t, err)
	clientDTLS, err := secure.NewClientDTLSConfig(&secure.TLSConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	layer := secure.NewDTLSLayer(clientDTLS, serverDTLS, testOptions())

	serverCfg := DefaultConfig(socket.KindDTLS, addr("127.0.0.1:5684"))
	serverCfg.Layer = layer
	server, got, stop := echoServer(t, p, serverCfg)

	r := newReactor(t, p)
	clientCfg := DefaultConfig(socket.KindDTLS, addr("127.0.0.1:5685"))
	clientCfg.Layer = layer
	client, err := NewEndpoint(r, p, clientCfg)
	require.NoError(t, err)
	defer client.Close()
	rec := &recorder{}
	rec.attach(client)

	s, err := client.Dial(context.Background(), addr("127.0.0.1:5684"))
	require.NoError(t, err)
	assert.Equal(t, SessionEstablished, s.State())
	assert.True(t, s.Secure())

	require.NoError(t, s.Transmit([]byte("hello")))
	assert.Equal(t, "hello", receiveOne(t, got))
	pollUntil(t, r, func() bool { return len(rec.received) > 0 })
	assert.Equal(t, "re:hello", rec.received[0])

	stop()
	assert.Equal(t, 1, server.Len())
}

func TestDTLSEndpointHandshakeTimeout(t *testing.T) {
	p := socket.NewSimPlatform()
	clientDTLS, err := secure.NewClientDTLSConfig(&secure.TLSConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	opts := testOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond

	r := newReactor(t, p)
	cfg := DefaultConfig(socket.KindDTLS, addr("127.0.0.1:5685"))
	cfg.Layer = secure.NewDTLSLayer(clientDTLS, nil, opts)
	client, err := NewEndpoint(r, p, cfg)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Dial(context.Background(), addr("127.0.0.1:5684"))
	require.Error(t, err)
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, nack.TLSFailed, herr.Reason)
	assert.Zero(t, client.Len())
	assert.True(t, client.handles[0].Valid())
}
