package secure

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/socket"
)

func boundDTLS(t *testing.T, p socket.Platform, addr string) *socket.Handle {
	t.Helper()
	h, err := socket.Open(p, socket.KindDTLS, socket.FamilyIPv4)
	require.NoError(t, err)
	require.NoError(t, h.Bind(netip.MustParseAddrPort(addr)))
	return h
}

// readDatagrams drains h, waiting up to a second for the first datagram.
func readDatagrams(t *testing.T, h *socket.Handle) [][]byte {
	t.Helper()
	var out [][]byte
	buf := make([]byte, 2048)
	deadline := time.Now().Add(time.Second)
	for {
		n, _, err := h.RecvFrom(buf)
		if errors.Is(err, socket.ErrWouldBlock) {
			if len(out) > 0 || time.Now().After(deadline) {
				return out
			}
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		out = append(out, append([]byte(nil), buf[:n]...))
	}
}

func dtlsLayer(t *testing.T, opts Options) *DTLSLayer {
	t.Helper()
	cert := generateTestCert(t)
	serverCfg, err := NewServerDTLSConfig(&TLSConfig{Certificate: cert})
	require.NoError(t, err)
	clientCfg, err := NewClientDTLSConfig(&TLSConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	return NewDTLSLayer(clientCfg, serverCfg, opts)
}

func TestDTLSHandshakeAndTransfer(t *testing.T) {
	layer := dtlsLayer(t, fastOptions())
	p := socket.NewSimPlatform()
	clientH := boundDTLS(t, p, "127.0.0.1:5684")
	serverH := boundDTLS(t, p, "127.0.0.1:5685")

	done := handshakeAsync(context.Background(), layer, clientH, Peer{Role: RoleClient, Remote: serverH.LocalAddr()})
	ss, err := layer.Handshake(context.Background(), serverH, Peer{Role: RoleServer, Remote: clientH.LocalAddr()})
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	cs := res.session

	server, ok := ss.(DatagramSession)
	require.True(t, ok)
	client, ok := cs.(DatagramSession)
	require.True(t, ok)

	require.NoError(t, client.Send([]byte("hello")))
	var got []string
	require.NoError(t, server.Input(readDatagrams(t, serverH), func(b []byte) { got = append(got, string(b)) }))
	assert.Equal(t, []string{"hello"}, got)

	require.NoError(t, server.Send([]byte("world")))
	got = nil
	require.NoError(t, client.Input(readDatagrams(t, clientH), func(b []byte) { got = append(got, string(b)) }))
	assert.Equal(t, []string{"world"}, got)

	require.NoError(t, client.Close())
	assert.True(t, clientH.Valid(), "shared handle outlives the session")
	assert.ErrorIs(t, client.Send([]byte("x")), ErrSessionClosed)
	server.Close()
}

func TestDTLSInputReturnsOnceRecordsAreDelivered(t *testing.T) {
	opts := fastOptions()
	opts.PollInterval = 250 * time.Millisecond
	layer := dtlsLayer(t, opts)
	p := socket.NewSimPlatform()
	clientH := boundDTLS(t, p, "127.0.0.1:5684")
	serverH := boundDTLS(t, p, "127.0.0.1:5685")

	done := handshakeAsync(context.Background(), layer, clientH, Peer{Role: RoleClient, Remote: serverH.LocalAddr()})
	ss, err := layer.Handshake(context.Background(), serverH, Peer{Role: RoleServer, Remote: clientH.LocalAddr()})
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	server := ss.(DatagramSession)
	client := res.session.(DatagramSession)
	defer server.Close()
	defer client.Close()

	tests := []struct {
		name     string
		payloads []string
	}{
		{"one record", []string{"hello"}},
		{"two records in one batch", []string{"first", "second"}},
		{"three records in one batch", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, m := range tt.payloads {
				require.NoError(t, client.Send([]byte(m)))
			}
			batch := readDatagrams(t, serverH)
			require.GreaterOrEqual(t, len(batch), len(tt.payloads))

			var got []string
			start := time.Now()
			require.NoError(t, server.Input(batch, func(b []byte) { got = append(got, string(b)) }))
			elapsed := time.Since(start)

			assert.Equal(t, tt.payloads, got)
			assert.Less(t, elapsed, opts.PollInterval/2, "Input waited on the poll interval")
		})
	}
}

func TestDTLSHandshakeTimeout(t *testing.T) {
	opts := fastOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond
	layer := dtlsLayer(t, opts)

	p := socket.NewSimPlatform()
	clientH := boundDTLS(t, p, "127.0.0.1:5684")
	_, err := layer.Handshake(context.Background(), clientH, Peer{Role: RoleClient, Remote: netip.MustParseAddrPort("127.0.0.1:5685")})
	require.Error(t, err)
	assert.Equal(t, nack.TLSFailed, nack.Classify(socket.KindDTLS, nack.Handshake(err)))
	assert.True(t, clientH.Valid())
}

func TestDTLSWrongKind(t *testing.T) {
	layer := dtlsLayer(t, fastOptions())
	p := socket.NewSimPlatform()
	h, err := socket.Open(p, socket.KindUDP, socket.FamilyIPv4)
	require.NoError(t, err)
	_, err = layer.Handshake(context.Background(), h, Peer{Role: RoleClient})
	assert.ErrorIs(t, err, ErrWrongKind)
}
