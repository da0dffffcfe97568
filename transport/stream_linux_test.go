//go:build linux

package transport

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/socket"
)

// TestLoopbackStreamFillsSendBuffer writes to a TCP peer that does not read
// until the kernel send buffer is full, then checks every message arrives
// whole and in order.
func TestLoopbackStreamFillsSendBuffer(t *testing.T) {
	p, err := socket.NewPlatform()
	require.NoError(t, err)
	r := newReactor(t, p)

	serverCfg := DefaultConfig(socket.KindTCP, addr("127.0.0.1:0"))
	serverCfg.RxBufferSize = limits.MaxDatagramPayload
	server, err := NewEndpoint(r, p, serverCfg)
	require.NoError(t, err)
	defer server.Close()
	client, err := NewEndpoint(r, p, DefaultConfig(socket.KindTCP))
	require.NoError(t, err)
	defer client.Close()

	var received bytes.Buffer
	server.OnReceive(func(_ *Session, payload []byte) { received.Write(payload) })
	crec := &recorder{}
	crec.attach(client)

	cs, err := client.Dial(context.Background(), server.LocalAddrs()[0])
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return cs.State() == SessionEstablished && server.Len() == 1 })

	const size = 64 * 1024
	var sent int
	for sent = 0; sent < 1024 && cs.Outbound() == 0; sent++ {
		require.NoError(t, cs.Transmit(bytes.Repeat([]byte{byte(sent % 251)}, size)))
	}
	require.Positive(t, cs.Outbound(), "send buffer never filled")
	_, queued := cs.LastNack()
	assert.False(t, queued)

	pollUntil(t, r, func() bool { return received.Len() >= sent*size })
	require.Equal(t, sent*size, received.Len())
	data := received.Bytes()
	for i := 0; i < sent; i++ {
		msg := data[i*size : (i+1)*size]
		require.Equal(t, bytes.Repeat([]byte{byte(i % 251)}, size), msg, "message %d", i)
	}
	assert.Zero(t, cs.Outbound())
	assert.Empty(t, crec.nacks)
}
