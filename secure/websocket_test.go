package secure

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/socket"
)

func TestWebSocketHandshakeAndTransfer(t *testing.T) {
	layer := NewWSLayer("", fastOptions())
	assert.Equal(t, socket.KindWS, layer.Kind())

	client, server := streamPair(t, socket.KindWS)
	done := handshakeAsync(context.Background(), layer, client, Peer{Role: RoleClient})

	ss, err := layer.Handshake(context.Background(), server, Peer{Role: RoleServer})
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	cs := res.session

	require.NoError(t, cs.Send([]byte{0x40, 0x01, 0x00, 0x01}))
	assert.Equal(t, []byte{0x40, 0x01, 0x00, 0x01}, receiveStream(t, ss, 4))

	require.NoError(t, ss.Send([]byte("pong")))
	assert.Equal(t, "pong", string(receiveStream(t, cs, 4)))

	require.NoError(t, cs.Close())
	assert.False(t, client.Valid())

	err = ss.(StreamSession).Receive(func([]byte) {})
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, nack.WSLayerFailed, nack.Classify(socket.KindWS, nack.Transfer(err)))
}

// TestWebSocketBufferedMessages sends two messages before the accepting
// side reads; both arrive in one Receive.
func TestWebSocketBufferedMessages(t *testing.T) {
	layer := NewWSLayer("", fastOptions())
	client, server := streamPair(t, socket.KindWS)
	done := handshakeAsync(context.Background(), layer, client, Peer{Role: RoleClient})
	ss, err := layer.Handshake(context.Background(), server, Peer{Role: RoleServer})
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)

	require.NoError(t, res.session.Send([]byte("one")))
	require.NoError(t, res.session.Send([]byte("two")))

	var got []string
	require.NoError(t, ss.(StreamSession).Receive(func(b []byte) { got = append(got, string(b)) }))
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestWebSocketWrongPath(t *testing.T) {
	serverLayer := NewWSLayer("", fastOptions())
	clientLayer := NewWSLayer("/coap", fastOptions())

	client, server := streamPair(t, socket.KindWS)
	done := handshakeAsync(context.Background(), clientLayer, client, Peer{Role: RoleClient})

	_, serverErr := serverLayer.Handshake(context.Background(), server, Peer{Role: RoleServer})
	require.Error(t, serverErr)
	assert.ErrorIs(t, serverErr, websocket.ErrBadHandshake)

	res := <-done
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, websocket.ErrBadHandshake)
	assert.Equal(t, nack.WSFailed, nack.Classify(socket.KindWS, nack.Handshake(res.err)))
}

func TestWebSocketSilentServer(t *testing.T) {
	opts := fastOptions()
	opts.HandshakeTimeout = 50 * time.Millisecond
	layer := NewWSLayer("", opts)

	client, _ := streamPair(t, socket.KindWS)
	_, err := layer.Handshake(context.Background(), client, Peer{Role: RoleClient})
	require.Error(t, err)
	assert.Equal(t, nack.WSFailed, nack.Classify(socket.KindWS, nack.Handshake(err)))
}
