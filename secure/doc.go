// Package secure provides the handshake layers for the secure CoAP
// transports: TLS (crypto/tls), DTLS (pion/dtls) and WebSocket
// (gorilla/websocket).
//
// The transport core treats a layer as a pass/fail step run right after a
// connection is established. A Layer's Handshake blocks the calling
// goroutine until the peer completes the exchange, the context ends, or the
// layer's HandshakeTimeout passes. Sockets stay non-blocking throughout; a
// handshake waits by polling the handle.
//
// A successful handshake yields a Session. Stream sessions (TLS, WebSocket)
// own their handle and read it when the reactor reports readiness. DTLS
// sessions share the endpoint's datagram handle; the endpoint routes each
// peer's datagrams to the session's Input.
package secure
