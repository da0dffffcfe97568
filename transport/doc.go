// Package transport multiplexes CoAP sessions over the handles of an
// endpoint.
//
// An Endpoint is one listening or dialing surface of a single transport kind
// (UDP, DTLS, TCP, TLS or WebSocket). It binds its handles, registers them
// with a reactor and keeps a table of sessions keyed by Tuple, the
// remote/local address pair.
//
// # Datagram kinds
//
// UDP and DTLS endpoints share one bound handle per address among all their
// sessions. The first datagram from an unseen tuple creates a session; on
// DTLS it starts the server handshake. Datagrams to a joined multicast group
// are keyed by the handle's bound address, so replies leave from the unicast
// address the request arrived on.
//
// ICMP reports read from the handle's error queue become NACKs on the
// session they concern:
//
//	e.OnNack(func(s *transport.Session) {
//	    reason, _ := s.TakeNack()
//	    log.Printf("%s: %s", s.Tuple(), reason)
//	})
//
// # Stream kinds
//
// TCP, TLS and WebSocket sessions own a connected handle. Dial returns a
// session in the connecting state; messages transmitted before the connect
// and handshake complete are held and written once it is established.
// Accepted sessions are queued for Accept.
//
// # Concurrency
//
// An Endpoint and its sessions are confined to the goroutine polling their
// reactor. Handshakes run on that goroutine; two endpoints that handshake
// with each other must be polled by different goroutines.
package transport
