// Package coapio implements the transport core of a CoAP stack: endpoint
// and session multiplexing over UDP, DTLS, TCP, TLS and WebSocket, a
// readiness-driven event loop, and the classification of transport failures
// into the NACK reasons that drive retransmission.
//
// # Getting Started
//
// Create a Core, open endpoints and drive the loop:
//
//	core, err := coapio.New(coapio.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	udp, err := core.Listen(transport.DefaultConfig(socket.KindUDP,
//	    netip.MustParseAddrPort("0.0.0.0:5683")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	core.OnReceive(func(s *transport.Session, payload []byte) {
//	    // Decode the CoAP message; on a matching ACK:
//	    core.Acknowledge(s)
//	})
//
//	core.OnOutcome(func(s *transport.Session, out reliability.Outcome) {
//	    fmt.Println(s.Tuple(), out.State, out.Reason)
//	})
//
//	_, err = core.Send(ctx, udp, netip.MustParseAddrPort("192.0.2.7:5683"), msg)
//
//	// Start the event loop
//	err = core.Run(ctx)
//
// # Failure Reporting
//
// Every transport failure is classified into exactly one [nack.Reason] and
// queued on the session it concerns. The Core hands it to the
// [reliability.Engine], which retransmits on retryable reasons (BadResponse
// and NotDeliverable under the default policy) and fails the exchange on all
// others. The outcome callback sees only reasons, never raw OS errors.
//
// # Deterministic Testing
//
// Options.Platform accepts [socket.SimPlatform], an in-memory network, and
// Options.TimeProvider a controllable clock:
//
//	opts := coapio.NewOptions()
//	opts.Platform = socket.NewSimPlatform()
//	opts.TimeProvider = mockTime
//
// # Thread Safety
//
// A Core is not safe for concurrent use. One goroutine calls Iterate or Run
// and every other method, including from inside callbacks. Independent cores
// may run on separate goroutines.
//
// # Integration Architecture
//
//   - [socket]: handles, readiness flags and the platform abstraction
//   - [reactor]: the poll loop and dispatch
//   - [transport]: endpoints, sessions and address tuples
//   - [secure]: TLS, DTLS and WebSocket handshakes
//   - [nack]: failure classification
//   - [reliability]: retransmission
//   - [config]: YAML configuration
//   - [metrics]: Prometheus collectors
package coapio
