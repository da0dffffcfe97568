// Package limits provides centralized size and capacity constants for the
// CoAP transport core, together with the validation helpers that enforce
// them.
//
// # Buffer Sizes
//
//   - RxBufferSize (1472 bytes): default receive buffer per endpoint. This is
//     the common Ethernet path MTU (1500) minus the IPv4 (20) and UDP (8)
//     headers, so a single CoAP datagram fits without IP fragmentation.
//
//   - MaxDatagramPayload (65507 bytes): the largest payload a single UDP
//     datagram over IPv4 can carry. Larger payloads are rejected before they
//     reach the socket.
//
// # Reactor Capacity
//
//   - MaxEpollEvents (10): readiness events collected per poll cycle. Busy
//     deployments with many active sessions should raise it through the
//     reactor configuration rather than by editing the constant.
//
// These values are defaults only. Every reactor and endpoint carries its own
// copy in its Config, so independent instances can be tuned separately.
package limits
