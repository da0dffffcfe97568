// Package nack classifies transport failures into negative-acknowledgement
// reasons.
//
// Every failure observed on an established session passes through Classify
// exactly once and comes out as one of nine Reason values. Raw OS errors,
// ICMP reports, TLS/DTLS library errors and WebSocket errors never travel
// past this boundary:
//
//	reason := nack.Classify(socket.KindUDP, nack.Signal{Err: err})
//	if nack.DefaultPolicy().Retryable(reason) {
//		// schedule a retransmission
//	}
//
// Classify is total. An error it does not recognise, including nil, maps to
// NotDeliverable.
//
// The TLS and WebSocket reasons come in pairs. The Phase of a Signal selects
// between them: failures during the handshake yield TLSFailed or WSFailed,
// failures on an established session yield TLSLayerFailed or WSLayerFailed.
package nack
