package transport

import (
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/socket"
)

// HandleICMP routes an ICMP or ICMPv6 error message that was captured
// outside the endpoint's sockets, such as from a raw socket on a platform
// whose datagram sockets have no error queue. msg starts at the ICMP header.
//
// Every datagram session whose remote matches the destination quoted in the
// message gets a NACK. When the quote is too short to carry a port, the
// address alone is compared. It returns the number of sessions reported and
// nack.ErrNotICMPError for informational messages. Stream endpoints ignore
// the message; their connections see the error directly.
func (e *Endpoint) HandleICMP(family socket.Family, msg []byte) (int, error) {
	if e.closed || !e.cfg.Kind.Datagram() {
		return 0, nil
	}
	report, dst, err := nack.ParseICMP(family, msg)
	if err != nil {
		return 0, err
	}

	var matched []*Session
	if dst.Addr().IsValid() {
		for _, s := range e.Sessions() {
			if s.state == SessionEstablished && quotedMatch(s.tuple.Remote, dst) {
				matched = append(matched, s)
			}
		}
	}
	if len(matched) == 0 {
		e.stats.Unroutable++
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.HandleICMP",
			"kind":     e.cfg.Kind.String(),
			"dst":      dst.String(),
			"error":    report.Error(),
		}).Warn("Dropping ICMP report without session")
		return 0, nil
	}

	reported := 0
	for _, s := range matched {
		// A NACK callback may have closed it.
		if s.state != SessionEstablished {
			continue
		}
		s.fail(nack.Transfer(report))
		e.notifyNack(s)
		reported++
	}
	return reported, nil
}

func quotedMatch(remote, dst netip.AddrPort) bool {
	if remote.Addr().Unmap() != dst.Addr().Unmap() {
		return false
	}
	return dst.Port() == 0 || remote.Port() == dst.Port()
}
