package transport

import (
	"context"
	"net/netip"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/socket"
)

// unattributedPlatform fails the next receive with an error that names no
// sender, the way an unconnected socket reports an ICMP error on platforms
// without IP_RECVERR.
type unattributedPlatform struct {
	*socket.SimPlatform
	pending error
}

func (p *unattributedPlatform) RecvFrom(fd socket.FD, b []byte) (int, netip.AddrPort, error) {
	if err := p.pending; err != nil {
		p.pending = nil
		return 0, netip.AddrPort{}, err
	}
	return p.SimPlatform.RecvFrom(fd, b)
}

func TestReceiveErrorWithoutSender(t *testing.T) {
	tests := []struct {
		name       string
		queued     bool
		nacks      []nack.Reason
		unroutable uint64
	}{
		{"error queue names the peer", true, []nack.Reason{nack.ICMPIssue}, 0},
		{"nothing to attribute", false, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &unattributedPlatform{SimPlatform: socket.NewSimPlatform()}
			r := newReactor(t, p)
			e, err := NewEndpoint(r, p, DefaultConfig(socket.KindUDP, addr("127.0.0.1:5683")))
			require.NoError(t, err)
			defer e.Close()
			rec := &recorder{}
			rec.attach(e)

			remote := addr("127.0.0.1:9")
			s, err := e.Dial(context.Background(), remote)
			require.NoError(t, err)
			if tt.queued {
				p.FailSends(remote, &socket.ICMPError{Family: socket.FamilyIPv4, Type: 3, Code: 3, Errno: syscall.ECONNREFUSED})
				require.NoError(t, s.Transmit([]byte("con")))
			}

			p.pending = syscall.ECONNREFUSED
			assert.Empty(t, e.readDatagrams(e.handles[0]))
			assert.Equal(t, tt.nacks, rec.nacks)
			assert.Equal(t, tt.unroutable, e.Stats().Unroutable)
		})
	}
}
