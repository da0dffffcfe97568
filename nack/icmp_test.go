package nack

import (
	"encoding/binary"
	"net"
	"net/netip"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/opd-ai/coapio/socket"
)

func udpHeader(dstPort uint16) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], 40000)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], 8)
	return b
}

func quotedIPv4(t *testing.T, dst string, port uint16) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + 8,
		TTL:      64,
		Protocol: syscall.IPPROTO_UDP,
		Src:      net.ParseIP("192.0.2.1").To4(),
		Dst:      net.ParseIP(dst).To4(),
	}
	b, err := h.Marshal()
	require.NoError(t, err)
	return append(b, udpHeader(port)...)
}

func quotedIPv6(dst string, port uint16) []byte {
	b := make([]byte, ipv6.HeaderLen)
	b[0] = 6 << 4
	binary.BigEndian.PutUint16(b[4:6], 8)
	b[6] = syscall.IPPROTO_UDP
	b[7] = 64
	copy(b[8:24], net.ParseIP("2001:db8::1"))
	copy(b[24:40], net.ParseIP(dst))
	return append(b, udpHeader(port)...)
}

func marshal(t *testing.T, m icmp.Message) []byte {
	t.Helper()
	b, err := m.Marshal(nil)
	require.NoError(t, err)
	return b
}

func TestParseICMPv4PortUnreachable(t *testing.T) {
	raw := marshal(t, icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: 3,
		Body: &icmp.DstUnreach{Data: quotedIPv4(t, "203.0.113.5", 5683)},
	})

	report, dst, err := ParseICMP(socket.FamilyIPv4, raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), report.Type)
	assert.Equal(t, uint8(3), report.Code)
	assert.Equal(t, syscall.ECONNREFUSED, report.Errno)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.5:5683"), dst)

	assert.Equal(t, ICMPIssue, Classify(socket.KindUDP, Transfer(report)))
}

func TestParseICMPv4AdministrativelyProhibited(t *testing.T) {
	raw := marshal(t, icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: 13,
		Body: &icmp.DstUnreach{Data: quotedIPv4(t, "198.51.100.7", 5684)},
	})

	report, dst, err := ParseICMP(socket.FamilyIPv4, raw)
	require.NoError(t, err)
	assert.Equal(t, syscall.EACCES, report.Errno)
	assert.Equal(t, uint16(5684), dst.Port())
	assert.Equal(t, NotDeliverable, Classify(socket.KindUDP, Transfer(report)))
}

func TestParseICMPv6(t *testing.T) {
	tests := []struct {
		name      string
		msg       icmp.Message
		wantErrno syscall.Errno
		want      Reason
	}{
		{
			name: "port unreachable",
			msg: icmp.Message{
				Type: ipv6.ICMPTypeDestinationUnreachable,
				Code: 4,
				Body: &icmp.DstUnreach{Data: quotedIPv6("2001:db8::5", 5683)},
			},
			wantErrno: syscall.ECONNREFUSED,
			want:      ICMPIssue,
		},
		{
			name: "no route",
			msg: icmp.Message{
				Type: ipv6.ICMPTypeDestinationUnreachable,
				Code: 0,
				Body: &icmp.DstUnreach{Data: quotedIPv6("2001:db8::5", 5683)},
			},
			wantErrno: syscall.ENETUNREACH,
			want:      NotDeliverable,
		},
		{
			name: "time exceeded",
			msg: icmp.Message{
				Type: ipv6.ICMPTypeTimeExceeded,
				Code: 0,
				Body: &icmp.TimeExceeded{Data: quotedIPv6("2001:db8::5", 5683)},
			},
			wantErrno: syscall.EHOSTUNREACH,
			want:      ICMPIssue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, dst, err := ParseICMP(socket.FamilyIPv6, marshal(t, tt.msg))
			require.NoError(t, err)
			assert.Equal(t, tt.wantErrno, report.Errno)
			assert.Equal(t, netip.MustParseAddrPort("[2001:db8::5]:5683"), dst)
			assert.Equal(t, tt.want, Classify(socket.KindUDP, Transfer(report)))
		})
	}
}

func TestParseICMPRejectsInformational(t *testing.T) {
	raw := marshal(t, icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 1, Seq: 1, Data: []byte("ping")},
	})

	_, _, err := ParseICMP(socket.FamilyIPv4, raw)
	assert.ErrorIs(t, err, ErrNotICMPError)

	_, _, err = ParseICMP(socket.FamilyIPv4, []byte{3})
	assert.Error(t, err)
}

func TestParseICMPShortQuote(t *testing.T) {
	raw := marshal(t, icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: 1,
		Body: &icmp.DstUnreach{Data: []byte{0x45}},
	})

	report, dst, err := ParseICMP(socket.FamilyIPv4, raw)
	require.NoError(t, err)
	assert.Equal(t, syscall.EHOSTUNREACH, report.Errno)
	assert.False(t, dst.IsValid())
}
