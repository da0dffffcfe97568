package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/coapio/nack"
	"github.com/opd-ai/coapio/socket"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObservePoll()
		c.ObserveDispatched(3)
		c.ObserveSuppressed(1)
		c.ObserveUnconsumed()
		c.ObserveRetransmission()
		c.ObserveNack(socket.KindUDP, nack.RST)
		c.ObserveOutcome(false, nack.TooManyRetries)
		c.SessionOpened(socket.KindTCP)
		c.SessionClosed(socket.KindTCP)
		assert.NoError(t, c.Register(prometheus.NewRegistry()))
	})
}

func TestCollectorCounts(t *testing.T) {
	c := New("coap")
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.ObservePoll()
	c.ObservePoll()
	c.ObserveDispatched(5)
	c.ObserveDispatched(0)
	c.ObserveSuppressed(2)
	c.ObserveRetransmission()
	c.ObserveNack(socket.KindUDP, nack.ICMPIssue)
	c.ObserveNack(socket.KindUDP, nack.ICMPIssue)
	c.ObserveNack(socket.KindTLS, nack.TLSFailed)
	c.ObserveOutcome(true, nack.NotDeliverable)
	c.ObserveOutcome(false, nack.RST)
	c.SessionOpened(socket.KindUDP)
	c.SessionOpened(socket.KindUDP)
	c.SessionClosed(socket.KindUDP)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.polls))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.dispatched))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.suppressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retransmissions))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.nacks.WithLabelValues("udp", "ICMP_ISSUE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nacks.WithLabelValues("tls", "TLS_FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("delivered", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("failed", "RST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("udp")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterTwiceFails(t *testing.T) {
	c := New("coap")
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg))
}
