package reliability

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/coapio/limits"
	"github.com/opd-ai/coapio/nack"
)

// MockTimeProvider is a deterministic time provider for testing.
type MockTimeProvider struct {
	currentTime time.Time
}

func (m *MockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *MockTimeProvider) Advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

// fakeChannel records transmissions and serves queued NACKs.
type fakeChannel struct {
	key        string
	sent       [][]byte
	retryCount uint32
	nack       *nack.Reason
	failNext   error
}

func (c *fakeChannel) Key() string { return c.key }

func (c *fakeChannel) Transmit(p []byte) error {
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeChannel) TakeNack() (nack.Reason, bool) {
	if c.nack == nil {
		return 0, false
	}
	r := *c.nack
	c.nack = nil
	return r, true
}

func (c *fakeChannel) SetRetryCount(n uint32) { c.retryCount = n }

func (c *fakeChannel) queue(r nack.Reason) { c.nack = &r }

func newTestEngine(t *testing.T, maxRetransmit uint32) (*Engine, *MockTimeProvider, *[]Outcome) {
	t.Helper()
	clock := &MockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.AckTimeout = time.Second
	cfg.AckRandomFactor = 1
	cfg.MaxRetransmit = maxRetransmit
	cfg.TimeProvider = clock
	cfg.Rand = rand.New(rand.NewSource(1))

	e := NewEngine(cfg)
	var outcomes []Outcome
	e.OnOutcome(func(o Outcome) { outcomes = append(outcomes, o) })
	return e, clock, &outcomes
}

// expire advances the clock to the exchange's deadline and ticks.
func expire(e *Engine, clock *MockTimeProvider) {
	if next, ok := e.NextDeadline(); ok {
		clock.currentTime = next
	}
	e.Tick(clock.Now())
}

func TestExactlyMaxRetransmitBeforeFailure(t *testing.T) {
	for _, ceiling := range []uint32{0, 1, 4, 7} {
		e, clock, outcomes := newTestEngine(t, ceiling)
		ch := &fakeChannel{key: "s1"}
		require.NoError(t, e.Send(ch, []byte("con")))

		for i := uint32(0); i < ceiling; i++ {
			expire(e, clock)
			require.Empty(t, *outcomes, "failed early at timeout %d of ceiling %d", i+1, ceiling)
			assert.Equal(t, i+1, ch.retryCount)
		}
		assert.Len(t, ch.sent, int(ceiling)+1, "initial send plus %d retransmissions", ceiling)

		expire(e, clock)
		require.Len(t, *outcomes, 1)
		assert.Equal(t, Outcome{Key: "s1", State: StateFailed, Reason: nack.TooManyRetries, Retransmissions: ceiling}, (*outcomes)[0])
		assert.Len(t, ch.sent, int(ceiling)+1)

		// Further ticks never report again.
		clock.Advance(time.Hour)
		e.Tick(clock.Now())
		assert.Len(t, *outcomes, 1)
		assert.Equal(t, StateIdle, e.State("s1"))
	}
}

func TestRetryCeilingFourScenario(t *testing.T) {
	e, clock, outcomes := newTestEngine(t, 4)
	ch := &fakeChannel{key: "203.0.113.5:40000"}
	require.NoError(t, e.Send(ch, []byte("con")))

	for i := 0; i < 5; i++ {
		expire(e, clock)
	}

	require.Len(t, *outcomes, 1)
	assert.Equal(t, StateFailed, (*outcomes)[0].State)
	assert.Equal(t, nack.TooManyRetries, (*outcomes)[0].Reason)
	assert.Len(t, ch.sent, 5)
}

func TestBackoffDoublesBetweenRetransmissions(t *testing.T) {
	e, clock, _ := newTestEngine(t, 4)
	start := clock.Now()
	ch := &fakeChannel{key: "s"}
	require.NoError(t, e.Send(ch, []byte("con")))

	var gaps []time.Duration
	prev := start
	for i := 0; i < 4; i++ {
		next, ok := e.NextDeadline()
		require.True(t, ok)
		gaps = append(gaps, next.Sub(prev))
		prev = next
		expire(e, clock)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, gaps)
}

func TestInitialTimeoutWithinRandomFactor(t *testing.T) {
	clock := &MockTimeProvider{currentTime: time.Unix(0, 0)}
	cfg := DefaultConfig()
	cfg.TimeProvider = clock
	cfg.Rand = rand.New(rand.NewSource(42))
	e := NewEngine(cfg)

	for i := 0; i < 50; i++ {
		ch := &fakeChannel{key: string(rune('a' + i))}
		require.NoError(t, e.Send(ch, []byte("x")))
		timeout := e.exchanges[ch.key].deadline.Sub(clock.Now())
		assert.GreaterOrEqual(t, timeout, DefaultAckTimeout)
		assert.LessOrEqual(t, timeout, time.Duration(float64(DefaultAckTimeout)*DefaultAckRandomFactor))
	}
}

func TestAckStopsRetransmission(t *testing.T) {
	for attempt := 0; attempt <= 4; attempt++ {
		e, clock, outcomes := newTestEngine(t, 4)
		ch := &fakeChannel{key: "s"}
		require.NoError(t, e.Send(ch, []byte("con")))

		for i := 0; i < attempt; i++ {
			expire(e, clock)
		}
		require.True(t, e.Ack("s"))
		require.Len(t, *outcomes, 1)
		assert.Equal(t, StateDelivered, (*outcomes)[0].State)
		assert.Equal(t, uint32(attempt), (*outcomes)[0].Retransmissions)

		sent := len(ch.sent)
		clock.Advance(time.Hour)
		e.Tick(clock.Now())
		assert.Len(t, ch.sent, sent)
		assert.Len(t, *outcomes, 1)
		assert.False(t, e.Ack("s"))

		_, ok := e.NextDeadline()
		assert.False(t, ok)
	}
}

func TestRSTWhileAwaitingAckFailsImmediately(t *testing.T) {
	e, clock, outcomes := newTestEngine(t, 4)
	ch := &fakeChannel{key: "s"}
	require.NoError(t, e.Send(ch, []byte("con")))
	expire(e, clock)
	require.Equal(t, StateAwaitingAck, e.State("s"))

	ch.queue(nack.RST)
	assert.True(t, e.Nack(ch))

	require.Len(t, *outcomes, 1)
	assert.Equal(t, Outcome{Key: "s", State: StateFailed, Reason: nack.RST, Retransmissions: 1}, (*outcomes)[0])
	assert.Len(t, ch.sent, 2)
}

func TestNonRetryableReasonsFail(t *testing.T) {
	for _, r := range []nack.Reason{nack.RST, nack.TLSFailed, nack.TLSLayerFailed, nack.WSFailed, nack.WSLayerFailed, nack.ICMPIssue} {
		t.Run(r.String(), func(t *testing.T) {
			e, _, outcomes := newTestEngine(t, 4)
			ch := &fakeChannel{key: "s"}
			require.NoError(t, e.Send(ch, []byte("con")))
			ch.queue(r)
			e.Nack(ch)
			require.Len(t, *outcomes, 1)
			assert.Equal(t, r, (*outcomes)[0].Reason)
		})
	}
}

func TestRetryableNackWaitsForTimer(t *testing.T) {
	e, clock, outcomes := newTestEngine(t, 4)
	ch := &fakeChannel{key: "s"}
	require.NoError(t, e.Send(ch, []byte("con")))

	ch.queue(nack.BadResponse)
	require.True(t, e.Nack(ch))
	assert.Equal(t, StateRetrying, e.State("s"))
	assert.Empty(t, *outcomes)
	assert.Len(t, ch.sent, 1)

	expire(e, clock)
	assert.Equal(t, StateAwaitingAck, e.State("s"))
	assert.Len(t, ch.sent, 2)
	assert.Equal(t, uint32(1), e.Retries("s"))
}

func TestPolicyMakesNotDeliverableTerminal(t *testing.T) {
	clock := &MockTimeProvider{currentTime: time.Unix(0, 0)}
	cfg := DefaultConfig()
	cfg.TimeProvider = clock
	cfg.Policy = nack.Policy{RetryBadResponse: true}
	e := NewEngine(cfg)

	var got []Outcome
	e.OnOutcome(func(o Outcome) { got = append(got, o) })

	ch := &fakeChannel{key: "s"}
	require.NoError(t, e.Send(ch, []byte("con")))
	ch.queue(nack.NotDeliverable)
	e.Nack(ch)

	require.Len(t, got, 1)
	assert.Equal(t, nack.NotDeliverable, got[0].Reason)
}

func TestTransmitFailureUsesQueuedNack(t *testing.T) {
	e, _, outcomes := newTestEngine(t, 4)
	ch := &fakeChannel{key: "s", failNext: errors.New("send failed")}
	ch.queue(nack.ICMPIssue)

	require.NoError(t, e.Send(ch, []byte("con")))
	require.Len(t, *outcomes, 1)
	assert.Equal(t, nack.ICMPIssue, (*outcomes)[0].Reason)
}

func TestTransmitFailureWithoutNackRetries(t *testing.T) {
	e, clock, outcomes := newTestEngine(t, 4)
	ch := &fakeChannel{key: "s", failNext: errors.New("send failed")}

	require.NoError(t, e.Send(ch, []byte("con")))
	assert.Empty(t, *outcomes)
	assert.Equal(t, StateRetrying, e.State("s"))

	expire(e, clock)
	assert.Len(t, ch.sent, 1)
	assert.Equal(t, StateAwaitingAck, e.State("s"))
}

func TestSendValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, 4)
	ch := &fakeChannel{key: "s"}

	assert.ErrorIs(t, e.Send(nil, []byte("x")), ErrNilChannel)
	assert.ErrorIs(t, e.Send(ch, nil), limits.ErrMessageEmpty)

	require.NoError(t, e.Send(ch, []byte("x")))
	assert.ErrorIs(t, e.Send(ch, []byte("y")), ErrBusy)

	require.True(t, e.Ack("s"))
	assert.NoError(t, e.Send(ch, []byte("z")))
}

func TestAbandonReportsOnce(t *testing.T) {
	e, _, outcomes := newTestEngine(t, 4)
	ch := &fakeChannel{key: "s"}
	require.NoError(t, e.Send(ch, []byte("con")))
	ch.queue(nack.ICMPIssue)

	assert.True(t, e.Abandon(ch))
	assert.False(t, e.Abandon(ch))
	require.Len(t, *outcomes, 1)
	assert.Equal(t, nack.ICMPIssue, (*outcomes)[0].Reason)

	_, ok := ch.TakeNack()
	assert.False(t, ok)
}

func TestNackWithoutExchangeIsDrained(t *testing.T) {
	e, _, outcomes := newTestEngine(t, 4)
	ch := &fakeChannel{key: "idle"}
	ch.queue(nack.RST)

	assert.False(t, e.Nack(ch))
	assert.Empty(t, *outcomes)
	_, ok := ch.TakeNack()
	assert.False(t, ok)
}

func TestNextDeadlineTracksEarliest(t *testing.T) {
	e, clock, _ := newTestEngine(t, 4)
	_, ok := e.NextDeadline()
	assert.False(t, ok)

	require.NoError(t, e.Send(&fakeChannel{key: "a"}, []byte("x")))
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, e.Send(&fakeChannel{key: "b"}, []byte("x")))

	next, ok := e.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(500*time.Millisecond), next)
	assert.Equal(t, 2, e.Pending())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-ack", StateAwaitingAck.String())
	assert.True(t, StateDelivered.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRetrying.Terminal())
}
