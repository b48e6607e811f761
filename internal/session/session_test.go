package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
	"brokerstorm/internal/transport"
	"brokerstorm/internal/transport/memory"
)

var testQueue = transport.Destination{Name: "orders", Kind: transport.KindQueue}

func publisherConfig(target int64) Config {
	return Config{
		Role:        core.RolePublish,
		Destination: testQueue,
		Endpoint:    transport.Endpoint{ClientID: "pub"},
		Target:      target,
	}
}

func subscriberConfig(target int64) Config {
	return Config{
		Role:        core.RoleSubscribe,
		Destination: testQueue,
		Endpoint:    transport.Endpoint{ClientID: "sub"},
		Target:      target,
	}
}

// fill publishes n messages to the test queue and waits for them to land.
func fill(t *testing.T, broker *memory.Broker, n int64) {
	t.Helper()
	s := New("filler", 0, publisherConfig(n), collector.NewAggregator(), broker)
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, int(n), broker.Depth(testQueue.Name))
}

func runAsync(s *Session) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	return errc
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not terminate; state %s", s.ID(), s.State())
	}
}

func TestPublisher_CompletesAtTarget(t *testing.T) {
	broker := memory.NewBroker()
	agg := collector.NewAggregator()
	s := New("publisher-0", 0, publisherConfig(100), agg, broker)
	assert.Equal(t, core.StateCreated, s.State())

	require.NoError(t, s.Run(context.Background()))

	st := s.Status()
	assert.Equal(t, core.StateCompleted, st.State)
	assert.Equal(t, core.CauseNaturalCompletion, st.Cause)
	assert.Equal(t, int64(100), st.Count)
	assert.NoError(t, st.Err)
	assert.False(t, st.EndedAt.Before(st.StartedAt))
	assert.Equal(t, collector.Counts{Sent: 100}, agg.Snapshot())
	assert.Equal(t, 100, broker.Depth(testQueue.Name))
	assert.Empty(t, broker.Clients(), "connection released")
}

func TestSubscriber_CompletesAtTarget(t *testing.T) {
	broker := memory.NewBroker()
	fill(t, broker, 30)

	agg := collector.NewAggregator()
	s := New("subscriber-0", 0, subscriberConfig(20), agg, broker)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, core.StateCompleted, s.State())
	assert.Equal(t, int64(20), s.Count())
	assert.Equal(t, collector.Counts{Received: 20}, agg.Snapshot())
	assert.Equal(t, 10, broker.Depth(testQueue.Name))
}

func TestSubscriber_CloseAfterThreshold(t *testing.T) {
	for _, mode := range []transport.AckMode{transport.AckAuto, transport.AckClient} {
		t.Run(string(mode), func(t *testing.T) {
			broker := memory.NewBroker()
			fill(t, broker, 100)

			cfg := subscriberConfig(100)
			cfg.AckMode = mode
			agg := collector.NewAggregator()
			s := New("subscriber-0", 0, cfg, agg, broker)
			s.CloseAfter(10)

			require.NoError(t, s.Run(context.Background()))

			assert.Equal(t, core.StateClosedByPolicy, s.State())
			assert.Equal(t, core.CauseExternallyClosed, s.Status().Cause)
			assert.Equal(t, int64(10), s.Count())
			assert.Equal(t, int64(10), agg.Snapshot().Received)
			assert.Equal(t, 90, broker.Depth(testQueue.Name), "nothing beyond the threshold is consumed")
		})
	}
}

func TestSubscriber_CloseAfterAlreadyPastThreshold(t *testing.T) {
	broker := memory.NewBroker()
	fill(t, broker, 50)

	s := New("subscriber-0", 0, subscriberConfig(100), collector.NewAggregator(), broker)
	errc := runAsync(s)
	require.Eventually(t, func() bool { return s.Count() == 50 }, 5*time.Second, time.Millisecond)

	s.CloseAfter(10)
	waitDone(t, s)
	require.NoError(t, <-errc)
	assert.Equal(t, core.StateClosedByPolicy, s.State())
	assert.Equal(t, int64(50), s.Count())
}

func TestClose_WhileBlockedOnReceive(t *testing.T) {
	broker := memory.NewBroker()
	s := New("subscriber-0", 0, subscriberConfig(10), collector.NewAggregator(), broker)
	errc := runAsync(s)
	<-s.Ready()

	s.Close()
	waitDone(t, s)
	require.NoError(t, <-errc)
	assert.Equal(t, core.StateClosedByPolicy, s.State())
	assert.Zero(t, s.Count())
	assert.Empty(t, broker.Clients())
}

func TestClose_IsIdempotent(t *testing.T) {
	broker := memory.NewBroker()
	s := New("subscriber-0", 0, subscriberConfig(10), collector.NewAggregator(), broker)
	errc := runAsync(s)
	<-s.Ready()

	s.Close()
	s.Close()
	waitDone(t, s)
	require.NoError(t, <-errc)
	first := s.Status()

	s.Close()
	s.Complete()
	s.CloseAfter(1)
	assert.Equal(t, first, s.Status())
}

func TestClose_OnTerminalSessionIsNoop(t *testing.T) {
	broker := memory.NewBroker()
	s := New("publisher-0", 0, publisherConfig(5), collector.NewAggregator(), broker)
	require.NoError(t, s.Run(context.Background()))

	s.Close()
	assert.Equal(t, core.StateCompleted, s.State())
}

func TestClose_BeforeRun(t *testing.T) {
	broker := memory.NewBroker()
	var dials atomic.Int32
	broker.InjectDialFault(func(transport.Endpoint) error {
		dials.Add(1)
		return nil
	})

	s := New("subscriber-0", 0, subscriberConfig(10), collector.NewAggregator(), broker)
	s.Close()
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, core.StateClosedByPolicy, s.State())
	assert.Zero(t, dials.Load())
	assert.False(t, s.Status().StartedAt.IsZero())
}

func TestComplete_StopsAsCompleted(t *testing.T) {
	broker := memory.NewBroker()
	s := New("subscriber-0", 0, subscriberConfig(10), collector.NewAggregator(), broker)
	errc := runAsync(s)
	<-s.Ready()

	s.Complete()
	s.Close()
	waitDone(t, s)
	require.NoError(t, <-errc)
	assert.Equal(t, core.StateCompleted, s.State())
}

func TestRun_ContextCancelledClosesSession(t *testing.T) {
	broker := memory.NewBroker()
	s := New("subscriber-0", 0, subscriberConfig(10), collector.NewAggregator(), broker)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	<-s.Ready()
	cancel()

	waitDone(t, s)
	require.NoError(t, <-errc)
	assert.Equal(t, core.StateClosedByPolicy, s.State())
}

func TestRun_Twice(t *testing.T) {
	s := New("publisher-0", 0, publisherConfig(1), collector.NewAggregator(), memory.NewBroker())
	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, core.StateCompleted, s.State())
}

func TestFailure_KeepsPartialCounts(t *testing.T) {
	broker := memory.NewBroker()
	fill(t, broker, 10)
	broker.InjectReceiveFault(func(clientID string, n int64) error {
		if n > 3 {
			return errors.New("channel reset")
		}
		return nil
	})

	agg := collector.NewAggregator()
	s := New("subscriber-0", 0, subscriberConfig(10), agg, broker)
	err := s.Run(context.Background())

	require.Error(t, err)
	assert.True(t, core.IsTransportError(err))
	st := s.Status()
	assert.Equal(t, core.StateFailed, st.State)
	assert.Equal(t, core.CauseFailure, st.Cause)
	assert.Equal(t, err, st.Err)
	assert.Equal(t, int64(3), st.Count)
	assert.Equal(t, int64(3), agg.Snapshot().Received)
	assert.Empty(t, broker.Clients())
}

func TestFailure_PublishError(t *testing.T) {
	broker := memory.NewBroker()
	broker.InjectPublishFault(func(clientID string, n int64) error {
		if n == 6 {
			return errors.New("broker refused")
		}
		return nil
	})

	agg := collector.NewAggregator()
	s := New("publisher-0", 0, publisherConfig(10), agg, broker)
	err := s.Run(context.Background())

	require.Error(t, err)
	var te *core.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "publish", te.Op)
	assert.Equal(t, int64(5), s.Count())
	assert.Equal(t, int64(5), agg.Snapshot().Sent)
}

func TestFailure_Dial(t *testing.T) {
	broker := memory.NewBroker()
	broker.InjectDialFault(func(transport.Endpoint) error { return errors.New("connection refused") })

	s := New("subscriber-0", 0, subscriberConfig(10), collector.NewAggregator(), broker)
	err := s.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport dial: connection refused")
	assert.Equal(t, core.StateFailed, s.State())
	select {
	case <-s.Ready():
	default:
		t.Fatal("ready not closed for a failed session")
	}
}

func TestFailure_ConnectionLost(t *testing.T) {
	broker := memory.NewBroker()
	s := New("subscriber-0", 0, subscriberConfig(10), collector.NewAggregator(), broker)
	errc := runAsync(s)
	<-s.Ready()

	require.Equal(t, 1, broker.Kill("sub"))
	waitDone(t, s)
	err := <-errc
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrConnectionLost)
	assert.Equal(t, core.StateFailed, s.State())
}

func TestHooks(t *testing.T) {
	broker := memory.NewBroker()
	fill(t, broker, 5)

	var counted []int64
	var payloads int
	s := New("subscriber-0", 0, subscriberConfig(5), collector.NewAggregator(), broker,
		WithCountHook(func(n int64) { counted = append(counted, n) }),
		WithObserver(func([]byte) { payloads++ }),
	)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, counted)
	assert.Equal(t, 5, payloads)
}

func TestProgressLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := publisherConfig(10)
	cfg.ReportEvery = 4
	s := New("publisher-7", 7, cfg, collector.NewAggregator(), memory.NewBroker(), WithLogger(logger))
	require.NoError(t, s.Run(context.Background()))

	var progress []any
	for _, e := range hook.AllEntries() {
		assert.Equal(t, "publisher-7", e.Data["session"])
		assert.Equal(t, "publisher", e.Data["role"])
		assert.Equal(t, "queue://orders", e.Data["destination"])
		if e.Message == "progress" {
			progress = append(progress, e.Data["count"])
		}
	}
	assert.Equal(t, []any{int64(4), int64(8)}, progress)
}

func TestClock(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New("publisher-0", 0, publisherConfig(1), collector.NewAggregator(), memory.NewBroker(), WithClock(clock))
	require.NoError(t, s.Run(context.Background()))

	st := s.Status()
	assert.Equal(t, clock.Now(), st.StartedAt)
	assert.Zero(t, st.Duration())
}

func TestPublisher_PayloadsCarrySessionAndSequence(t *testing.T) {
	broker := memory.NewBroker()
	s := New("publisher-3", 3, publisherConfig(3), collector.NewAggregator(), broker)
	require.NoError(t, s.Run(context.Background()))

	var bodies []string
	sub := New("subscriber-0", 0, subscriberConfig(3), collector.NewAggregator(), broker,
		WithObserver(func(p []byte) { bodies = append(bodies, string(p)) }))
	require.NoError(t, sub.Run(context.Background()))

	require.Len(t, bodies, 3)
	for i, body := range bodies {
		assert.Contains(t, body, `"session":"publisher-3"`)
		assert.Contains(t, body, fmt.Sprintf(`"seq":%d`, i+1))
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, publisherConfig(1).Validate())
	assert.NoError(t, subscriberConfig(1).Validate())

	bad := Config{
		Role:        core.Role(9),
		Destination: transport.Destination{Kind: "exchange"},
		Target:      0,
		AckMode:     "dups_ok",
		Prefetch:    -1,
		ReportEvery: -1,
		Expiry:      -time.Second,
		Rate:        -1,
	}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
	for _, field := range []string{"role", "destination.name", "destination.kind", "messages", "ack_mode", "prefetch", "report_every", "expiry", "rate"} {
		assert.Contains(t, err.Error(), fmt.Sprintf("%q", field))
	}
}
