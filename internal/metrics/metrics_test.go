package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerstorm/internal/core"
	"brokerstorm/internal/scenario"
	"brokerstorm/internal/session"
	"brokerstorm/internal/transport"
	"brokerstorm/internal/transport/memory"
)

func runObserved(t *testing.T, c *RunCollector) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	o := scenario.New(memory.NewBroker(), scenario.WithLogger(logger), scenario.WithStartHook(c.Observe))
	res, err := o.RunScenario(context.Background(), scenario.Scenario{
		Destination: transport.Destination{Name: "metrics"},
		Publisher:   session.Config{Target: 10},
		Publishers:  2,
		Subscriber:  session.Config{Target: 10},
		Subscribers: 2,
		Closing:     1,
		CloseAfter:  5,
		Timeout:     time.Minute,
	})
	require.NoError(t, err)
	require.False(t, res.TimedOut)
}

func TestRunCollector_EmptyUntilObserved(t *testing.T) {
	c := NewRunCollector(nil)
	assert.Zero(t, testutil.CollectAndCount(c))
}

func TestRunCollector_CountsAndStates(t *testing.T) {
	c := NewRunCollector(nil)
	runObserved(t, c)

	expected := `
# HELP brokerstorm_messages_total Messages sent by publishers or received by subscribers.
# TYPE brokerstorm_messages_total counter
brokerstorm_messages_total{role="publisher"} 20
brokerstorm_messages_total{role="subscriber"} 15
# HELP brokerstorm_sessions Sessions by role and lifecycle state.
# TYPE brokerstorm_sessions gauge
brokerstorm_sessions{role="publisher",state="closed_by_policy"} 0
brokerstorm_sessions{role="publisher",state="completed"} 2
brokerstorm_sessions{role="publisher",state="created"} 0
brokerstorm_sessions{role="publisher",state="failed"} 0
brokerstorm_sessions{role="publisher",state="running"} 0
brokerstorm_sessions{role="subscriber",state="closed_by_policy"} 1
brokerstorm_sessions{role="subscriber",state="completed"} 1
brokerstorm_sessions{role="subscriber",state="created"} 0
brokerstorm_sessions{role="subscriber",state="failed"} 0
brokerstorm_sessions{role="subscriber",state="running"} 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected), "brokerstorm_messages_total", "brokerstorm_sessions")
	assert.NoError(t, err)
}

func TestRunCollector_Elapsed(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	c := NewRunCollector(clock)
	runObserved(t, c)
	clock.Advance(3 * time.Second)

	expected := `
# HELP brokerstorm_scenario_elapsed_seconds Time since the observed scenario started.
# TYPE brokerstorm_scenario_elapsed_seconds gauge
brokerstorm_scenario_elapsed_seconds 3
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "brokerstorm_scenario_elapsed_seconds"))
}

func TestHandler(t *testing.T) {
	c := NewRunCollector(nil)
	runObserved(t, c)
	logger, _ := test.NewNullLogger()

	rec := httptest.NewRecorder()
	Handler(NewRegistry(c), logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `brokerstorm_messages_total{role="publisher"} 20`)
	assert.Contains(t, body, "go_goroutines")
}

func TestServe(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := NewRegistry(NewRunCollector(nil))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- Serve(ctx, "127.0.0.1:0", reg, logger) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not stop")
	}

	err := Serve(context.Background(), "256.0.0.1:bad", reg, logger)
	assert.Error(t, err)
}
