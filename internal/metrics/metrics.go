// Package metrics exports a running scenario to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
	"brokerstorm/internal/pool"
	"brokerstorm/internal/scenario"
)

const (
	prefix = "brokerstorm_"

	roleLabel  = "role"
	stateLabel = "state"

	shutdownTimeout = 5 * time.Second
)

var (
	messagesDesc = prometheus.NewDesc(
		prefix+"messages_total",
		"Messages sent by publishers or received by subscribers.",
		[]string{roleLabel}, nil,
	)
	sessionsDesc = prometheus.NewDesc(
		prefix+"sessions",
		"Sessions by role and lifecycle state.",
		[]string{roleLabel, stateLabel}, nil,
	)
	elapsedDesc = prometheus.NewDesc(
		prefix+"scenario_elapsed_seconds",
		"Time since the observed scenario started.",
		nil, nil,
	)
)

var states = []core.State{
	core.StateCreated,
	core.StateRunning,
	core.StateCompleted,
	core.StateClosedByPolicy,
	core.StateFailed,
}

// RunCollector is a prometheus.Collector over the scenario run it was last
// handed. Counts and session states are read at scrape time.
type RunCollector struct {
	clock core.Clock

	mu      sync.RWMutex
	run     *scenario.Run
	started time.Time
}

// NewRunCollector creates a collector that reports nothing until Observe is called.
func NewRunCollector(clock core.Clock) *RunCollector {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &RunCollector{clock: clock}
}

// Observe switches the collector to r. Its signature matches
// scenario.WithStartHook.
func (c *RunCollector) Observe(r scenario.Run) {
	c.mu.Lock()
	c.run = &r
	c.started = c.clock.Now()
	c.mu.Unlock()
}

func (c *RunCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- messagesDesc
	ch <- sessionsDesc
	ch <- elapsedDesc
}

func (c *RunCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	run, started := c.run, c.started
	c.mu.RUnlock()
	if run == nil {
		return
	}

	var counts collector.Counts
	var pubStates, subStates []core.State
	run.Aggregator.Observe(func(cnt collector.Counts) {
		counts = cnt
		pubStates = run.Publishers.SessionStates()
		subStates = run.Subscribers.SessionStates()
	})

	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.CounterValue, float64(counts.Sent), core.RolePublish.String())
	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.CounterValue, float64(counts.Received), core.RoleSubscribe.String())
	collectStates(ch, run.Publishers, pubStates)
	collectStates(ch, run.Subscribers, subStates)
	ch <- prometheus.MustNewConstMetric(elapsedDesc, prometheus.GaugeValue, c.clock.Since(started).Seconds())
}

func collectStates(ch chan<- prometheus.Metric, p *pool.Pool, current []core.State) {
	byState := make(map[core.State]int, len(states))
	for _, st := range current {
		byState[st]++
	}
	for _, st := range states {
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(byState[st]), p.Role().String(), st.String())
	}
}

// NewRegistry returns a registry holding c and the Go runtime and process collectors.
func NewRegistry(c *RunCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg prometheus.Gatherer, logger log.FieldLogger) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      logger,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Serve exposes reg on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg prometheus.Gatherer, logger log.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg, logger))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	logger.WithField("addr", addr).Info("serving metrics")

	select {
	case err := <-errs:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "stopping metrics server")
	}
	return nil
}
