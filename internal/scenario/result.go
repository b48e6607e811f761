package scenario

import (
	"time"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
	"brokerstorm/internal/transport"
)

// Result is what a scenario observed: the final aggregate counts and the
// terminal-state breakdown of each pool, taken together at one instant.
type Result struct {
	Name        string
	Destination transport.Destination
	Counts      collector.Counts
	Publishers  collector.PoolSummary
	Subscribers collector.PoolSummary
	// TimedOut marks a partial result: some session had not terminated when
	// the timeout elapsed.
	TimedOut bool
	// Duplicates is the number of deliveries whose key was already seen. It
	// is only counted when duplicate detection is on.
	Duplicates int64
	Duration   time.Duration
}

// Reconciled reports whether every sent message was received exactly as
// often as it was sent, in total.
func (r *Result) Reconciled() bool {
	return r.Counts.Received == r.Counts.Sent
}

// Err returns core.ErrTimeout for a timed-out result and nil otherwise.
func (r *Result) Err() error {
	if r.TimedOut {
		return core.ErrTimeout
	}
	return nil
}

// Report converts the result into a report with derived rates.
func (r *Result) Report() *collector.Report {
	return collector.ComputeReport(collector.Report{
		Scenario:    r.Name,
		Destination: r.Destination.String(),
		Counts:      r.Counts,
		Publishers:  r.Publishers,
		Subscribers: r.Subscribers,
		TimedOut:    r.TimedOut,
		Duplicates:  r.Duplicates,
		Duration:    r.Duration,
	})
}
