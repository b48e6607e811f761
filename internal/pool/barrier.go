package pool

import (
	"context"
	"time"

	"brokerstorm/internal/collector"
)

// Outcome is what a completion wait observed.
type Outcome struct {
	// TimedOut is set when the wait ended before every session terminated.
	// Counts and Summary are then partial.
	TimedOut bool
	Counts   collector.Counts
	Summary  collector.PoolSummary
}

// AwaitCompletion blocks until every session of p has terminated or timeout
// elapses, whichever is first. Failed sessions count as terminated. A
// timeout is not an error: the outcome is marked TimedOut and carries the
// counts at that moment. A timeout of zero or less waits without limit.
// If ctx ends first the partial outcome is returned with ctx's error.
func AwaitCompletion(ctx context.Context, p *Pool, timeout time.Duration) (Outcome, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.Done():
		return p.outcome(false), nil
	case <-expired:
		// A pool that finished at the same instant is complete, not late.
		select {
		case <-p.Done():
			return p.outcome(false), nil
		default:
		}
		return p.outcome(true), nil
	case <-ctx.Done():
		return p.outcome(true), ctx.Err()
	}
}

// outcome snapshots the aggregate and the pool together, so the summary's
// message total is consistent with the counts.
func (p *Pool) outcome(timedOut bool) Outcome {
	out := Outcome{TimedOut: timedOut}
	p.agg.Observe(func(c collector.Counts) {
		out.Counts = c
		out.Summary = p.Summary()
	})
	return out
}
