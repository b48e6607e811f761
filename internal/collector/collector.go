// Package collector aggregates message counts across sessions and turns
// scenario outcomes into reports.
package collector

import (
	"sync"
	"sync/atomic"

	"brokerstorm/internal/core"
)

// Counts is a point-in-time pair of aggregate totals.
type Counts struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

// Add returns the element-wise sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{Sent: c.Sent + o.Sent, Received: c.Received + o.Received}
}

// Aggregator holds the cross-session totals. Every session of a scenario
// increments the same Aggregator; any number of observers may snapshot it
// concurrently. Both totals share one mutex so that a snapshot is a consistent
// pair: it reflects exactly the increments that completed before it.
type Aggregator struct {
	mu     sync.Mutex
	counts Counts
}

// NewAggregator creates an Aggregator with zero totals.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Increment adds amount to the total for role. Amounts that are not positive
// are ignored so totals never decrease.
func (a *Aggregator) Increment(role core.Role, amount int64) {
	if amount <= 0 {
		return
	}
	a.mu.Lock()
	switch role {
	case core.RolePublish:
		a.counts.Sent += amount
	case core.RoleSubscribe:
		a.counts.Received += amount
	}
	a.mu.Unlock()
}

// Record adds one message for role and bumps the session-local counter in the
// same critical section, so the totals always equal the sum of the local
// counts recorded through it. It returns the new local count.
func (a *Aggregator) Record(role core.Role, local *atomic.Int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case core.RolePublish:
		a.counts.Sent++
	case core.RoleSubscribe:
		a.counts.Received++
	}
	return local.Add(1)
}

// Observe calls f with the current totals while holding off increments.
// Local counts read inside f are consistent with the totals. f must not call
// back into the Aggregator.
func (a *Aggregator) Observe(f func(Counts)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f(a.counts)
}

// Snapshot returns the current totals.
func (a *Aggregator) Snapshot() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// SplitTarget divides total across n sessions. The first total%n sessions
// take one extra message, so the split is deterministic and sums to total.
func SplitTarget(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	if total < 0 {
		total = 0
	}
	share := total / int64(n)
	rem := total % int64(n)
	out := make([]int64, n)
	for i := range out {
		out[i] = share
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}
