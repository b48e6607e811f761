package collector

import (
	"sort"
	"time"
)

// Report is the outcome of one scenario, with derived rates and ratios.
type Report struct {
	Scenario    string        `json:"scenario"`
	Destination string        `json:"destination"`
	Counts      Counts        `json:"counts"`
	Publishers  PoolSummary   `json:"publishers"`
	Subscribers PoolSummary   `json:"subscribers"`
	TimedOut    bool          `json:"timedOut"`
	Duplicates  int64         `json:"duplicates"`
	Duration    time.Duration `json:"-"`

	DeliveryRatio float64 `json:"deliveryRatio"`
	SendRate      float64 `json:"sendRate"`
	ReceiveRate   float64 `json:"receiveRate"`
}

// ComputeReport fills in the derived fields of r. Pure function: it returns a
// copy and leaves r untouched.
func ComputeReport(r Report) *Report {
	out := r
	if out.Counts.Sent > 0 {
		out.DeliveryRatio = float64(out.Counts.Received) / float64(out.Counts.Sent)
	}
	if out.Duration > 0 {
		secs := out.Duration.Seconds()
		out.SendRate = float64(out.Counts.Sent) / secs
		out.ReceiveRate = float64(out.Counts.Received) / secs
	}
	return &out
}

// Missing is how many sent messages no subscriber received. It is negative
// when the broker delivered duplicates.
func (r *Report) Missing() int64 {
	return r.Counts.Sent - r.Counts.Received
}

// DurationStats summarises a set of session run times.
type DurationStats struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	Avg time.Duration `json:"avg"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P99 time.Duration `json:"p99"`
}

// ComputePercentile returns the nearest-rank percentile p (0..1) of a sorted slice.
func ComputePercentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// ComputeDurationStats calculates statistics over durations.
func ComputeDurationStats(durations []time.Duration) DurationStats {
	if len(durations) == 0 {
		return DurationStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return DurationStats{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: total / time.Duration(len(sorted)),
		P50: ComputePercentile(sorted, 0.50),
		P90: ComputePercentile(sorted, 0.90),
		P99: ComputePercentile(sorted, 0.99),
	}
}
