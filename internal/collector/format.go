package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// FormatText writes a report in human-readable form.
func FormatText(w io.Writer, r *Report, expectations *ExpectationResults) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Brokerstorm - Scenario Results")
	fmt.Fprintln(w, "==============================")
	fmt.Fprintln(w, "")
	if r.Scenario != "" {
		fmt.Fprintf(w, "Scenario:       %s\n", r.Scenario)
	}
	fmt.Fprintf(w, "Destination:    %s\n", r.Destination)
	fmt.Fprintf(w, "Duration:       %v\n", r.Duration.Round(time.Millisecond))
	if r.TimedOut {
		fmt.Fprintln(w, "Status:         TIMED OUT (partial results)")
	} else {
		fmt.Fprintln(w, "Status:         completed")
	}
	fmt.Fprintf(w, "Sent:           %s (%.1f msg/s)\n", formatNumber(r.Counts.Sent), r.SendRate)
	fmt.Fprintf(w, "Received:       %s (%.1f msg/s)\n", formatNumber(r.Counts.Received), r.ReceiveRate)
	fmt.Fprintf(w, "Delivery Ratio: %.4f\n", r.DeliveryRatio)
	if missing := r.Missing(); missing != 0 {
		fmt.Fprintf(w, "Missing:        %s\n", formatNumber(missing))
	}
	if r.Duplicates > 0 {
		fmt.Fprintf(w, "Duplicates:     %s\n", formatNumber(r.Duplicates))
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Sessions:")
	writePoolLine(w, "publishers", r.Publishers)
	writePoolLine(w, "subscribers", r.Subscribers)

	failures := append(append([]SessionFailure{}, r.Publishers.Failures...), r.Subscribers.Failures...)
	if len(failures) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Failures:")
		for _, f := range failures {
			fmt.Fprintf(w, "  #%-4d %s after %s messages: %s\n", f.Index, f.Session, formatNumber(f.Count), f.Error)
		}
	}

	if expectations != nil && len(expectations.Results) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Expectations:")
		for _, result := range expectations.Results {
			symbol := "✓"
			if !result.Passed {
				symbol = "✗"
			}
			fmt.Fprintf(w, "  %s %s %s (actual: %s)\n",
				symbol, result.Name, result.Expected, result.Actual)
		}
	}
}

func writePoolLine(w io.Writer, name string, s PoolSummary) {
	fmt.Fprintf(w, "  %-12s %4d total  %4d completed  %4d closed  %4d failed  %4d running  msgs=%s  p50=%s  max=%s\n",
		name, s.Sessions, s.Completed, s.ClosedByPolicy, s.Failed, s.Running+s.Created,
		formatNumber(s.Messages), FormatDuration(s.Durations.P50), FormatDuration(s.Durations.Max))
}

// FormatJSON writes a report as indented JSON.
func FormatJSON(w io.Writer, r *Report, expectations *ExpectationResults) {
	output := struct {
		*Report
		Duration     string              `json:"duration"`
		Missing      int64               `json:"missing"`
		Expectations *ExpectationResults `json:"expectations,omitempty"`
	}{
		Report:       r,
		Duration:     r.Duration.Round(time.Millisecond).String(),
		Missing:      r.Missing(),
		Expectations: expectations,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output) // stdout errors are unrecoverable
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// formatNumber groups thousands: 1234567 -> 1,234,567.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
