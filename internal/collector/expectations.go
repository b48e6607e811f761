package collector

import (
	"fmt"
)

// Expectations define pass/fail criteria for a scenario report. Unset fields
// are not checked.
type Expectations struct {
	Sent              *int64  `yaml:"sent"`
	Received          *int64  `yaml:"received"`
	MinDeliveryRatio  float64 `yaml:"min_delivery_ratio"`
	MaxFailedSessions *int    `yaml:"max_failed_sessions"`
	// AllowTimeout accepts a report whose completion wait timed out.
	AllowTimeout bool `yaml:"allow_timeout"`
}

// ExpectationResult is the outcome of a single check.
type ExpectationResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ExpectationResults contains all check outcomes.
type ExpectationResults struct {
	Passed  bool                `json:"passed"`
	Results []ExpectationResult `json:"results"`
}

// Check evaluates the expectations against r.
func (e *Expectations) Check(r *Report) *ExpectationResults {
	results := &ExpectationResults{Passed: true, Results: make([]ExpectationResult, 0)}
	if e == nil {
		return results
	}

	if !e.AllowTimeout {
		results.add("completed", !r.TimedOut, "true", fmt.Sprintf("%t", !r.TimedOut))
	}
	if e.Sent != nil {
		results.add("sent", r.Counts.Sent == *e.Sent,
			formatNumber(*e.Sent), formatNumber(r.Counts.Sent))
	}
	if e.Received != nil {
		results.add("received", r.Counts.Received == *e.Received,
			formatNumber(*e.Received), formatNumber(r.Counts.Received))
	}
	if e.MinDeliveryRatio > 0 {
		results.add("delivery_ratio", r.DeliveryRatio >= e.MinDeliveryRatio,
			fmt.Sprintf(">= %.4f", e.MinDeliveryRatio), fmt.Sprintf("%.4f", r.DeliveryRatio))
	}
	if e.MaxFailedSessions != nil {
		failed := r.Publishers.Failed + r.Subscribers.Failed
		results.add("failed_sessions", failed <= *e.MaxFailedSessions,
			fmt.Sprintf("<= %d", *e.MaxFailedSessions), fmt.Sprintf("%d", failed))
	}
	return results
}

func (r *ExpectationResults) add(name string, passed bool, expected, actual string) {
	if !passed {
		r.Passed = false
	}
	r.Results = append(r.Results, ExpectationResult{
		Name:     name,
		Passed:   passed,
		Expected: expected,
		Actual:   actual,
	})
}

// Violations returns only the failed results.
func (r *ExpectationResults) Violations() []ExpectationResult {
	violations := make([]ExpectationResult, 0)
	for _, result := range r.Results {
		if !result.Passed {
			violations = append(violations, result)
		}
	}
	return violations
}
