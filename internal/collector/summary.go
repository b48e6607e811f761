package collector

import (
	"sort"
	"time"

	"brokerstorm/internal/core"
)

// PoolSummary is the terminal-state breakdown of one pool.
type PoolSummary struct {
	Role           core.Role `json:"-"`
	Sessions       int       `json:"sessions"`
	Created        int       `json:"created"`
	Running        int       `json:"running"`
	Completed      int       `json:"completed"`
	ClosedByPolicy int       `json:"closedByPolicy"`
	Failed         int       `json:"failed"`
	// Messages is the sum of the sessions' local counts: sent for a publisher
	// pool, received for a subscriber pool.
	Messages int64            `json:"messages"`
	Failures []SessionFailure `json:"failures,omitempty"`
	// Durations describes how long terminated sessions ran.
	Durations DurationStats `json:"-"`
}

// SessionFailure names a failed session and its cause.
type SessionFailure struct {
	Session string `json:"session"`
	Index   int    `json:"index"`
	Count   int64  `json:"count"`
	Error   string `json:"error"`
}

// Terminal is the number of sessions that reached a terminal state.
func (s PoolSummary) Terminal() int {
	return s.Completed + s.ClosedByPolicy + s.Failed
}

// Done reports whether every session reached a terminal state.
func (s PoolSummary) Done() bool {
	return s.Terminal() == s.Sessions
}

// Summarize folds session statuses into a PoolSummary. Failures are ordered by
// session index.
func Summarize(role core.Role, statuses []core.SessionStatus) PoolSummary {
	s := PoolSummary{Role: role, Sessions: len(statuses)}
	var durations []time.Duration
	for _, st := range statuses {
		s.Messages += st.Count
		if st.State.Terminal() {
			durations = append(durations, st.Duration())
		}
		switch st.State {
		case core.StateCreated:
			s.Created++
		case core.StateRunning:
			s.Running++
		case core.StateCompleted:
			s.Completed++
		case core.StateClosedByPolicy:
			s.ClosedByPolicy++
		case core.StateFailed:
			s.Failed++
			f := SessionFailure{Session: st.ID, Index: st.Index, Count: st.Count}
			if st.Err != nil {
				f.Error = st.Err.Error()
			}
			s.Failures = append(s.Failures, f)
		}
	}
	sort.Slice(s.Failures, func(i, j int) bool { return s.Failures[i].Index < s.Failures[j].Index })
	s.Durations = ComputeDurationStats(durations)
	return s
}
