// Package core defines the vocabulary shared by sessions, pools and reports.
package core

import (
	"fmt"
	"time"
)

// Role selects what a session does against its destination.
type Role int

const (
	RolePublish Role = iota + 1
	RoleSubscribe
)

func (r Role) String() string {
	switch r {
	case RolePublish:
		return "publisher"
	case RoleSubscribe:
		return "subscriber"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is a session lifecycle state.
//
//	Created -> Running -> {Completed, ClosedByPolicy, Failed}
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateClosedByPolicy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateClosedByPolicy:
		return "closed_by_policy"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateClosedByPolicy || s == StateFailed
}

// Cause records why a session reached its terminal state.
type Cause int

const (
	CauseNone Cause = iota
	CauseNaturalCompletion
	CauseExternallyClosed
	CauseFailure
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseNaturalCompletion:
		return "natural_completion"
	case CauseExternallyClosed:
		return "externally_closed"
	case CauseFailure:
		return "failure"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// CauseOf maps a terminal state to its cause.
func CauseOf(s State) Cause {
	switch s {
	case StateCompleted:
		return CauseNaturalCompletion
	case StateClosedByPolicy:
		return CauseExternallyClosed
	case StateFailed:
		return CauseFailure
	default:
		return CauseNone
	}
}

// SessionStatus is a point-in-time view of one session, used for diagnostics.
type SessionStatus struct {
	ID        string
	Index     int
	Role      Role
	State     State
	Cause     Cause
	Count     int64
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration is the time the session spent between start and termination.
// For sessions that have not terminated it is zero.
func (s SessionStatus) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
