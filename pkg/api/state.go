package api

import (
	"fmt"
	"time"
)

// StateType is the lifecycle position of an Execution or a TaskRun.
type StateType string

const (
	StateCreated   StateType = "CREATED"
	StateQueued    StateType = "QUEUED"
	StateRunning   StateType = "RUNNING"
	StatePaused    StateType = "PAUSED"
	StateRestarted StateType = "RESTARTED"
	StateRetrying  StateType = "RETRYING"
	StateRetried   StateType = "RETRIED"
	StateWarning   StateType = "WARNING"
	StateSuccess   StateType = "SUCCESS"
	StateFailed    StateType = "FAILED"
	StateSkipped   StateType = "SKIPPED"
	StateKilling   StateType = "KILLING"
	StateKilled    StateType = "KILLED"
	StateCancelled StateType = "CANCELLED"
)

// AllStateTypes lists every state type in declaration order.
var AllStateTypes = []StateType{
	StateCreated, StateQueued, StateRunning, StatePaused, StateRestarted,
	StateRetrying, StateRetried, StateWarning, StateSuccess, StateFailed,
	StateSkipped, StateKilling, StateKilled, StateCancelled,
}

// IsTerminal reports whether no further transition is expected.
func (t StateType) IsTerminal() bool {
	switch t {
	case StateSuccess, StateFailed, StateSkipped, StateKilled, StateCancelled, StateWarning:
		return true
	}
	return false
}

// IsFailed reports whether the state counts as a failure for error propagation.
func (t StateType) IsFailed() bool {
	return t == StateFailed || t == StateCancelled
}

// IsKilled reports whether the state is part of the kill path.
func (t StateType) IsKilled() bool {
	return t == StateKilling || t == StateKilled
}

// transitions is the legal successor table. Extra edges beyond the core
// lifecycle: RUNNING->CANCELLED for SLA cancellation, and any state that has
// not reached a worker may be moved to KILLING.
var transitions = map[StateType][]StateType{
	StateCreated:   {StateRunning, StateKilling},
	StateRunning:   {StatePaused, StateRetrying, StateKilling, StateSuccess, StateWarning, StateFailed, StateSkipped, StateCancelled},
	StatePaused:    {StateRunning, StateKilling},
	StateKilling:   {StateKilled},
	StateFailed:    {StateRestarted},
	StateRestarted: {StateRunning, StateKilling},
	StateRetrying:  {StateRetried, StateKilling},
	StateRetried:   {StateRunning, StateKilling},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to StateType) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsLegal reports whether every consecutive pair of the history is a legal
// transition.
func (s State) IsLegal() bool {
	for i := 1; i < len(s.Histories); i++ {
		if !CanTransition(s.Histories[i-1].State, s.Histories[i].State) {
			return false
		}
	}
	return true
}

// History is a single entry of a State.
type History struct {
	State StateType `json:"state" bson:"state"`
	Date  time.Time `json:"date" bson:"date"`
}

// State is an append-only history of state types. The zero value is empty;
// use NewState to obtain a CREATED state.
type State struct {
	Histories []History `json:"histories" bson:"histories"`
}

// NewState returns a state whose only entry is CREATED at now.
func NewState(now time.Time) State {
	return State{Histories: []History{{State: StateCreated, Date: now}}}
}

// Current returns the type of the last history entry.
func (s State) Current() StateType {
	if len(s.Histories) == 0 {
		return ""
	}
	return s.Histories[len(s.Histories)-1].State
}

// StartDate returns the date of the first entry.
func (s State) StartDate() time.Time {
	if len(s.Histories) == 0 {
		return time.Time{}
	}
	return s.Histories[0].Date
}

// EndDate returns the date of the last entry when the state is terminal.
func (s State) EndDate() (time.Time, bool) {
	if !s.IsTerminal() {
		return time.Time{}, false
	}
	return s.Histories[len(s.Histories)-1].Date, true
}

// IsTerminal reports whether the current type is terminal.
func (s State) IsTerminal() bool {
	return s.Current().IsTerminal()
}

// Duration is the elapsed time between the first entry and the last entry
// for terminal states, or now otherwise.
func (s State) Duration(now time.Time) time.Duration {
	if len(s.Histories) == 0 {
		return 0
	}
	end := now
	if last, ok := s.EndDate(); ok {
		end = last
	}
	return end.Sub(s.StartDate())
}

// LastDateOf returns the date of the most recent entry of type t.
func (s State) LastDateOf(t StateType) (time.Time, bool) {
	for i := len(s.Histories) - 1; i >= 0; i-- {
		if s.Histories[i].State == t {
			return s.Histories[i].Date, true
		}
	}
	return time.Time{}, false
}

// IsJustRestarted reports whether the last two entries are RESTARTED then RUNNING.
func (s State) IsJustRestarted() bool {
	n := len(s.Histories)
	if n < 2 {
		return false
	}
	return s.Histories[n-2].State == StateRestarted && s.Histories[n-1].State == StateRunning
}

// Transition returns a copy of s with t appended. Illegal transitions return
// ErrIllegalTransition and leave s unchanged.
func (s State) Transition(t StateType, now time.Time) (State, error) {
	cur := s.Current()
	if cur == "" {
		if t != StateCreated {
			return s, fmt.Errorf("%w: <none> -> %s", ErrIllegalTransition, t)
		}
	} else if !CanTransition(cur, t) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, t)
	}
	// Dates never go backwards even if the clock does.
	if n := len(s.Histories); n > 0 && now.Before(s.Histories[n-1].Date) {
		now = s.Histories[n-1].Date
	}
	histories := make([]History, len(s.Histories), len(s.Histories)+1)
	copy(histories, s.Histories)
	return State{Histories: append(histories, History{State: t, Date: now})}, nil
}

// Clone returns a deep copy of the history slice.
func (s State) Clone() State {
	histories := make([]History, len(s.Histories))
	copy(histories, s.Histories)
	return State{Histories: histories}
}
