package api

import (
	"fmt"
	"time"
)

// SLAType selects how an SLA is evaluated.
type SLAType string

const (
	// SLAMaxDuration is violated when the execution is still running at its deadline.
	SLAMaxDuration SLAType = "MAX_DURATION"
	// SLAExecutionCondition is violated as soon as Expression renders true.
	SLAExecutionCondition SLAType = "EXECUTION_CONDITION"
	// SLAExecutionAssertion is violated when Expression renders false once
	// the execution has ended.
	SLAExecutionAssertion SLAType = "EXECUTION_ASSERTION"
)

// SLABehavior is applied to the execution on violation.
type SLABehavior string

const (
	SLABehaviorFail   SLABehavior = "FAIL"
	SLABehaviorCancel SLABehavior = "CANCEL"
	SLABehaviorNone   SLABehavior = "NONE"
)

// SLA is a declarative constraint on an execution.
type SLA struct {
	ID         string
	Type       SLAType
	Behavior   SLABehavior
	Labels     map[string]string
	Duration   time.Duration
	Expression string
}

// IsDeadline reports whether the SLA is tracked with an SLAMonitor.
func (s SLA) IsDeadline() bool { return s.Type == SLAMaxDuration }

// Validate checks that the SLA carries what its type needs.
func (s SLA) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: sla without id", ErrInvalidFlow)
	}
	switch s.Behavior {
	case SLABehaviorFail, SLABehaviorCancel, SLABehaviorNone:
	default:
		return fmt.Errorf("%w: sla %s has unknown behavior %q", ErrInvalidFlow, s.ID, s.Behavior)
	}
	switch s.Type {
	case SLAMaxDuration:
		if s.Duration <= 0 {
			return fmt.Errorf("%w: sla %s needs a positive duration", ErrInvalidFlow, s.ID)
		}
	case SLAExecutionCondition, SLAExecutionAssertion:
		if s.Expression == "" {
			return fmt.Errorf("%w: sla %s needs an expression", ErrInvalidFlow, s.ID)
		}
	default:
		return fmt.Errorf("%w: sla %s has unknown type %q", ErrInvalidFlow, s.ID, s.Type)
	}
	return nil
}

// Violation records a breached SLA.
type Violation struct {
	SLAID    string
	Behavior SLABehavior
	Labels   map[string]string
	Reason   string
}

// SLAMonitor is the durable deadline of a deadline-based SLA.
type SLAMonitor struct {
	ExecutionID string    `json:"executionId"`
	SLAID       string    `json:"slaId"`
	Deadline    time.Time `json:"deadline"`
}
