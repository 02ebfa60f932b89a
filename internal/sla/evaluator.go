// Package sla evaluates the SLAs declared on a flow against an execution.
//
// Deadline SLAs (MAX_DURATION) are tracked through SLAMonitors saved when the
// execution starts and evaluated when the monitor expires. Condition SLAs
// are evaluated on every execution change; assertion SLAs once, when the
// execution is about to end.
package sla

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/conductor/internal/flowable"
	"github.com/petrijr/conductor/pkg/api"
)

// Evaluator evaluates SLAs with a renderer for their expressions.
type Evaluator struct {
	renderer api.Renderer
}

// NewEvaluator creates an Evaluator. A nil renderer leaves expressions as is.
func NewEvaluator(renderer api.Renderer) *Evaluator {
	return &Evaluator{renderer: renderer}
}

// Monitors returns the monitors to save for the deadline SLAs of flow, for
// an execution that started at start.
func Monitors(flow *api.Flow, exec *api.Execution, start time.Time) []api.SLAMonitor {
	var out []api.SLAMonitor
	for _, s := range flow.SLAs {
		if !s.IsDeadline() {
			continue
		}
		out = append(out, api.SLAMonitor{
			ExecutionID: exec.ID,
			SLAID:       s.ID,
			Deadline:    start.Add(s.Duration),
		})
	}
	return out
}

// EvaluateChanged evaluates the condition SLAs of flow against exec.
func (e *Evaluator) EvaluateChanged(flow *api.Flow, exec *api.Execution) ([]api.Violation, error) {
	var out []api.Violation
	for _, s := range flow.SLAs {
		if s.Type != api.SLAExecutionCondition {
			continue
		}
		hit, err := e.truthy(s, flow, exec)
		if err != nil {
			return nil, err
		}
		if hit {
			out = append(out, violation(s, fmt.Sprintf("condition %q matched", s.Expression)))
		}
	}
	return out, nil
}

// EvaluateEnding evaluates the assertion SLAs of flow for an execution about
// to end with state.
func (e *Evaluator) EvaluateEnding(flow *api.Flow, exec *api.Execution, state api.StateType) ([]api.Violation, error) {
	var out []api.Violation
	ending := exec.Clone()
	ending.State.Histories = append(ending.State.Histories, api.History{State: state, Date: time.Time{}})
	for _, s := range flow.SLAs {
		if s.Type != api.SLAExecutionAssertion {
			continue
		}
		ok, err := e.truthy(s, flow, ending)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, violation(s, fmt.Sprintf("assertion %q failed", s.Expression)))
		}
	}
	return out, nil
}

// EvaluateDeadline evaluates an expired monitor. It returns nil when the
// execution already ended or the SLA no longer exists in the flow.
func (e *Evaluator) EvaluateDeadline(flow *api.Flow, exec *api.Execution, m api.SLAMonitor, now time.Time) *api.Violation {
	if exec.IsTerminated() || now.Before(m.Deadline) {
		return nil
	}
	for _, s := range flow.SLAs {
		if s.ID == m.SLAID && s.IsDeadline() {
			v := violation(s, fmt.Sprintf("execution exceeded max duration of %s", s.Duration))
			return &v
		}
	}
	return nil
}

// ForcedState returns the state a violation forces on a running execution,
// or "" for NONE.
func ForcedState(v api.Violation) api.StateType {
	switch v.Behavior {
	case api.SLABehaviorFail:
		return api.StateFailed
	case api.SLABehaviorCancel:
		return api.StateCancelled
	}
	return ""
}

// Strongest picks the violation with the most severe behavior: FAIL over
// CANCEL over NONE. The first one wins among equals.
func Strongest(vs []api.Violation) (api.Violation, bool) {
	rank := map[api.SLABehavior]int{api.SLABehaviorNone: 0, api.SLABehaviorCancel: 1, api.SLABehaviorFail: 2}
	if len(vs) == 0 {
		return api.Violation{}, false
	}
	best := vs[0]
	for _, v := range vs[1:] {
		if rank[v.Behavior] > rank[best.Behavior] {
			best = v
		}
	}
	return best, true
}

func violation(s api.SLA, reason string) api.Violation {
	return api.Violation{SLAID: s.ID, Behavior: s.Behavior, Labels: s.Labels, Reason: reason}
}

func (e *Evaluator) truthy(s api.SLA, flow *api.Flow, exec *api.Execution) (bool, error) {
	rendered := s.Expression
	if e.renderer != nil {
		var err error
		rendered, err = e.renderer.Render(s.Expression, flowable.Variables(flow, exec, nil))
		if err != nil {
			return false, fmt.Errorf("sla %s: render: %w", s.ID, err)
		}
	}
	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(rendered)
	if err != nil {
		return false, fmt.Errorf("sla %s: expression must render a boolean, got %q", s.ID, rendered)
	}
	return b, nil
}
