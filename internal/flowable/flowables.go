package flowable

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/petrijr/conductor/pkg/api"
)

// Output keys recorded on control-structure task runs.
const (
	OutputSwitchValue   = "value"
	OutputForEachValues = "values"
	OutputError         = "error"
)

// resolver is implemented once per control structure.
type resolver interface {
	resolve(rc *runContext, tr api.TaskRun) Result
}

func resolverFor(task api.Task) (resolver, error) {
	switch t := task.(type) {
	case *api.Sequential:
		return sequentialResolver{t}, nil
	case *api.Parallel:
		return parallelResolver{t}, nil
	case *api.Switch:
		return switchResolver{t}, nil
	case *api.ForEach:
		return forEachResolver{t}, nil
	}
	return nil, fmt.Errorf("task %s of type %s is not a control structure", task.TaskID(), task.TaskType())
}

func (rc *runContext) resolveFlowable(task api.Task, tr api.TaskRun) (Result, error) {
	r, err := resolverFor(task)
	if err != nil {
		return Result{}, err
	}
	return r.resolve(rc, tr), nil
}

type sequentialResolver struct{ t *api.Sequential }

func (s sequentialResolver) resolve(rc *runContext, tr api.TaskRun) Result {
	return rc.withErrors(
		rc.sequence(bind(s.t.Tasks, tr.ID, tr.Value, nil)),
		bind(s.t.Errors, tr.ID, tr.Value, nil),
	)
}

type parallelResolver struct{ t *api.Parallel }

func (p parallelResolver) resolve(rc *runContext, tr api.TaskRun) Result {
	return rc.withErrors(
		rc.parallel(bind(p.t.Tasks, tr.ID, tr.Value, nil), p.t.Concurrency),
		bind(p.t.Errors, tr.ID, tr.Value, nil),
	)
}

type switchResolver struct{ t *api.Switch }

func (s switchResolver) resolve(rc *runContext, tr api.TaskRun) Result {
	errors := bind(s.t.Errors, tr.ID, tr.Value, nil)

	value, recorded := tr.Outputs[OutputSwitchValue].(string)
	if !recorded {
		rendered, err := rc.render(s.t.Value, tr)
		if err != nil {
			res := ended(api.StateFailed)
			res.Error = fmt.Sprintf("render switch value: %v", err)
			res.Outputs = map[string]any{OutputError: res.Error}
			return rc.withErrors(res, errors)
		}
		value = rendered
	}

	branch, ok := s.t.Cases[value]
	if !ok {
		branch = s.t.Defaults
	}
	var res Result
	if !ok && len(s.t.Defaults) == 0 {
		res = ended(api.StateFailed)
		res.Error = fmt.Sprintf("no case matches value %q and no defaults", value)
	} else {
		res = rc.sequence(bind(branch, tr.ID, tr.Value, nil))
	}
	res = rc.withErrors(res, errors)
	if !recorded {
		res.Outputs = mergeOutputs(res.Outputs, map[string]any{OutputSwitchValue: value})
	}
	return res
}

type forEachResolver struct{ t *api.ForEach }

func (f forEachResolver) resolve(rc *runContext, tr api.TaskRun) Result {
	errors := bind(f.t.Errors, tr.ID, tr.Value, nil)

	values, recorded := StringList(tr.Outputs[OutputForEachValues])
	if !recorded {
		rendered, err := rc.render(f.t.Values, tr)
		if err == nil {
			values, err = parseValues(rendered)
		}
		if err != nil {
			res := ended(api.StateFailed)
			res.Error = fmt.Sprintf("render foreach values: %v", err)
			res.Outputs = map[string]any{OutputError: res.Error}
			return rc.withErrors(res, errors)
		}
	}

	groups := make([][]boundTask, len(values))
	for i, v := range values {
		idx := i
		groups[i] = bind(f.t.Tasks, tr.ID, v, &idx)
	}
	res := rc.withErrors(rc.iterations(groups, f.t.Concurrency), errors)
	if !recorded {
		res.Outputs = mergeOutputs(res.Outputs, map[string]any{OutputForEachValues: values})
	}
	return res
}

// iterations runs each group as a sequence, with at most concurrency groups
// in flight when concurrency > 0.
func (rc *runContext) iterations(groups [][]boundTask, concurrency int) Result {
	var (
		created []api.TaskRun
		states  []api.StateType
		idle    [][]boundTask
		active  int
		failed  bool
	)
	for _, g := range groups {
		if !rc.started(g) {
			idle = append(idle, g)
			continue
		}
		res := rc.sequence(g)
		switch res.Outcome {
		case Nexts:
			created = append(created, res.Nexts...)
			active++
		case Wait:
			active++
		case Ended:
			failed = failed || isFailure(res.State)
			states = append(states, res.State)
		}
	}
	if !failed {
		for _, g := range idle {
			if concurrency > 0 && active >= concurrency {
				break
			}
			res := rc.sequence(g)
			switch res.Outcome {
			case Nexts:
				created = append(created, res.Nexts...)
				active++
			case Ended:
				// Every task of the iteration is disabled.
				states = append(states, res.State)
			}
		}
	}
	if len(created) > 0 {
		return nexts(created...)
	}
	if active > 0 {
		return waiting()
	}
	if !failed && len(idle) > 0 && len(states) < len(groups) {
		return waiting()
	}
	return ended(aggregate(states))
}

func (rc *runContext) started(group []boundTask) bool {
	for _, bt := range group {
		if _, ok := rc.find(bt); ok {
			return true
		}
	}
	return false
}

func (rc *runContext) render(expression string, tr api.TaskRun) (string, error) {
	if rc.renderer == nil || !strings.Contains(expression, "{{") {
		return expression, nil
	}
	return rc.renderer.Render(expression, Variables(rc.flow, rc.exec, &tr))
}

// parseValues decodes a JSON array; non-string elements keep their JSON form.
func parseValues(rendered string) ([]string, error) {
	var raw []any
	if err := sonic.UnmarshalString(strings.TrimSpace(rendered), &raw); err != nil {
		return nil, fmt.Errorf("values must render to a JSON array: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case float64:
			out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
		default:
			b, err := sonic.Marshal(x)
			if err != nil {
				return nil, err
			}
			out = append(out, string(b))
		}
	}
	return out, nil
}

// StringList reads a recorded list of strings, as stored in memory or after
// a JSON round trip.
func StringList(v any) ([]string, bool) {
	switch x := v.(type) {
	case []string:
		return x, true
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func mergeOutputs(a, b map[string]any) map[string]any {
	if a == nil {
		return b
	}
	for k, v := range b {
		a[k] = v
	}
	return a
}
