package api

import (
	"fmt"
	"maps"
	"slices"
)

// Input declares a flow input with an optional default.
type Input struct {
	ID       string
	Required bool
	Default  any
}

// PluginDefault merges Values into the properties of every runnable task of
// the given Type when the task does not set them.
type PluginDefault struct {
	Type   string
	Values map[string]any
}

// Trigger is carried with the flow but interpreted by the scheduler, not
// by the engine.
type Trigger struct {
	ID         string
	Type       string
	Properties map[string]any
}

// Flow is an immutable, revisioned definition of tasks.
type Flow struct {
	Tenant         string
	Namespace      string
	ID             string
	Revision       int
	Description    string
	Inputs         []Input
	Labels         map[string]string
	Tasks          []Task
	Errors         []Task
	Retry          RetryPolicy
	SLAs           []SLA
	Triggers       []Trigger
	PluginDefaults []PluginDefault
	Disabled       bool

	// Source is the YAML document the flow was parsed from, if any.
	Source string
}

// UID returns the revision-less identity of the flow.
func (f *Flow) UID() string {
	return FlowUID(f.Tenant, f.Namespace, f.ID)
}

// FlowUID builds the identity key for a flow.
func FlowUID(tenant, namespace, id string) string {
	if tenant == "" {
		return namespace + "/" + id
	}
	return tenant + "/" + namespace + "/" + id
}

// FindTask returns the task with the given id, searching nested lists and
// error lists.
func (f *Flow) FindTask(id string) (Task, error) {
	var found Task
	visit := func(t Task) bool {
		if t.TaskID() == id {
			found = t
			return false
		}
		return true
	}
	if WalkTasks(f.Tasks, visit) {
		WalkTasks(f.Errors, visit)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return found, nil
}

// FindParent returns the flowable that directly contains the task id, or
// nil when the task sits at the root of the flow.
func (f *Flow) FindParent(id string) Task {
	var parent Task
	var walk func(owner Task, tasks []Task) bool
	walk = func(owner Task, tasks []Task) bool {
		for _, t := range tasks {
			if t.TaskID() == id {
				parent = owner
				return false
			}
			if p, ok := t.(HasChildren); ok && !walk(t, p.ChildTasks()) {
				return false
			}
			if p, ok := t.(HasErrorTasks); ok && !walk(t, p.ErrorTasks()) {
				return false
			}
		}
		return true
	}
	if walk(nil, f.Tasks) {
		walk(nil, f.Errors)
	}
	return parent
}

// IsErrorTask reports whether id belongs to an error-handler list, at any
// depth.
func (f *Flow) IsErrorTask(id string) bool {
	contains := func(tasks []Task) bool {
		return !WalkTasks(tasks, func(t Task) bool { return t.TaskID() != id })
	}
	if contains(f.Errors) {
		return true
	}
	inErrors := false
	WalkTasks(f.Tasks, func(t Task) bool {
		if p, ok := t.(HasErrorTasks); ok && contains(p.ErrorTasks()) {
			inErrors = true
			return false
		}
		return true
	})
	return inErrors
}

// ResolveRetry returns the task's own policy, falling back to the flow's.
func (f *Flow) ResolveRetry(t Task) RetryPolicy {
	if r, ok := t.(HasRetry); ok && r.RetryPolicy() != nil {
		return r.RetryPolicy()
	}
	return f.Retry
}

// TaskProperties returns the runnable's properties merged over the matching
// plugin defaults.
func (f *Flow) TaskProperties(r *Runnable) map[string]any {
	out := make(map[string]any, len(r.Properties))
	for _, d := range f.PluginDefaults {
		if d.Type != r.Type {
			continue
		}
		maps.Copy(out, d.Values)
	}
	maps.Copy(out, r.Properties)
	return out
}

// Validate checks the structural rules of a flow: identity, non-empty task
// list and unique task ids.
func (f *Flow) Validate() []error {
	var errs []error
	if f.Namespace == "" {
		errs = append(errs, fmt.Errorf("%w: namespace is required", ErrInvalidFlow))
	}
	if f.ID == "" {
		errs = append(errs, fmt.Errorf("%w: id is required", ErrInvalidFlow))
	}
	if len(f.Tasks) == 0 {
		errs = append(errs, fmt.Errorf("%w: flow %s has no tasks", ErrInvalidFlow, f.ID))
	}
	seen := make(map[string]bool)
	check := func(t Task) bool {
		id := t.TaskID()
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%w: task of type %s has no id", ErrInvalidFlow, t.TaskType()))
		case seen[id]:
			errs = append(errs, fmt.Errorf("%w: duplicate task id %q", ErrInvalidFlow, id))
		}
		seen[id] = true
		return true
	}
	WalkTasks(f.Tasks, check)
	WalkTasks(f.Errors, check)
	for _, s := range f.SLAs {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
