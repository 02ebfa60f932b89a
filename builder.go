package conductor

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/petrijr/conductor/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows in Go instead of
// YAML:
//
//	flow := conductor.New("company.team", "onboarding").
//	    Input("email", true, nil).
//	    Task(conductor.Runnable("create", "acme.CreateAccount", nil)).
//	    Task(conductor.LogTask("welcome", "welcome {{ inputs.email }}")).
//	    Errors(conductor.LogTask("alert", "onboarding failed")).
//	    MustBuild()
//
//	saved, err := eng.DeployFlow(ctx, flow)
type FlowBuilder struct {
	flow api.Flow
}

// New creates a builder for namespace/id.
func New(namespace, id string) *FlowBuilder {
	return &FlowBuilder{flow: api.Flow{Namespace: namespace, ID: id}}
}

// Description sets the flow description.
func (b *FlowBuilder) Description(s string) *FlowBuilder {
	b.flow.Description = s
	return b
}

// Label adds a label copied onto every execution.
func (b *FlowBuilder) Label(key, value string) *FlowBuilder {
	if b.flow.Labels == nil {
		b.flow.Labels = make(map[string]string)
	}
	b.flow.Labels[key] = value
	return b
}

// Input declares an input. def is used when the input is not given.
func (b *FlowBuilder) Input(id string, required bool, def any) *FlowBuilder {
	b.flow.Inputs = append(b.flow.Inputs, api.Input{ID: id, Required: required, Default: def})
	return b
}

// Task appends tasks to the main task list.
func (b *FlowBuilder) Task(tasks ...Task) *FlowBuilder {
	b.flow.Tasks = append(b.flow.Tasks, tasks...)
	return b
}

// Errors appends tasks to the flow error handlers.
func (b *FlowBuilder) Errors(tasks ...Task) *FlowBuilder {
	b.flow.Errors = append(b.flow.Errors, tasks...)
	return b
}

// Retry sets the flow-level retry policy used by tasks without their own.
func (b *FlowBuilder) Retry(p RetryPolicy) *FlowBuilder {
	b.flow.Retry = p
	return b
}

// SLA adds an SLA.
func (b *FlowBuilder) SLA(s SLA) *FlowBuilder {
	b.flow.SLAs = append(b.flow.SLAs, s)
	return b
}

// Defaults merges values into the properties of every runnable of typ.
func (b *FlowBuilder) Defaults(typ string, values map[string]any) *FlowBuilder {
	b.flow.PluginDefaults = append(b.flow.PluginDefaults, api.PluginDefault{Type: typ, Values: values})
	return b
}

// Disabled marks the flow as not executable.
func (b *FlowBuilder) Disabled() *FlowBuilder {
	b.flow.Disabled = true
	return b
}

// Build validates and returns a copy of the flow.
func (b *FlowBuilder) Build() (*Flow, error) {
	flow := b.flow
	var errs *multierror.Error
	for _, err := range flow.Validate() {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &flow, nil
}

// MustBuild is like Build but panics on error. Useful for initialization
// in main().
func (b *FlowBuilder) MustBuild() *Flow {
	flow, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("conductor: %v", err))
	}
	return flow
}

// Deploy builds the flow and deploys it on eng.
func (b *FlowBuilder) Deploy(ctx context.Context, eng Engine) (*Flow, error) {
	flow, err := b.Build()
	if err != nil {
		return nil, err
	}
	return eng.DeployFlow(ctx, flow)
}
