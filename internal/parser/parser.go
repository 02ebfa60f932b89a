// Package parser decodes YAML flow definitions into api.Flow values.
//
// Flowable tasks are recognised by their type; any other type is a runnable
// task whose extra keys become its properties:
//
//	id: hello
//	namespace: company.team
//	tasks:
//	  - id: fetch
//	    type: io.conductor.http.Request
//	    uri: https://example.com
//	    retry: {type: constant, interval: 5s, maxAttempts: 3}
//	  - id: each
//	    type: io.conductor.flow.ForEach
//	    values: "{{ outputs.fetch.items }}"
//	    tasks: [...]
package parser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/conductor/pkg/api"
)

// Parse decodes and validates one flow document. All definition errors are
// returned together.
func Parse(data []byte) (*api.Flow, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidFlow, err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", api.ErrInvalidFlow)
	}

	p := &parser{}
	flow := p.flow(root.Content[0])
	flow.Source = string(data)
	for _, err := range flow.Validate() {
		p.errs = multierror.Append(p.errs, err)
	}
	if err := p.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return flow, nil
}

// ParseFile parses the flow stored at path.
func ParseFile(path string) (*api.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	flow, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flow, nil
}

// ParseDir parses every *.yml and *.yaml file of dir, in name order.
func ParseDir(dir string) ([]*api.Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var (
		flows []*api.Flow
		errs  *multierror.Error
	)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		flow, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		flows = append(flows, flow)
	}
	return flows, errs.ErrorOrNil()
}

type flowDoc struct {
	ID             string            `yaml:"id"`
	Namespace      string            `yaml:"namespace"`
	Tenant         string            `yaml:"tenant"`
	Description    string            `yaml:"description"`
	Labels         map[string]string `yaml:"labels"`
	Inputs         []inputDoc        `yaml:"inputs"`
	Tasks          []yaml.Node       `yaml:"tasks"`
	Errors         []yaml.Node       `yaml:"errors"`
	Retry          *retryDoc         `yaml:"retry"`
	SLA            []slaDoc          `yaml:"sla"`
	Triggers       []yaml.Node       `yaml:"triggers"`
	PluginDefaults []struct {
		Type   string         `yaml:"type"`
		Values map[string]any `yaml:"values"`
	} `yaml:"pluginDefaults"`
	Disabled bool `yaml:"disabled"`
}

type inputDoc struct {
	ID       string `yaml:"id"`
	Required bool   `yaml:"required"`
	Defaults any    `yaml:"defaults"`
}

type slaDoc struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	Behavior   string            `yaml:"behavior"`
	Labels     map[string]string `yaml:"labels"`
	Duration   Duration          `yaml:"duration"`
	Expression string            `yaml:"expression"`
}

type retryDoc struct {
	Type           string   `yaml:"type"`
	Interval       Duration `yaml:"interval"`
	MinInterval    Duration `yaml:"minInterval"`
	MaxInterval    Duration `yaml:"maxInterval"`
	Factor         float64  `yaml:"factor"`
	MaxAttempts    int      `yaml:"maxAttempts"`
	MaxDuration    Duration `yaml:"maxDuration"`
	Behavior       string   `yaml:"behavior"`
	WarningOnRetry bool     `yaml:"warningOnRetry"`
}

type commonDoc struct {
	ID           string    `yaml:"id"`
	Type         string    `yaml:"type"`
	Description  string    `yaml:"description"`
	Timeout      Duration  `yaml:"timeout"`
	AllowFailure bool      `yaml:"allowFailure"`
	Disabled     bool      `yaml:"disabled"`
	Retry        *retryDoc `yaml:"retry"`
}

// taskDoc holds the keys of the built-in task types. Runnable tasks are
// never decoded into it since their properties are free-form.
type taskDoc struct {
	ID          string                 `yaml:"id"`
	Type        string                 `yaml:"type"`
	Tasks       []yaml.Node            `yaml:"tasks"`
	Errors      []yaml.Node            `yaml:"errors"`
	Concurrency int                    `yaml:"concurrency"`
	Value       string                 `yaml:"value"`
	Cases       map[string][]yaml.Node `yaml:"cases"`
	Defaults    []yaml.Node            `yaml:"defaults"`
	Values      yaml.Node              `yaml:"values"`

	Namespace      string            `yaml:"namespace"`
	FlowID         string            `yaml:"flowId"`
	Revision       *int              `yaml:"revision"`
	Inputs         map[string]string `yaml:"inputs"`
	Labels         map[string]string `yaml:"labels"`
	Wait           *bool             `yaml:"wait"`
	TransmitFailed *bool             `yaml:"transmitFailed"`

	Delay Duration `yaml:"delay"`
}

// commonKeys are never copied into runnable properties.
var commonKeys = []string{"id", "type", "description", "timeout", "allowFailure", "disabled", "retry"}

type parser struct {
	errs *multierror.Error
}

func (p *parser) fail(n *yaml.Node, format string, args ...any) {
	p.errs = multierror.Append(p.errs, fmt.Errorf("%w: line %d: %s", api.ErrInvalidFlow, n.Line, fmt.Sprintf(format, args...)))
}

func (p *parser) flow(n *yaml.Node) *api.Flow {
	var doc flowDoc
	if err := n.Decode(&doc); err != nil {
		p.fail(n, "%v", err)
		return &api.Flow{}
	}
	flow := &api.Flow{
		Tenant:      doc.Tenant,
		Namespace:   doc.Namespace,
		ID:          doc.ID,
		Description: doc.Description,
		Labels:      doc.Labels,
		Tasks:       p.tasks(doc.Tasks),
		Errors:      p.tasks(doc.Errors),
		Retry:       p.retry(n, doc.Retry),
		Disabled:    doc.Disabled,
	}
	for _, in := range doc.Inputs {
		if in.ID == "" {
			p.fail(n, "input without id")
			continue
		}
		flow.Inputs = append(flow.Inputs, api.Input{ID: in.ID, Required: in.Required, Default: in.Defaults})
	}
	for _, s := range doc.SLA {
		flow.SLAs = append(flow.SLAs, api.SLA{
			ID:         s.ID,
			Type:       api.SLAType(strings.ToUpper(s.Type)),
			Behavior:   api.SLABehavior(strings.ToUpper(s.Behavior)),
			Labels:     s.Labels,
			Duration:   time.Duration(s.Duration),
			Expression: s.Expression,
		})
	}
	for i := range doc.Triggers {
		flow.Triggers = append(flow.Triggers, p.trigger(&doc.Triggers[i]))
	}
	for _, d := range doc.PluginDefaults {
		flow.PluginDefaults = append(flow.PluginDefaults, api.PluginDefault{Type: d.Type, Values: d.Values})
	}
	return flow
}

func (p *parser) trigger(n *yaml.Node) api.Trigger {
	var props map[string]any
	if err := n.Decode(&props); err != nil {
		p.fail(n, "trigger: %v", err)
		return api.Trigger{}
	}
	t := api.Trigger{}
	t.ID, _ = props["id"].(string)
	t.Type, _ = props["type"].(string)
	delete(props, "id")
	delete(props, "type")
	t.Properties = props
	return t
}

func (p *parser) tasks(nodes []yaml.Node) []api.Task {
	out := make([]api.Task, 0, len(nodes))
	for i := range nodes {
		if t := p.task(&nodes[i]); t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (p *parser) task(n *yaml.Node) api.Task {
	if n.Kind != yaml.MappingNode {
		p.fail(n, "task must be a mapping")
		return nil
	}
	var common commonDoc
	if err := n.Decode(&common); err != nil {
		p.fail(n, "%v", err)
		return nil
	}
	if common.Type == "" {
		p.fail(n, "task %q has no type", common.ID)
		return nil
	}
	base := api.TaskBase{
		ID:           common.ID,
		Type:         common.Type,
		Description:  common.Description,
		Timeout:      time.Duration(common.Timeout),
		AllowFailure: common.AllowFailure,
		Disabled:     common.Disabled,
	}
	if r := p.retry(n, common.Retry); r != nil {
		base.Retry = r
	}
	if !strings.HasPrefix(common.Type, api.TypePrefixFlow) {
		return p.runnable(n, base)
	}

	var doc taskDoc
	if err := n.Decode(&doc); err != nil {
		p.fail(n, "%v", err)
		return nil
	}
	switch doc.Type {
	case api.TypeSequential:
		p.requireTasks(n, doc)
		return &api.Sequential{TaskBase: base, Tasks: p.tasks(doc.Tasks), Errors: p.tasks(doc.Errors)}
	case api.TypeParallel:
		p.requireTasks(n, doc)
		return &api.Parallel{TaskBase: base, Tasks: p.tasks(doc.Tasks), Errors: p.tasks(doc.Errors), Concurrency: doc.Concurrency}
	case api.TypeSwitch:
		if doc.Value == "" {
			p.fail(n, "switch %q has no value", doc.ID)
		}
		if len(doc.Cases) == 0 && len(doc.Defaults) == 0 {
			p.fail(n, "switch %q has neither cases nor defaults", doc.ID)
		}
		cases := make(map[string][]api.Task, len(doc.Cases))
		for k, v := range doc.Cases {
			cases[k] = p.tasks(v)
		}
		return &api.Switch{TaskBase: base, Value: doc.Value, Cases: cases, Defaults: p.tasks(doc.Defaults), Errors: p.tasks(doc.Errors)}
	case api.TypeForEach:
		p.requireTasks(n, doc)
		values, err := valuesExpression(&doc.Values)
		if err != nil {
			p.fail(n, "foreach %q: %v", doc.ID, err)
		}
		return &api.ForEach{TaskBase: base, Values: values, Tasks: p.tasks(doc.Tasks), Errors: p.tasks(doc.Errors), Concurrency: doc.Concurrency}
	case api.TypeSubflow:
		if doc.Namespace == "" || doc.FlowID == "" {
			p.fail(n, "subflow %q needs namespace and flowId", doc.ID)
		}
		return &api.Subflow{
			TaskBase:       base,
			Namespace:      doc.Namespace,
			FlowID:         doc.FlowID,
			Revision:       doc.Revision,
			Inputs:         doc.Inputs,
			Labels:         doc.Labels,
			Wait:           doc.Wait == nil || *doc.Wait,
			TransmitFailed: doc.TransmitFailed == nil || *doc.TransmitFailed,
		}
	case api.TypePause:
		return &api.Pause{TaskBase: base, Delay: time.Duration(doc.Delay)}
	}
	p.fail(n, "unknown flow task type %q", doc.Type)
	return nil
}

func (p *parser) runnable(n *yaml.Node, base api.TaskBase) api.Task {
	var props map[string]any
	if err := n.Decode(&props); err != nil {
		p.fail(n, "%v", err)
		return nil
	}
	for _, k := range commonKeys {
		delete(props, k)
	}
	return &api.Runnable{TaskBase: base, Properties: props}
}

func (p *parser) requireTasks(n *yaml.Node, doc taskDoc) {
	if len(doc.Tasks) == 0 {
		p.fail(n, "%s %q has no tasks", doc.Type, doc.ID)
	}
}

func (p *parser) retry(n *yaml.Node, doc *retryDoc) api.RetryPolicy {
	if doc == nil {
		return nil
	}
	base := api.RetryBase{
		MaxAttempts:    doc.MaxAttempts,
		MaxDuration:    time.Duration(doc.MaxDuration),
		WarningOnRetry: doc.WarningOnRetry,
	}
	if doc.Behavior != "" {
		behavior, ok := api.ParseRetryBehavior(doc.Behavior)
		if !ok {
			p.fail(n, "unknown retry behavior %q", doc.Behavior)
		}
		base.Behavior = behavior
	}
	if base.MaxAttempts <= 0 && base.MaxDuration <= 0 {
		p.fail(n, "retry needs maxAttempts or maxDuration")
	}
	switch strings.ToLower(doc.Type) {
	case "constant":
		if doc.Interval <= 0 {
			p.fail(n, "constant retry needs an interval")
		}
		return api.ConstantRetry{RetryBase: base, Interval: time.Duration(doc.Interval)}
	case "exponential":
		if doc.Interval <= 0 {
			p.fail(n, "exponential retry needs an interval")
		}
		return api.ExponentialRetry{
			RetryBase:   base,
			Interval:    time.Duration(doc.Interval),
			MaxInterval: time.Duration(doc.MaxInterval),
			Factor:      doc.Factor,
		}
	case "random":
		if doc.MaxInterval < doc.MinInterval {
			p.fail(n, "random retry maxInterval is below minInterval")
		}
		return api.RandomRetry{RetryBase: base, MinInterval: time.Duration(doc.MinInterval), MaxInterval: time.Duration(doc.MaxInterval)}
	}
	p.fail(n, "unknown retry type %q", doc.Type)
	return nil
}

// valuesExpression accepts either an expression string or an inline list,
// which is re-encoded as a JSON array.
func valuesExpression(n *yaml.Node) (string, error) {
	switch n.Kind {
	case 0:
		return "", errors.New("values is required")
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.SequenceNode:
		var items []any
		if err := n.Decode(&items); err != nil {
			return "", err
		}
		return encodeValues(items)
	}
	return "", errors.New("values must be a string or a list")
}
