package parser

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/conductor/pkg/api"
)

// Marshal encodes a flow as a YAML document that Parse reads back. Flows
// parsed from YAML keep their original source.
func Marshal(flow *api.Flow) ([]byte, error) {
	if flow.Source != "" {
		return []byte(flow.Source), nil
	}
	doc := map[string]any{
		"id":        flow.ID,
		"namespace": flow.Namespace,
		"tasks":     marshalTasks(flow.Tasks),
	}
	putIf(doc, "tenant", flow.Tenant, flow.Tenant != "")
	putIf(doc, "description", flow.Description, flow.Description != "")
	putIf(doc, "labels", flow.Labels, len(flow.Labels) > 0)
	putIf(doc, "errors", marshalTasks(flow.Errors), len(flow.Errors) > 0)
	putIf(doc, "disabled", true, flow.Disabled)
	if r := marshalRetry(flow.Retry); r != nil {
		doc["retry"] = r
	}
	if len(flow.Inputs) > 0 {
		var inputs []map[string]any
		for _, in := range flow.Inputs {
			m := map[string]any{"id": in.ID}
			putIf(m, "required", true, in.Required)
			putIf(m, "defaults", in.Default, in.Default != nil)
			inputs = append(inputs, m)
		}
		doc["inputs"] = inputs
	}
	if len(flow.SLAs) > 0 {
		var slas []map[string]any
		for _, s := range flow.SLAs {
			m := map[string]any{"id": s.ID, "type": string(s.Type), "behavior": string(s.Behavior)}
			putIf(m, "duration", s.Duration.String(), s.Duration > 0)
			putIf(m, "expression", s.Expression, s.Expression != "")
			putIf(m, "labels", s.Labels, len(s.Labels) > 0)
			slas = append(slas, m)
		}
		doc["sla"] = slas
	}
	if len(flow.Triggers) > 0 {
		var triggers []map[string]any
		for _, t := range flow.Triggers {
			m := maps.Clone(t.Properties)
			if m == nil {
				m = map[string]any{}
			}
			m["id"], m["type"] = t.ID, t.Type
			triggers = append(triggers, m)
		}
		doc["triggers"] = triggers
	}
	if len(flow.PluginDefaults) > 0 {
		var defaults []map[string]any
		for _, d := range flow.PluginDefaults {
			defaults = append(defaults, map[string]any{"type": d.Type, "values": d.Values})
		}
		doc["pluginDefaults"] = defaults
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal flow %s: %w", flow.ID, err)
	}
	return out, nil
}

func putIf(m map[string]any, key string, v any, ok bool) {
	if ok {
		m[key] = v
	}
}

func marshalTasks(tasks []api.Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, marshalTask(t))
	}
	return out
}

func marshalTask(t api.Task) map[string]any {
	b := t.Common()
	m := map[string]any{}
	if r, ok := t.(*api.Runnable); ok {
		maps.Copy(m, r.Properties)
	}
	m["id"], m["type"] = b.ID, b.Type
	putIf(m, "description", b.Description, b.Description != "")
	putIf(m, "timeout", b.Timeout.String(), b.Timeout > 0)
	putIf(m, "allowFailure", true, b.AllowFailure)
	putIf(m, "disabled", true, b.Disabled)
	if r := marshalRetry(b.Retry); r != nil {
		m["retry"] = r
	}

	switch v := t.(type) {
	case *api.Sequential:
		m["tasks"] = marshalTasks(v.Tasks)
		putIf(m, "errors", marshalTasks(v.Errors), len(v.Errors) > 0)
	case *api.Parallel:
		m["tasks"] = marshalTasks(v.Tasks)
		putIf(m, "errors", marshalTasks(v.Errors), len(v.Errors) > 0)
		putIf(m, "concurrency", v.Concurrency, v.Concurrency > 0)
	case *api.Switch:
		m["value"] = v.Value
		cases := make(map[string]any, len(v.Cases))
		for k, tasks := range v.Cases {
			cases[k] = marshalTasks(tasks)
		}
		putIf(m, "cases", cases, len(cases) > 0)
		putIf(m, "defaults", marshalTasks(v.Defaults), len(v.Defaults) > 0)
		putIf(m, "errors", marshalTasks(v.Errors), len(v.Errors) > 0)
	case *api.ForEach:
		m["values"] = forEachValues(v.Values)
		m["tasks"] = marshalTasks(v.Tasks)
		putIf(m, "errors", marshalTasks(v.Errors), len(v.Errors) > 0)
		putIf(m, "concurrency", v.Concurrency, v.Concurrency > 0)
	case *api.Subflow:
		m["namespace"], m["flowId"] = v.Namespace, v.FlowID
		m["wait"], m["transmitFailed"] = v.Wait, v.TransmitFailed
		putIf(m, "revision", v.Revision, v.Revision != nil)
		putIf(m, "inputs", v.Inputs, len(v.Inputs) > 0)
		putIf(m, "labels", v.Labels, len(v.Labels) > 0)
	case *api.Pause:
		putIf(m, "delay", v.Delay.String(), v.Delay > 0)
	}
	return m
}

// forEachValues keeps literal JSON arrays as YAML lists.
func forEachValues(values string) any {
	if strings.HasPrefix(strings.TrimSpace(values), "[") {
		var items []any
		if err := sonic.UnmarshalString(values, &items); err == nil {
			return items
		}
	}
	return values
}

func marshalRetry(p api.RetryPolicy) map[string]any {
	if p == nil {
		return nil
	}
	base := p.Base()
	m := map[string]any{}
	putIf(m, "maxAttempts", base.MaxAttempts, base.MaxAttempts > 0)
	putIf(m, "maxDuration", base.MaxDuration.String(), base.MaxDuration > 0)
	putIf(m, "behavior", string(base.Behavior), base.Behavior != "")
	putIf(m, "warningOnRetry", true, base.WarningOnRetry)
	duration := func(key string, d time.Duration) { putIf(m, key, d.String(), d > 0) }
	switch r := p.(type) {
	case api.ConstantRetry:
		m["type"] = "constant"
		duration("interval", r.Interval)
	case api.ExponentialRetry:
		m["type"] = "exponential"
		duration("interval", r.Interval)
		duration("maxInterval", r.MaxInterval)
		putIf(m, "factor", r.Factor, r.Factor > 0)
	case api.RandomRetry:
		m["type"] = "random"
		duration("minInterval", r.MinInterval)
		duration("maxInterval", r.MaxInterval)
	default:
		return nil
	}
	return m
}
