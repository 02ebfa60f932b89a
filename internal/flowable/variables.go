package flowable

import (
	"github.com/petrijr/conductor/pkg/api"
)

// Variables builds the rendering context of a task run. tr may be nil for
// execution-level expressions such as SLA conditions.
//
//	flow.{id,namespace,revision,tenant}
//	execution.{id,state,startDate,attempt,originalId}
//	inputs.<name>
//	labels.<key>
//	outputs.<taskId>.<key>          (outputs.<taskId>.<value>.<key> under ForEach)
//	taskrun.{id,value,attempt,parentId,iteration}
func Variables(flow *api.Flow, exec *api.Execution, tr *api.TaskRun) map[string]any {
	inputs := map[string]any{}
	for _, in := range flow.Inputs {
		if in.Default != nil {
			inputs[in.ID] = in.Default
		}
	}
	for k, v := range exec.Inputs {
		inputs[k] = v
	}

	labels := make(map[string]any, len(exec.Labels))
	for _, l := range exec.Labels {
		labels[l.Key] = l.Value
	}

	outputs := map[string]any{}
	for _, run := range exec.TaskRuns {
		if len(run.Outputs) == 0 {
			continue
		}
		if run.Iteration == nil && run.Value == "" {
			outputs[run.TaskID] = run.Outputs
			continue
		}
		byValue, _ := outputs[run.TaskID].(map[string]any)
		if byValue == nil {
			byValue = map[string]any{}
			outputs[run.TaskID] = byValue
		}
		byValue[run.Value] = run.Outputs
	}

	vars := map[string]any{
		"flow": map[string]any{
			"id":        flow.ID,
			"namespace": flow.Namespace,
			"revision":  flow.Revision,
			"tenant":    flow.Tenant,
		},
		"execution": map[string]any{
			"id":         exec.ID,
			"state":      string(exec.State.Current()),
			"startDate":  exec.State.StartDate().Format("2006-01-02T15:04:05.000Z07:00"),
			"attempt":    exec.Metadata.Attempt,
			"originalId": exec.Metadata.OriginalID,
		},
		"inputs":  inputs,
		"labels":  labels,
		"outputs": outputs,
	}
	if tr != nil {
		run := map[string]any{
			"id":       tr.ID,
			"value":    tr.Value,
			"attempt":  tr.Attempt,
			"parentId": tr.ParentTaskRunID,
		}
		if tr.Iteration != nil {
			run["iteration"] = *tr.Iteration
		}
		vars["taskrun"] = run
	}
	return vars
}
