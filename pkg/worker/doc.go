// Package worker runs the runnable tasks of conductor executions.
//
// A Worker consumes WorkerTask messages in a consumer group shared by every
// worker, runs each attempt on a bounded goroutine pool and reports the task
// run back to the executor: RUNNING when the attempt starts, then SUCCESS,
// FAILED or KILLED. Retries, timeouts and the execution state are the
// executor's business; a worker only runs jobs.
//
// # Runners
//
// Task types are bound to a Runner. The built-in runners cover logging
// (io.conductor.core.Log), returning a value (io.conductor.core.Return),
// failing (io.conductor.core.Fail) and sleeping (io.conductor.core.Sleep).
// Applications register their own:
//
//	w.Register("acme.Charge", worker.RunnerFunc(func(ctx context.Context, t *worker.Task) (map[string]any, error) {
//		return map[string]any{"charged": t.Properties["amount"]}, nil
//	}))
//
// # Job control
//
// Every worker consumes worker-job-kill messages in its own consumer group,
// so a kill reaches the worker holding the job. Job.Kill and Job.Stop only
// cancel the job context; the runner is expected to return promptly.
package worker
