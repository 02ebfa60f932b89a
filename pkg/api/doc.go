// Package api contains the data model and contracts of the conductor
// orchestration engine.
//
// # Concepts
//
//   - A Flow is an immutable, revisioned tree of Tasks. Leaf tasks
//     (Runnable) are executed by workers; control structures (Sequential,
//     Parallel, Switch, ForEach) are resolved by the executor; Subflow and
//     Pause are leaves handled by the executor itself.
//   - An Execution is one run of one flow revision. It owns an append-only
//     list of TaskRuns, one per task instance in the run tree.
//   - A State is the append-only history of an execution or task run. Every
//     change goes through State.Transition, which enforces the transition
//     table.
//
// # Messages
//
// The executor, workers and clients communicate through queue topics
// (TopicExecution, TopicWorkerTask, ...). Every message is keyed by the
// execution id it concerns, so a partitioned transport delivers all events
// of one execution to a single consumer, in order.
//
// # Idempotency
//
// Transports deliver at least once. Reports from workers are merged only
// when IsTaskRunJoinable accepts them, which makes duplicate or stale
// reports harmless.
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver (zap) and
// BasicMetrics are provided and can be combined with NewCompositeObserver.
package api
