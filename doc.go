// Package conductor is an embeddable orchestration engine for declarative
// flows.
//
// A flow is a revisioned tree of tasks. Runnable tasks are executed by
// workers; flowable tasks (Sequential, Parallel, Switch, ForEach, Subflow,
// Pause) are resolved by the executor, which decides after every change
// which task runs to create next and when the execution ends.
//
// # Engine
//
// The Engine is the client side: it deploys flows, creates executions and
// sends kill, pause, resume and restart commands. Every change is queued
// and applied by a single writer per execution, the Executor.
//
// # Executor
//
// The Executor consumes the execution topics partitioned by execution id,
// merges worker results, applies retries and SLAs, and emits worker tasks.
// A periodic tick turns due retry delays, paused-task delays and SLA
// deadlines into commands.
//
// # Worker
//
// A Worker runs the runnable tasks it has a Runner for and reports each
// state change. Built-in runners cover Log, Return, Fail and Sleep; register
// your own with WithRunner.
//
// # Storage and queues
//
// Open wires a Config: executions live in memory, SQL (SQLite or
// PostgreSQL), Redis or MongoDB; messages travel over an in-memory queue,
// SQL tables, Redis streams, MongoDB or a Watermill pub/sub.
//
// # LocalRunner
//
// LocalRunner is a started in-memory Bundle plus a Run helper that deploys,
// executes and waits. It is not crash-durable, but it is the fastest way to
// run and debug flows during development.
//
// Flows are written in YAML (see ParseFlow) or built in Go with New.
package conductor
