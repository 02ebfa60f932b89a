package persistence

// Persistence bundles the store interfaces so the executor can depend on a
// single abstraction.
type Persistence struct {
	Flows      FlowStore
	Executions ExecutionStore
	Monitors   SLAMonitorStore
	Delays     DelayStore
}

// NewInMemoryPersistence wires every store to one InMemoryStore.
func NewInMemoryPersistence() Persistence {
	s := NewInMemoryStore()
	return Persistence{Flows: s, Executions: s, Monitors: s, Delays: s}
}
