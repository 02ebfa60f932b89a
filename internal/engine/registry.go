package engine

import (
	"context"
	"sync"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/pkg/api"
)

// flowRegistry caches flow revisions loaded from the FlowStore. A revision
// never changes once saved, so entries are kept until the process exits.
type flowRegistry struct {
	store persistence.FlowStore

	mu    sync.RWMutex
	byUID map[string]map[int]*api.Flow
}

func newFlowRegistry(store persistence.FlowStore) *flowRegistry {
	return &flowRegistry{
		store: store,
		byUID: make(map[string]map[int]*api.Flow),
	}
}

// Get returns a revision of a flow. A nil revision always asks the store
// for the latest one.
func (r *flowRegistry) Get(ctx context.Context, namespace, id string, revision *int) (*api.Flow, error) {
	uid := api.FlowUID("", namespace, id)
	if revision != nil {
		r.mu.RLock()
		flow, ok := r.byUID[uid][*revision]
		r.mu.RUnlock()
		if ok {
			return flow, nil
		}
	}

	flow, err := r.store.FindFlow(ctx, namespace, id, revision)
	if err != nil {
		return nil, err
	}
	r.register(flow)
	return flow, nil
}

func (r *flowRegistry) register(flow *api.Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid := api.FlowUID("", flow.Namespace, flow.ID)
	revisions := r.byUID[uid]
	if revisions == nil {
		revisions = make(map[int]*api.Flow)
		r.byUID[uid] = revisions
	}
	revisions[flow.Revision] = flow
}

// Revisions returns the revisions known to the store.
func (r *flowRegistry) Revisions(ctx context.Context, namespace, id string) ([]int, error) {
	return r.store.FindRevisions(ctx, namespace, id)
}
