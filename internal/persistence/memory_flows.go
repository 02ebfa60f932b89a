package persistence

import (
	"context"
	"fmt"
	"sort"

	"github.com/petrijr/conductor/pkg/api"
)

func flowKey(namespace, id string) string {
	return namespace + "/" + id
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, flow *api.Flow) (*api.Flow, error) {
	if errs := flow.Validate(); len(errs) > 0 {
		return nil, errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := flowKey(flow.Namespace, flow.ID)
	revisions := s.flows[key]
	if n := len(revisions); n > 0 {
		latest := revisions[n-1]
		if flow.Source != "" && latest.Source == flow.Source {
			return latest, nil
		}
	}

	saved := *flow
	saved.Revision = len(revisions) + 1
	s.flows[key] = append(revisions, &saved)
	return &saved, nil
}

func (s *InMemoryStore) FindFlow(ctx context.Context, namespace, id string, revision *int) (*api.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revisions := s.flows[flowKey(namespace, id)]
	if len(revisions) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrFlowNotFound, namespace, id)
	}
	if revision == nil {
		return revisions[len(revisions)-1], nil
	}
	if *revision < 1 || *revision > len(revisions) {
		return nil, fmt.Errorf("%w: %s/%s revision %d", ErrFlowNotFound, namespace, id, *revision)
	}
	return revisions[*revision-1], nil
}

func (s *InMemoryStore) FindRevisions(ctx context.Context, namespace, id string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revisions := s.flows[flowKey(namespace, id)]
	out := make([]int, 0, len(revisions))
	for _, f := range revisions {
		out = append(out, f.Revision)
	}
	return out, nil
}

func (s *InMemoryStore) ListFlows(ctx context.Context) ([]*api.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.Flow, 0, len(s.flows))
	for _, revisions := range s.flows {
		out = append(out, revisions[len(revisions)-1])
	}
	sort.Slice(out, func(i, j int) bool {
		return flowKey(out[i].Namespace, out[i].ID) < flowKey(out[j].Namespace, out[j].ID)
	})
	return out, nil
}
