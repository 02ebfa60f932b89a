package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/conductor/pkg/api"
)

type lease struct {
	owner   string
	expires time.Time
}

// InMemoryStore is a goroutine-safe implementation of every store interface
// backed by maps. Executions are cloned on the way in and out so callers
// never share state with the store.
type InMemoryStore struct {
	clock clockwork.Clock

	mu         sync.RWMutex
	flows      map[string][]*api.Flow
	executions map[string]*api.Execution
	leases     map[string]lease
	monitors   map[string]map[string]api.SLAMonitor
	delays     map[string]map[string]api.ExecutionDelay
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewInMemoryStoreWithClock creates an InMemoryStore whose leases expire
// according to clock.
func NewInMemoryStoreWithClock(clock clockwork.Clock) *InMemoryStore {
	return &InMemoryStore{
		clock:      clock,
		flows:      make(map[string][]*api.Flow),
		executions: make(map[string]*api.Execution),
		leases:     make(map[string]lease),
		monitors:   make(map[string]map[string]api.SLAMonitor),
		delays:     make(map[string]map[string]api.ExecutionDelay),
	}
}

var (
	_ FlowStore       = (*InMemoryStore)(nil)
	_ ExecutionStore  = (*InMemoryStore)(nil)
	_ SLAMonitorStore = (*InMemoryStore)(nil)
	_ DelayStore      = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, exec := range s.executions {
		if filter.Matches(exec) {
			result = append(result, exec.Clone())
		}
	}
	sortExecutions(result)
	return result, nil
}

// sortExecutions orders executions by creation date, then id.
func sortExecutions(execs []*api.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		a, b := execs[i].State.StartDate(), execs[j].State.StartDate()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return execs[i].ID < execs[j].ID
	})
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cur, ok := s.leases[executionID]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	s.leases[executionID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cur, ok := s.leases[executionID]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return api.ErrExecutionLocked
	}
	s.leases[executionID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[executionID]; ok && cur.owner == owner {
		delete(s.leases, executionID)
	}
	return nil
}

func (s *InMemoryStore) SaveMonitor(ctx context.Context, m api.SLAMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byExec := s.monitors[m.ExecutionID]
	if byExec == nil {
		byExec = make(map[string]api.SLAMonitor)
		s.monitors[m.ExecutionID] = byExec
	}
	byExec[m.SLAID] = m
	return nil
}

func (s *InMemoryStore) PurgeMonitors(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.monitors, executionID)
	return nil
}

func (s *InMemoryStore) ProcessExpiredMonitors(ctx context.Context, now time.Time, fn func(api.SLAMonitor) error) error {
	s.mu.RLock()
	var due []api.SLAMonitor
	for _, byExec := range s.monitors {
		for _, m := range byExec {
			if !m.Deadline.After(now) {
				due = append(due, m)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	for _, m := range due {
		if err := fn(m); err != nil {
			return err
		}
		s.mu.Lock()
		if byExec := s.monitors[m.ExecutionID]; byExec != nil {
			delete(byExec, m.SLAID)
			if len(byExec) == 0 {
				delete(s.monitors, m.ExecutionID)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *InMemoryStore) SaveDelay(ctx context.Context, d api.ExecutionDelay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byExec := s.delays[d.ExecutionID]
	if byExec == nil {
		byExec = make(map[string]api.ExecutionDelay)
		s.delays[d.ExecutionID] = byExec
	}
	byExec[d.Key()] = d
	return nil
}

func (s *InMemoryStore) PurgeDelays(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.delays, executionID)
	return nil
}

func (s *InMemoryStore) ProcessExpiredDelays(ctx context.Context, now time.Time, fn func(api.ExecutionDelay) error) error {
	s.mu.RLock()
	var due []api.ExecutionDelay
	for _, byExec := range s.delays {
		for _, d := range byExec {
			if !d.Date.After(now) {
				due = append(due, d)
			}
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(due, func(a, b api.ExecutionDelay) int { return a.Date.Compare(b.Date) })
	for _, d := range due {
		if err := fn(d); err != nil {
			return err
		}
		s.mu.Lock()
		if byExec := s.delays[d.ExecutionID]; byExec != nil {
			// Only remove the delay that fired; a newer one may have replaced it.
			if cur, ok := byExec[d.Key()]; ok && cur.Date.Equal(d.Date) {
				delete(byExec, d.Key())
			}
			if len(byExec) == 0 {
				delete(s.delays, d.ExecutionID)
			}
		}
		s.mu.Unlock()
	}
	return nil
}
