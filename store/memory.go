package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxproj/flux/flux"
)

// MemoryStore is an in-memory Store implementation for tests, development,
// and single-process deployments. All operations are protected by a single
// RWMutex. Records are copied on the way in and out, so callers never hold
// the stored struct itself. The copies are shallow apart from event lists,
// secret and cache bytes, a saved worker's workflow list, and update
// outputs; other slice and pointer fields are shared with the caller.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string][]*Workflow // name -> versions ascending
	executions  map[string]*flux.Execution
	events      map[string][]flux.Event
	workers     map[string]*Worker
	secrets     map[string][]byte
	cache       map[string]*cacheEntry // taskName+"\x00"+fingerprint
	cachePolicy CachePolicy
	now         func() time.Time
}

type cacheEntry struct {
	value    []byte
	created  time.Time
	lastUsed time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCachePolicy bounds the task-output cache.
func WithCachePolicy(p CachePolicy) MemoryOption {
	return func(s *MemoryStore) { s.cachePolicy = p }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		workflows:  make(map[string][]*Workflow),
		executions: make(map[string]*flux.Execution),
		events:     make(map[string][]flux.Event),
		workers:    make(map[string]*Worker),
		secrets:    make(map[string][]byte),
		cache:      make(map[string]*cacheEntry),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveWorkflow implements Store.
func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	cp.Version = len(s.workflows[wf.Name]) + 1
	cp.CreatedAt = s.now().UTC()
	s.workflows[wf.Name] = append(s.workflows[wf.Name], &cp)
	return cp.Version, nil
}

// GetWorkflow implements Store.
func (s *MemoryStore) GetWorkflow(_ context.Context, name string, version int) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.workflows[name]
	if version < 1 || version > len(versions) {
		return nil, ErrNotFound
	}
	cp := *versions[version-1]
	return &cp, nil
}

// LatestWorkflow implements Store.
func (s *MemoryStore) LatestWorkflow(_ context.Context, name string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.workflows[name]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

// ListWorkflows implements Store.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, versions := range s.workflows {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateExecution implements Store.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *flux.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.executions[exec.ID]; dup {
		return ErrConflict
	}
	cp := *exec
	cp.Events = nil
	now := s.now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.executions[exec.ID] = &cp
	return nil
}

// GetExecution implements Store.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*flux.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	cp.Events = append([]flux.Event(nil), s.events[id]...)
	return &cp, nil
}

// AppendEvents implements Store.
func (s *MemoryStore) AppendEvents(_ context.Context, id string, expectSeq int64, events []flux.Event, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if exec.CheckpointSeq != expectSeq {
		return ErrConflict
	}
	s.events[id] = append(s.events[id], events...)
	exec.CheckpointSeq = expectSeq + int64(len(events))
	applyUpdate(exec, update)
	exec.UpdatedAt = s.now().UTC()
	return nil
}

// UpdateExecution implements Store.
func (s *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	applyUpdate(exec, update)
	exec.UpdatedAt = s.now().UTC()
	return nil
}

// ClaimExecution implements Store.
func (s *MemoryStore) ClaimExecution(_ context.Context, id, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return ErrNotFound
	}
	if exec.State != flux.StateScheduled {
		return ErrConflict
	}
	exec.State = flux.StateClaimed
	exec.Worker = worker
	exec.UpdatedAt = s.now().UTC()
	return nil
}

// ReleaseExecutions implements Store.
func (s *MemoryStore) ReleaseExecutions(_ context.Context, worker string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var released []string
	for id, exec := range s.executions {
		if exec.Worker != worker {
			continue
		}
		switch exec.State {
		case flux.StateClaimed, flux.StateRunning, flux.StateCancelling:
			exec.State = flux.StateScheduled
			exec.Worker = ""
			exec.UpdatedAt = s.now().UTC()
			released = append(released, id)
		}
	}
	sort.Strings(released)
	return released, nil
}

// ListExecutionsByState implements Store.
func (s *MemoryStore) ListExecutionsByState(_ context.Context, state flux.ExecutionState, limit int) ([]*flux.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*flux.Execution
	for _, exec := range s.executions {
		if exec.State == state {
			cp := *exec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveWorker implements Store.
func (s *MemoryStore) SaveWorker(_ context.Context, w *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	cp.Workflows = append([]string(nil), w.Workflows...)
	s.workers[w.Name] = &cp
	return nil
}

// GetWorker implements Store.
func (s *MemoryStore) GetWorker(_ context.Context, name string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkers implements Store.
func (s *MemoryStore) ListWorkers(_ context.Context) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Worker
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteWorker implements Store.
func (s *MemoryStore) DeleteWorker(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[name]; !ok {
		return ErrNotFound
	}
	delete(s.workers, name)
	return nil
}

// TouchWorker implements Store.
func (s *MemoryStore) TouchWorker(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return ErrNotFound
	}
	w.LastSeen = at
	return nil
}

// SetSecret implements Store.
func (s *MemoryStore) SetSecret(_ context.Context, name string, ciphertext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = append([]byte(nil), ciphertext...)
	return nil
}

// GetSecret implements Store.
func (s *MemoryStore) GetSecret(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ct, ok := s.secrets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), ct...), nil
}

// ListSecrets implements Store.
func (s *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteSecret implements Store.
func (s *MemoryStore) DeleteSecret(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[name]; !ok {
		return ErrNotFound
	}
	delete(s.secrets, name)
	return nil
}

// CacheGet implements Store.
func (s *MemoryStore) CacheGet(_ context.Context, taskName, fingerprint string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskName + "\x00" + fingerprint
	entry, ok := s.cache[key]
	if !ok {
		return nil, false, nil
	}
	if ttl := s.cachePolicy.TTL; ttl > 0 && s.now().Sub(entry.created) > ttl {
		delete(s.cache, key)
		return nil, false, nil
	}
	entry.lastUsed = s.now()
	return append([]byte(nil), entry.value...), true, nil
}

// CachePut implements Store.
func (s *MemoryStore) CachePut(_ context.Context, taskName, fingerprint string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskName + "\x00" + fingerprint
	if _, exists := s.cache[key]; exists {
		// Entries are immutable once written.
		return nil
	}
	now := s.now()
	s.cache[key] = &cacheEntry{value: append([]byte(nil), value...), created: now, lastUsed: now}
	s.evictLocked()
	return nil
}

// evictLocked drops least-recently-used entries beyond capacity.
func (s *MemoryStore) evictLocked() {
	max := s.cachePolicy.maxEntries()
	for len(s.cache) > max {
		var oldestKey string
		var oldest time.Time
		for key, entry := range s.cache {
			if oldestKey == "" || entry.lastUsed.Before(oldest) {
				oldestKey = key
				oldest = entry.lastUsed
			}
		}
		delete(s.cache, oldestKey)
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func applyUpdate(exec *flux.Execution, update ExecutionUpdate) {
	if update.State != nil {
		exec.State = *update.State
	}
	if update.Worker != nil {
		exec.Worker = *update.Worker
	}
	if update.Output != nil {
		exec.Output = append([]byte(nil), update.Output...)
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
}

var _ Store = (*MemoryStore)(nil)
