package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the full task/execution/proposal arena in process memory.
// It is the default store when no database is configured and the store used
// throughout the test suite. Records are kept by opaque ID; ownership is
// looked up, never embedded as pointers.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]Task
	executions map[string]Execution
	proposals  map[string]Proposal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]Task),
		executions: make(map[string]Execution),
		proposals:  make(map[string]Proposal),
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists: %w", t.ID, ErrStoreConflict)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) LoadTask(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveTaskTransition(_ context.Context, id string, from, to Status, mut Mutations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrStoreNotFound
	}
	if t.Status != from {
		return fmt.Errorf("task %s is %s, expected %s: %w", id, t.Status, from, ErrStoreConflict)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if mut.Error != nil {
		t.Error = *mut.Error
	}
	if mut.CompletedAt != nil {
		at := *mut.CompletedAt
		t.CompletedAt = &at
	}
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[e.TaskID]; !ok {
		return ErrStoreNotFound
	}
	for _, other := range s.executions {
		if other.TaskID == e.TaskID && !other.Terminal() {
			return fmt.Errorf("task %s already has active execution %s: %w", e.TaskID, other.ID, ErrStoreConflict)
		}
	}
	s.executions[e.ID] = e
	return nil
}

func (s *MemoryStore) LoadActiveExecution(_ context.Context, taskID string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.executions {
		if e.TaskID == taskID && !e.Terminal() {
			return e, nil
		}
	}
	return Execution{}, ErrStoreNotFound
}

func (s *MemoryStore) CloseExecution(_ context.Context, executionID string, result ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return ErrStoreNotFound
	}
	if e.Terminal() {
		return fmt.Errorf("execution %s already closed as %s: %w", executionID, e.Status, ErrStoreConflict)
	}
	e.Status = result.Status
	e.Output = result.Output
	e.ErrorOutput = result.ErrorOutput
	e.ExitCode = result.ExitCode
	e.Artifacts = append([]string(nil), result.Artifacts...)
	ended := result.EndedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	e.EndedAt = &ended
	s.executions[executionID] = e
	return nil
}

func (s *MemoryStore) CreateProposal(_ context.Context, p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.proposals {
		if other.ExecutionID == p.ExecutionID && !other.Resolved() {
			return fmt.Errorf("execution %s: %w", p.ExecutionID, ErrProposalAlreadyPending)
		}
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) LoadProposal(_ context.Context, id string) (Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, ErrStoreNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ResolveProposal(_ context.Context, id string, status ProposalStatus, chosen, actor string, at time.Time) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, ErrStoreNotFound
	}
	if p.Resolved() {
		return p.Clone(), fmt.Errorf("proposal %s: %w", id, ErrProposalAlreadyResolved)
	}
	p.Status = status
	p.ChosenOption = chosen
	p.ResolvedBy = actor
	resolved := at
	if resolved.IsZero() {
		resolved = time.Now().UTC()
	}
	p.ResolvedAt = &resolved
	s.proposals[id] = p
	return p.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
