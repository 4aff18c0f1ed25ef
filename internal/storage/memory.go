package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/govflow/internal/model"
)

// memTable is a map of deep copies so callers never share memory with the store.
type memTable[T any] struct {
	mu    sync.RWMutex
	rows  map[string]*T
	clone func(*T) *T
	id    func(*T) string
	kind  string
}

func newMemTable[T any](kind string, id func(*T) string, clone func(*T) *T) *memTable[T] {
	return &memTable[T]{rows: make(map[string]*T), clone: clone, id: id, kind: kind}
}

func (m *memTable[T]) save(ctx context.Context, v *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("save nil %s", m.kind)
	}
	id := m.id(v)
	if id == "" {
		return fmt.Errorf("save %s: empty id", m.kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = m.clone(v)
	return nil
}

func (m *memTable[T]) get(ctx context.Context, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", m.kind, id, ErrNotFound)
	}
	return m.clone(v), nil
}

func (m *memTable[T]) filter(ctx context.Context, keep func(*T) bool) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rows))
	for id, v := range m.rows {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.clone(m.rows[id]))
	}
	return out, nil
}

func (m *memTable[T]) delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return fmt.Errorf("%s %s: %w", m.kind, id, ErrNotFound)
	}
	delete(m.rows, id)
	return nil
}

type MemoryTodoStorage struct{ t *memTable[model.OrchestratorTodo] }

func NewMemoryTodoStorage() *MemoryTodoStorage {
	return &MemoryTodoStorage{t: newMemTable("todo",
		func(v *model.OrchestratorTodo) string { return v.ID },
		(*model.OrchestratorTodo).Clone)}
}

func (s *MemoryTodoStorage) Save(ctx context.Context, v *model.OrchestratorTodo) error {
	return s.t.save(ctx, v)
}

func (s *MemoryTodoStorage) Get(ctx context.Context, id string) (*model.OrchestratorTodo, error) {
	return s.t.get(ctx, id)
}

func (s *MemoryTodoStorage) GetAll(ctx context.Context) ([]*model.OrchestratorTodo, error) {
	return s.t.filter(ctx, nil)
}

func (s *MemoryTodoStorage) GetPending(ctx context.Context) ([]*model.OrchestratorTodo, error) {
	return s.t.filter(ctx, IsPending)
}

func (s *MemoryTodoStorage) Delete(ctx context.Context, id string) error {
	return s.t.delete(ctx, id)
}

type MemoryConsensusStorage struct{ t *memTable[model.PassiveConsensusItem] }

func NewMemoryConsensusStorage() *MemoryConsensusStorage {
	return &MemoryConsensusStorage{t: newMemTable("consensus item",
		func(v *model.PassiveConsensusItem) string { return v.ID },
		(*model.PassiveConsensusItem).Clone)}
}

func (s *MemoryConsensusStorage) Save(ctx context.Context, v *model.PassiveConsensusItem) error {
	return s.t.save(ctx, v)
}

func (s *MemoryConsensusStorage) Get(ctx context.Context, id string) (*model.PassiveConsensusItem, error) {
	return s.t.get(ctx, id)
}

func (s *MemoryConsensusStorage) GetAll(ctx context.Context) ([]*model.PassiveConsensusItem, error) {
	return s.t.filter(ctx, nil)
}

func (s *MemoryConsensusStorage) GetByStatus(ctx context.Context, status model.ConsensusStatus) ([]*model.PassiveConsensusItem, error) {
	return s.t.filter(ctx, func(v *model.PassiveConsensusItem) bool { return v.Status == status })
}

func (s *MemoryConsensusStorage) Delete(ctx context.Context, id string) error {
	return s.t.delete(ctx, id)
}

type MemoryWorkflowStorage struct{ t *memTable[model.WorkflowContext] }

func NewMemoryWorkflowStorage() *MemoryWorkflowStorage {
	return &MemoryWorkflowStorage{t: newMemTable("workflow",
		func(v *model.WorkflowContext) string { return v.IssueID },
		(*model.WorkflowContext).Clone)}
}

func (s *MemoryWorkflowStorage) Save(ctx context.Context, v *model.WorkflowContext) error {
	return s.t.save(ctx, v)
}

func (s *MemoryWorkflowStorage) Get(ctx context.Context, id string) (*model.WorkflowContext, error) {
	return s.t.get(ctx, id)
}

func (s *MemoryWorkflowStorage) GetAll(ctx context.Context) ([]*model.WorkflowContext, error) {
	return s.t.filter(ctx, nil)
}

func (s *MemoryWorkflowStorage) GetByState(ctx context.Context, state model.WorkflowState) ([]*model.WorkflowContext, error) {
	return s.t.filter(ctx, func(v *model.WorkflowContext) bool { return v.CurrentState == state })
}

func (s *MemoryWorkflowStorage) Delete(ctx context.Context, id string) error {
	return s.t.delete(ctx, id)
}

// NewMemoryStores returns a fresh in-memory backend.
func NewMemoryStores() *Stores {
	return NewStores(NewMemoryTodoStorage(), NewMemoryConsensusStorage(), NewMemoryWorkflowStorage(), nil)
}
