// Package filestore persists engine state as one YAML document per entity,
// written atomically with a .bak of the previous version.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
	yamlutil "github.com/msageha/govflow/internal/yaml"
)

const (
	todosDir     = "todos"
	consensusDir = "consensus"
	workflowsDir = "workflows"
)

type table[T any] struct {
	mu       sync.RWMutex
	root     string
	dir      string
	fileType string
	id       func(*T) string
	logger   *slog.Logger
}

func newTable[T any](root, sub, fileType string, id func(*T) string, logger *slog.Logger) (*table[T], error) {
	dir := filepath.Join(root, sub)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &table[T]{root: root, dir: dir, fileType: fileType, id: id, logger: logger}, nil
}

func (t *table[T]) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid %s id %q", t.fileType, id)
	}
	return filepath.Join(t.dir, id+".yaml"), nil
}

func (t *table[T]) save(ctx context.Context, v *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("save nil %s", t.fileType)
	}
	p, err := t.path(t.id(v))
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := yamlutil.AtomicWrite(p, yamlutil.NewEnvelope(t.fileType, v)); err != nil {
		return fmt.Errorf("save %s %s: %w", t.fileType, t.id(v), err)
	}
	return nil
}

func (t *table[T]) get(ctx context.Context, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := t.path(id)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.load(p, id)
}

func (t *table[T]) load(p, id string) (*T, error) {
	var env yamlutil.Envelope[*T]
	if err := yamlutil.LoadDocument(t.root, p, t.fileType, &env, t.logger); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s %s: %w", t.fileType, id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("load %s %s: %w", t.fileType, id, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("load %s %s: empty document", t.fileType, id)
	}
	return env.Data, nil
}

func (t *table[T]) filter(ctx context.Context, keep func(*T) bool) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".yaml" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(ids)

	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		v, err := t.load(filepath.Join(t.dir, id+".yaml"), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *table[T]) delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := t.path(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", t.fileType, id, storage.ErrNotFound)
		}
		return fmt.Errorf("delete %s %s: %w", t.fileType, id, err)
	}
	_ = os.Remove(p + ".bak")
	return nil
}

type TodoStore struct{ t *table[model.OrchestratorTodo] }

func NewTodoStore(root string, logger *slog.Logger) (*TodoStore, error) {
	t, err := newTable(root, todosDir, yamlutil.FileTypeTodo,
		func(v *model.OrchestratorTodo) string { return v.ID }, logger)
	if err != nil {
		return nil, err
	}
	return &TodoStore{t: t}, nil
}

func (s *TodoStore) Save(ctx context.Context, v *model.OrchestratorTodo) error {
	return s.t.save(ctx, v)
}

func (s *TodoStore) Get(ctx context.Context, id string) (*model.OrchestratorTodo, error) {
	return s.t.get(ctx, id)
}

func (s *TodoStore) GetAll(ctx context.Context) ([]*model.OrchestratorTodo, error) {
	return s.t.filter(ctx, nil)
}

func (s *TodoStore) GetPending(ctx context.Context) ([]*model.OrchestratorTodo, error) {
	return s.t.filter(ctx, storage.IsPending)
}

func (s *TodoStore) Delete(ctx context.Context, id string) error {
	return s.t.delete(ctx, id)
}

type ConsensusStore struct{ t *table[model.PassiveConsensusItem] }

func NewConsensusStore(root string, logger *slog.Logger) (*ConsensusStore, error) {
	t, err := newTable(root, consensusDir, yamlutil.FileTypeConsensus,
		func(v *model.PassiveConsensusItem) string { return v.ID }, logger)
	if err != nil {
		return nil, err
	}
	return &ConsensusStore{t: t}, nil
}

func (s *ConsensusStore) Save(ctx context.Context, v *model.PassiveConsensusItem) error {
	return s.t.save(ctx, v)
}

func (s *ConsensusStore) Get(ctx context.Context, id string) (*model.PassiveConsensusItem, error) {
	return s.t.get(ctx, id)
}

func (s *ConsensusStore) GetAll(ctx context.Context) ([]*model.PassiveConsensusItem, error) {
	return s.t.filter(ctx, nil)
}

func (s *ConsensusStore) GetByStatus(ctx context.Context, status model.ConsensusStatus) ([]*model.PassiveConsensusItem, error) {
	return s.t.filter(ctx, func(v *model.PassiveConsensusItem) bool { return v.Status == status })
}

func (s *ConsensusStore) Delete(ctx context.Context, id string) error {
	return s.t.delete(ctx, id)
}

type WorkflowStore struct{ t *table[model.WorkflowContext] }

func NewWorkflowStore(root string, logger *slog.Logger) (*WorkflowStore, error) {
	t, err := newTable(root, workflowsDir, yamlutil.FileTypeWorkflow,
		func(v *model.WorkflowContext) string { return v.IssueID }, logger)
	if err != nil {
		return nil, err
	}
	return &WorkflowStore{t: t}, nil
}

func (s *WorkflowStore) Save(ctx context.Context, v *model.WorkflowContext) error {
	return s.t.save(ctx, v)
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*model.WorkflowContext, error) {
	return s.t.get(ctx, id)
}

func (s *WorkflowStore) GetAll(ctx context.Context) ([]*model.WorkflowContext, error) {
	return s.t.filter(ctx, nil)
}

func (s *WorkflowStore) GetByState(ctx context.Context, state model.WorkflowState) ([]*model.WorkflowContext, error) {
	return s.t.filter(ctx, func(v *model.WorkflowContext) bool { return v.CurrentState == state })
}

func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	return s.t.delete(ctx, id)
}

// Open creates the three file stores under root.
func Open(root string, logger *slog.Logger) (*storage.Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	todos, err := NewTodoStore(root, logger)
	if err != nil {
		return nil, err
	}
	items, err := NewConsensusStore(root, logger)
	if err != nil {
		return nil, err
	}
	workflows, err := NewWorkflowStore(root, logger)
	if err != nil {
		return nil, err
	}
	return storage.NewStores(todos, items, workflows, nil), nil
}
