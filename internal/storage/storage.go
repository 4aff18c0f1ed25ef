// Package storage defines the persistence contracts the engine depends on
// and an in-memory implementation of each.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/msageha/govflow/internal/model"
)

var ErrNotFound = errors.New("not found")

// TodoStorage persists one OrchestratorTodo per workflow.
type TodoStorage interface {
	Save(ctx context.Context, todo *model.OrchestratorTodo) error
	Get(ctx context.Context, id string) (*model.OrchestratorTodo, error)
	GetAll(ctx context.Context) ([]*model.OrchestratorTodo, error)
	// GetPending returns Todos that still have open tasks or are blocked.
	GetPending(ctx context.Context) ([]*model.OrchestratorTodo, error)
	Delete(ctx context.Context, id string) error
}

type ConsensusStorage interface {
	Save(ctx context.Context, item *model.PassiveConsensusItem) error
	Get(ctx context.Context, id string) (*model.PassiveConsensusItem, error)
	GetAll(ctx context.Context) ([]*model.PassiveConsensusItem, error)
	GetByStatus(ctx context.Context, status model.ConsensusStatus) ([]*model.PassiveConsensusItem, error)
	Delete(ctx context.Context, id string) error
}

// WorkflowStorage persists workflow contexts keyed by IssueID.
type WorkflowStorage interface {
	Save(ctx context.Context, wf *model.WorkflowContext) error
	Get(ctx context.Context, id string) (*model.WorkflowContext, error)
	GetAll(ctx context.Context) ([]*model.WorkflowContext, error)
	GetByState(ctx context.Context, state model.WorkflowState) ([]*model.WorkflowContext, error)
	Delete(ctx context.Context, id string) error
}

// Stores bundles the three stores of one backend.
type Stores struct {
	Todos     TodoStorage
	Consensus ConsensusStorage
	Workflows WorkflowStorage
	closer    io.Closer
}

func NewStores(todos TodoStorage, consensus ConsensusStorage, workflows WorkflowStorage, closer io.Closer) *Stores {
	return &Stores{Todos: todos, Consensus: consensus, Workflows: workflows, closer: closer}
}

func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// IsPending reports whether a Todo belongs in GetPending results.
func IsPending(t *model.OrchestratorTodo) bool {
	return t.IsBlocked() || t.HasOpenTasks()
}
