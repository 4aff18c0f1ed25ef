package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
	"github.com/msageha/govflow/internal/storage/storagetest"
)

func TestMemoryTodoStorage(t *testing.T) {
	storagetest.RunTodoStorage(t, func(*testing.T) storage.TodoStorage {
		return storage.NewMemoryTodoStorage()
	})
}

func TestMemoryConsensusStorage(t *testing.T) {
	storagetest.RunConsensusStorage(t, func(*testing.T) storage.ConsensusStorage {
		return storage.NewMemoryConsensusStorage()
	})
}

func TestMemoryWorkflowStorage(t *testing.T) {
	storagetest.RunWorkflowStorage(t, func(*testing.T) storage.WorkflowStorage {
		return storage.NewMemoryWorkflowStorage()
	})
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := storage.NewMemoryTodoStorage()
	assert.ErrorIs(t, s.Save(ctx, &model.OrchestratorTodo{ID: "todo_1"}), context.Canceled)
	_, err := s.GetAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStores_CloseIsNoop(t *testing.T) {
	stores := storage.NewMemoryStores()
	require.NotNil(t, stores.Todos)
	require.NotNil(t, stores.Consensus)
	require.NotNil(t, stores.Workflows)
	assert.NoError(t, stores.Close())
}
