package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
	"github.com/msageha/govflow/internal/storage/storagetest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), filepath.Join(t.TempDir(), "govflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestTodoStore_Contract(t *testing.T) {
	storagetest.RunTodoStorage(t, func(t *testing.T) storage.TodoStorage { return openTestDB(t).Todos() })
}

func TestConsensusStore_Contract(t *testing.T) {
	storagetest.RunConsensusStorage(t, func(t *testing.T) storage.ConsensusStorage { return openTestDB(t).Consensus() })
}

func TestWorkflowStore_Contract(t *testing.T) {
	storagetest.RunWorkflowStorage(t, func(t *testing.T) storage.WorkflowStorage { return openTestDB(t).Workflows() })
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "govflow.db")

	d, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, d.Todos().Save(ctx, &model.OrchestratorTodo{ID: "todo_1"}))
	require.NoError(t, d.Migrate(ctx))
	require.NoError(t, d.Close())

	d, err = Open(ctx, path)
	require.NoError(t, err)
	defer d.Close()
	all, err := d.Todos().GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	applied, err := d.appliedVersions(ctx)
	require.NoError(t, err)
	assert.True(t, applied[1])
}

func TestOpenStores_ClosesPool(t *testing.T) {
	stores, err := OpenStores(context.Background(), filepath.Join(t.TempDir(), "nested", "govflow.db"))
	require.NoError(t, err)
	require.NoError(t, stores.Close())

	_, err = stores.Todos.GetAll(context.Background())
	assert.Error(t, err, "pool is closed")
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("0001_init.sql")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = parseMigrationVersion("init.sql")
	assert.Error(t, err)
}
