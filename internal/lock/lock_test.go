package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMap_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock(TodoKey("todo_1"))
	go func() {
		m.Lock(TodoKey("todo_2"))
		m.Unlock(TodoKey("todo_2"))
		close(done)
	}()

	<-done
	m.Unlock(TodoKey("todo_1"))
	assert.Equal(t, 2, m.Len())
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter, inside int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With(ConsensusKey("pc_1"), func() error {
				if atomic.AddInt64(&inside, 1) != 1 {
					t.Error("two writers held the same key")
				}
				counter++
				atomic.AddInt64(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), counter)
}

func TestMutexMap_WithReturnsError(t *testing.T) {
	m := NewMutexMap()
	boom := errors.New("boom")
	assert.ErrorIs(t, m.With(WorkflowKey("wf_1"), func() error { return boom }), boom)

	// key is released after an error
	m.Lock(WorkflowKey("wf_1"))
	m.Unlock(WorkflowKey("wf_1"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "todo:x", TodoKey("x"))
	assert.Equal(t, "consensus:x", ConsensusKey("x"))
	assert.Equal(t, "workflow:x", WorkflowKey("x"))
}

func TestFileLock_WritesPID(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl := NewFileLock(lockPath)
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()

	pid, err := ReadPID(lockPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock()
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	assert.ErrorIs(t, err, ErrLocked)
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	require.NoError(t, fl1.Unlock())

	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file should be removed on unlock")

	fl2 := NewFileLock(lockPath)
	require.NoError(t, fl2.TryLock())
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "daemon.lock"))
	require.NoError(t, fl.TryLock())
	require.NoError(t, fl.Unlock())
	assert.NoError(t, fl.Unlock())
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	pid, err := ReadPID(filepath.Join(dir, "missing.lock"))
	require.NoError(t, err)
	assert.Zero(t, pid)

	bad := filepath.Join(dir, "bad.lock")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid\n"), 0600))
	_, err = ReadPID(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.lock")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	pid, err = ReadPID(empty)
	require.NoError(t, err)
	assert.Zero(t, pid)
}
