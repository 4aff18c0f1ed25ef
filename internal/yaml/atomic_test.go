package yaml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_CreatesDirectoryAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todos", "todo_1.yaml")

	require.NoError(t, AtomicWrite(path, map[string]any{"key": "value", "count": 42}))

	var result map[string]any
	require.NoError(t, ReadFile(path, &result))
	assert.Equal(t, "value", result["key"])
	assert.Equal(t, 42, result["count"])
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")

	require.NoError(t, AtomicWrite(path, map[string]string{"version": "1"}))
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "2"}))

	var bak, cur map[string]string
	require.NoError(t, ReadFile(path+".bak", &bak))
	require.NoError(t, ReadFile(path, &cur))
	assert.Equal(t, "1", bak["version"])
	assert.Equal(t, "2", cur["version"])
}

func TestAtomicWriteRaw_InvalidYAMLLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	err := AtomicWriteRaw(path, []byte(":\n  invalid: [\n    broken"))
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file should not exist after failed write")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be cleaned up")
}

func TestReadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	var v map[string]any

	err := ReadFile(filepath.Join(dir, "missing.yaml"), &v)
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("a: [\n"), 0644))
	assert.Error(t, ReadFile(bad, &v))
}

type payload struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func TestEnvelope_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, AtomicWrite(path, NewEnvelope(FileTypeWorkflow, payload{Name: "wf", Count: 3})))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "schema_version: 1")
	assert.Contains(t, string(content), "file_type: workflow")

	require.NoError(t, ValidateSchemaHeader(path, FileTypeWorkflow))

	var env Envelope[payload]
	require.NoError(t, yamlv3.Unmarshal(content, &env))
	assert.Equal(t, payload{Name: "wf", Count: 3}, env.Data)
}

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{"valid", "schema_version: 1\nfile_type: todo\n", FileTypeTodo, false},
		{"any type accepted when unspecified", "schema_version: 1\nfile_type: consensus_item\n", "", false},
		{"missing version", "file_type: todo\n", FileTypeTodo, true},
		{"negative version", "schema_version: -1\nfile_type: todo\n", FileTypeTodo, true},
		{"future version", "schema_version: 99\nfile_type: todo\n", FileTypeTodo, true},
		{"missing type", "schema_version: 1\n", "", true},
		{"unknown type", "schema_version: 1\nfile_type: queue_task\n", "", true},
		{"type mismatch", "schema_version: 1\nfile_type: todo\n", FileTypeWorkflow, true},
		{"not yaml", "schema_version: [\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadDocument_RestoresFromBackup(t *testing.T) {
	stateDir := t.TempDir()
	path := filepath.Join(stateDir, "todos", "todo_1.yaml")

	require.NoError(t, AtomicWrite(path, NewEnvelope(FileTypeTodo, payload{Name: "v1"})))
	require.NoError(t, AtomicWrite(path, NewEnvelope(FileTypeTodo, payload{Name: "v2"})))
	require.NoError(t, os.WriteFile(path, []byte("garbage: [\n"), 0644))

	var env Envelope[payload]
	require.NoError(t, LoadDocument(stateDir, path, FileTypeTodo, &env, nil))
	assert.Equal(t, "v1", env.Data.Name)

	quarantined, err := filepath.Glob(filepath.Join(stateDir, "quarantine", "todo_1.yaml.*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestLoadDocument_NoBackupIsCorrupt(t *testing.T) {
	stateDir := t.TempDir()
	path := filepath.Join(stateDir, "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: 1\nfile_type: todo\n"), 0644))

	var env Envelope[payload]
	err := LoadDocument(stateDir, path, FileTypeWorkflow, &env, nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadDocument_MissingFile(t *testing.T) {
	var env Envelope[payload]
	err := LoadDocument(t.TempDir(), "/nonexistent/file.yaml", FileTypeTodo, &env, nil)
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreFromBackup_CorruptBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.yaml")
	require.NoError(t, os.WriteFile(path+".bak", []byte("not: a: header"), 0644))
	assert.Error(t, RestoreFromBackup(path, FileTypeTodo))
	assert.Error(t, RestoreFromBackup(filepath.Join(t.TempDir(), "none.yaml"), FileTypeTodo))
}
