// Package sqlite is the SQLite-backed storage adapter. Entities are stored as
// JSON payloads next to the indexed columns the queries filter on.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/govflow/internal/model"
	"github.com/msageha/govflow/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the connection pool shared by the three stores.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	d := &DB{db: db}
	if err := d.initPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// OpenStores opens path and returns the three stores over one pool.
func OpenStores(ctx context.Context, path string) (*storage.Stores, error) {
	d, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return storage.NewStores(d.Todos(), d.Consensus(), d.Workflows(), d), nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, q := range stmts {
		if _, err := d.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", q, err)
		}
	}
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		v, err := parseMigrationVersion(name)
		if err != nil {
			return err
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		migs = append(migs, migration{Version: v, Name: name, SQL: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := d.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (d *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (d *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	base := strings.TrimSuffix(filename, ".sql")
	prefix, _, _ := strings.Cut(base, "_")
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s", filename)
	}
	return v, nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func queryPayloads[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(payload), v); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func getPayload[T any](ctx context.Context, db *sql.DB, kind, query, id string) (*T, error) {
	var payload string
	err := db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	v := new(T)
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return v, nil
}

func deleteRow(ctx context.Context, db *sql.DB, kind, query, id string) error {
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

type TodoStore struct{ db *sql.DB }

func (d *DB) Todos() *TodoStore { return &TodoStore{db: d.db} }

func (s *TodoStore) Save(ctx context.Context, v *model.OrchestratorTodo) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("save todo: empty id")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode todo %s: %w", v.ID, err)
	}
	pending := 0
	if storage.IsPending(v) {
		pending = 1
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO todos(id, workflow_id, pending, payload, updated_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id, pending=excluded.pending,
  payload=excluded.payload, updated_at=excluded.updated_at`,
		v.ID, v.WorkflowID, pending, string(payload), timestamp(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save todo %s: %w", v.ID, err)
	}
	return nil
}

func (s *TodoStore) Get(ctx context.Context, id string) (*model.OrchestratorTodo, error) {
	return getPayload[model.OrchestratorTodo](ctx, s.db, "todo", `SELECT payload FROM todos WHERE id = ?`, id)
}

func (s *TodoStore) GetAll(ctx context.Context) ([]*model.OrchestratorTodo, error) {
	return queryPayloads[model.OrchestratorTodo](ctx, s.db, `SELECT payload FROM todos ORDER BY id`)
}

func (s *TodoStore) GetPending(ctx context.Context) ([]*model.OrchestratorTodo, error) {
	return queryPayloads[model.OrchestratorTodo](ctx, s.db, `SELECT payload FROM todos WHERE pending = 1 ORDER BY id`)
}

func (s *TodoStore) Delete(ctx context.Context, id string) error {
	return deleteRow(ctx, s.db, "todo", `DELETE FROM todos WHERE id = ?`, id)
}

type ConsensusStore struct{ db *sql.DB }

func (d *DB) Consensus() *ConsensusStore { return &ConsensusStore{db: d.db} }

func (s *ConsensusStore) Save(ctx context.Context, v *model.PassiveConsensusItem) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("save consensus item: empty id")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode consensus item %s: %w", v.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO consensus_items(id, workflow_id, status, risk_level, review_period_ends_at, payload, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id, status=excluded.status,
  risk_level=excluded.risk_level, review_period_ends_at=excluded.review_period_ends_at,
  payload=excluded.payload, updated_at=excluded.updated_at`,
		v.ID, v.WorkflowID, string(v.Status), string(v.RiskLevel), timestamp(v.ReviewPeriodEndsAt),
		string(payload), timestamp(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save consensus item %s: %w", v.ID, err)
	}
	return nil
}

func (s *ConsensusStore) Get(ctx context.Context, id string) (*model.PassiveConsensusItem, error) {
	return getPayload[model.PassiveConsensusItem](ctx, s.db, "consensus item", `SELECT payload FROM consensus_items WHERE id = ?`, id)
}

func (s *ConsensusStore) GetAll(ctx context.Context) ([]*model.PassiveConsensusItem, error) {
	return queryPayloads[model.PassiveConsensusItem](ctx, s.db, `SELECT payload FROM consensus_items ORDER BY id`)
}

func (s *ConsensusStore) GetByStatus(ctx context.Context, status model.ConsensusStatus) ([]*model.PassiveConsensusItem, error) {
	return queryPayloads[model.PassiveConsensusItem](ctx, s.db,
		`SELECT payload FROM consensus_items WHERE status = ? ORDER BY id`, string(status))
}

func (s *ConsensusStore) Delete(ctx context.Context, id string) error {
	return deleteRow(ctx, s.db, "consensus item", `DELETE FROM consensus_items WHERE id = ?`, id)
}

type WorkflowStore struct{ db *sql.DB }

func (d *DB) Workflows() *WorkflowStore { return &WorkflowStore{db: d.db} }

func (s *WorkflowStore) Save(ctx context.Context, v *model.WorkflowContext) error {
	if v == nil || v.IssueID == "" {
		return fmt.Errorf("save workflow: empty id")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", v.IssueID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflows(id, state, payload, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, payload=excluded.payload, updated_at=excluded.updated_at`,
		v.IssueID, string(v.CurrentState), string(payload), timestamp(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", v.IssueID, err)
	}
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*model.WorkflowContext, error) {
	return getPayload[model.WorkflowContext](ctx, s.db, "workflow", `SELECT payload FROM workflows WHERE id = ?`, id)
}

func (s *WorkflowStore) GetAll(ctx context.Context) ([]*model.WorkflowContext, error) {
	return queryPayloads[model.WorkflowContext](ctx, s.db, `SELECT payload FROM workflows ORDER BY id`)
}

func (s *WorkflowStore) GetByState(ctx context.Context, state model.WorkflowState) ([]*model.WorkflowContext, error) {
	return queryPayloads[model.WorkflowContext](ctx, s.db,
		`SELECT payload FROM workflows WHERE state = ? ORDER BY id`, string(state))
}

func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	return deleteRow(ctx, s.db, "workflow", `DELETE FROM workflows WHERE id = ?`, id)
}
