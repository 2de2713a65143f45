// ABOUTME: SQLite-backed cache of the last known agents and tasks
// ABOUTME: Opens the database in WAL mode and creates the schema on first use

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/fleetsync/internal/fleet"
	"github.com/2389/fleetsync/internal/state"
)

// ErrEmpty is returned by Load when nothing has been saved yet.
var ErrEmpty = errors.New("cache is empty")

const metaSavedAt = "saved_at"

// SQLiteStore is the warm-start cache.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens or creates the cache at path. Parent directories are
// created if needed. Pass nil logger for default.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps :memory: databases on a single connection and avoids
	// SQLITE_BUSY between the journal and Replace.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("cache opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			last_update_at TEXT,
			saved_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			partition TEXT NOT NULL,
			data TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_partition ON tasks(partition);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing cache")
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) putAgent(ctx context.Context, x execer, a *fleet.Agent, savedAt string) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding agent %s: %w", a.ID, err)
	}
	var lastUpdate any
	if !a.LastUpdateAt.IsZero() {
		lastUpdate = a.LastUpdateAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO agents (id, data, last_update_at, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data,
			last_update_at = excluded.last_update_at, saved_at = excluded.saved_at
	`, a.ID, string(data), lastUpdate, savedAt)
	if err != nil {
		return fmt.Errorf("saving agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) putTask(ctx context.Context, x execer, t *fleet.Task, savedAt string) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO tasks (id, status, partition, data, saved_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status,
			partition = excluded.partition, data = excluded.data, saved_at = excluded.saved_at
	`, t.ID, string(t.Status), string(t.Partition()), string(data), savedAt)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) touch(ctx context.Context, x execer, savedAt string) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaSavedAt, savedAt)
	if err != nil {
		return fmt.Errorf("updating save time: %w", err)
	}
	return nil
}

// Apply writes a batch of committed changes in one transaction.
func (s *SQLiteStore) Apply(ctx context.Context, changes []state.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	savedAt := s.now().UTC().Format(time.RFC3339Nano)
	for _, c := range changes {
		switch {
		case c.Kind == state.KindAgent && c.Op == state.OpUpsert && c.Agent != nil:
			err = s.putAgent(ctx, tx, c.Agent, savedAt)
		case c.Kind == state.KindAgent && c.Op == state.OpRemove:
			_, err = tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, c.ID)
		case c.Kind == state.KindTask && c.Op == state.OpUpsert && c.Task != nil:
			err = s.putTask(ctx, tx, c.Task, savedAt)
		case c.Kind == state.KindTask && c.Op == state.OpRemove:
			_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, c.ID)
		}
		if err != nil {
			return fmt.Errorf("applying %s %s %s: %w", c.Kind, c.Op, c.ID, err)
		}
	}
	if err := s.touch(ctx, tx, savedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// Replace overwrites the cache with the given records.
func (s *SQLiteStore) Replace(ctx context.Context, agents []*fleet.Agent, tasks []*fleet.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents`); err != nil {
		return fmt.Errorf("clearing agents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clearing tasks: %w", err)
	}

	savedAt := s.now().UTC().Format(time.RFC3339Nano)
	for _, a := range agents {
		if err := s.putAgent(ctx, tx, a, savedAt); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if t.Partition() == fleet.PartitionTerminal {
			continue
		}
		if err := s.putTask(ctx, tx, t, savedAt); err != nil {
			return err
		}
	}
	if err := s.touch(ctx, tx, savedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	s.logger.Debug("cache replaced", "agents", len(agents), "tasks", len(tasks))
	return nil
}

// Load returns the cached view as snapshots of every partition, stamped with
// the last save time. It returns ErrEmpty if nothing was ever saved.
func (s *SQLiteStore) Load(ctx context.Context) ([]state.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaSavedAt).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("reading save time: %w", err)
	}
	savedAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parsing save time %q: %w", raw, err)
	}

	agents, err := s.loadAgents(ctx)
	if err != nil {
		return nil, err
	}
	pending, active, err := s.loadTasks(ctx)
	if err != nil {
		return nil, err
	}

	return []state.Snapshot{
		{Kind: state.SnapshotAgents, StartedAt: savedAt, Agents: agents},
		{Kind: state.SnapshotPendingTasks, StartedAt: savedAt, Tasks: pending},
		{Kind: state.SnapshotActiveTasks, StartedAt: savedAt, Tasks: active},
	}, nil
}

func (s *SQLiteStore) loadAgents(ctx context.Context) ([]fleet.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []fleet.Agent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		var a fleet.Agent
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			s.logger.Warn("skipping unreadable cached agent", "error", err)
			continue
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) loadTasks(ctx context.Context) (pending, active []fleet.Task, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, nil, fmt.Errorf("scanning task: %w", err)
		}
		var t fleet.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			s.logger.Warn("skipping unreadable cached task", "error", err)
			continue
		}
		switch t.Partition() {
		case fleet.PartitionPending:
			pending = append(pending, t)
		case fleet.PartitionActive:
			active = append(active, t)
		}
	}
	return pending, active, rows.Err()
}

// CountByPartition returns how many cached tasks fall in each partition.
func (s *SQLiteStore) CountByPartition(ctx context.Context) (map[fleet.Partition]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT partition, COUNT(*) FROM tasks GROUP BY partition`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[fleet.Partition]int)
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		out[fleet.Partition(p)] = n
	}
	return out, rows.Err()
}
