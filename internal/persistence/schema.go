package persistence

import (
	"context"
)

// initSchema creates all tables if they don't exist. Statuses and phase
// kinds are stored by name so the database stays readable with the sqlite3
// shell; everything hangs off runs(id) and deletes cascade.
func (s *RunStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME,
		index_entities INTEGER NOT NULL DEFAULT 0,
		index_edges INTEGER NOT NULL DEFAULT 0,
		index_per_kind TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		inputs TEXT,
		outputs TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		seq INTEGER NOT NULL,
		PRIMARY KEY (run_id, id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (run_id, task_id, depends_on_id),
		FOREIGN KEY (run_id, task_id) REFERENCES tasks(run_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		note TEXT,
		at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_run ON task_history(run_id, id);

	CREATE TABLE IF NOT EXISTS memory_records (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		tier INTEGER NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (run_id, key),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS gap_fingerprints (
		run_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (run_id, fingerprint),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS clarifications (
		run_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		question TEXT,
		answer TEXT,
		answered INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, question_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
