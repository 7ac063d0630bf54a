package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/paperforge/internal/memory"
	"github.com/aristath/paperforge/internal/orchestrator"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID     string
	Title     string
	Status    orchestrator.RunStatus
	Tasks     int
	StartedAt time.Time
	UpdatedAt time.Time
}

// SaveRun writes a snapshot in one transaction. Saves are idempotent per
// run: rows are upserted, dependencies replaced, and history appended past
// the rows already stored, so the loop can save after every transition.
func (s *RunStore) SaveRun(ctx context.Context, snap *orchestrator.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	source, err := plan.RenderSource(snap.Input)
	if err != nil {
		return err
	}
	perKind, err := encodeIntMap(snap.IndexSummary.PerKind)
	if err != nil {
		return fmt.Errorf("encoding index summary: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, title, source, status, started_at, index_entities, index_edges, index_per_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			source = excluded.source,
			status = excluded.status,
			started_at = excluded.started_at,
			index_entities = excluded.index_entities,
			index_edges = excluded.index_edges,
			index_per_kind = excluded.index_per_kind,
			updated_at = CURRENT_TIMESTAMP
	`, snap.RunID, snap.Input.Title, source, snap.Status.String(), snap.StartedAt,
		snap.IndexSummary.Entities, snap.IndexSummary.Edges, perKind)
	if err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	if err := saveTasks(ctx, tx, snap); err != nil {
		return err
	}
	if err := saveHistory(ctx, tx, snap); err != nil {
		return err
	}
	if err := saveLiveState(ctx, tx, snap); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

func saveTasks(ctx context.Context, tx *sql.Tx, snap *orchestrator.Snapshot) error {
	for _, t := range snap.Tasks {
		inputs, err := encodeMap(t.Inputs)
		if err != nil {
			return fmt.Errorf("encoding inputs for task %s: %w", t.ID, err)
		}
		outputs, err := encodeMap(t.Outputs)
		if err != nil {
			return fmt.Errorf("encoding outputs for task %s: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (run_id, id, kind, status, inputs, outputs, attempt_count, last_error, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, id) DO UPDATE SET
				status = excluded.status,
				inputs = excluded.inputs,
				outputs = excluded.outputs,
				attempt_count = excluded.attempt_count,
				last_error = excluded.last_error,
				seq = excluded.seq
		`, snap.RunID, t.ID, t.Kind.String(), t.Status.String(), inputs, outputs,
			t.AttemptCount, t.LastError, t.Seq)
		if err != nil {
			return fmt.Errorf("upserting task %s: %w", t.ID, err)
		}
	}

	// Replace dependencies wholesale; replanning adds edges mid-run.
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE run_id = ?`, snap.RunID); err != nil {
		return fmt.Errorf("clearing dependencies: %w", err)
	}
	for _, t := range snap.Tasks {
		for _, depID := range t.DependsOn {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (run_id, task_id, depends_on_id)
				VALUES (?, ?, ?)
			`, snap.RunID, t.ID, depID)
			if err != nil {
				return fmt.Errorf("inserting dependency %s -> %s: %w", t.ID, depID, err)
			}
		}
	}
	return nil
}

// saveHistory appends the entries past those already stored. The history is
// an audit log: existing rows never change, so only the tail is written. A
// snapshot shorter than the stored log replaces it outright.
func saveHistory(ctx context.Context, tx *sql.Tx, snap *orchestrator.Snapshot) error {
	var stored int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_history WHERE run_id = ?`, snap.RunID).Scan(&stored)
	if err != nil {
		return fmt.Errorf("counting history: %w", err)
	}

	start := stored
	if stored > len(snap.History) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_history WHERE run_id = ?`, snap.RunID); err != nil {
			return fmt.Errorf("resetting history: %w", err)
		}
		start = 0
	}

	for _, e := range snap.History[start:] {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (run_id, task_id, phase, status, attempt, note, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snap.RunID, e.TaskID, e.Phase, e.Status.String(), e.Attempt, e.Note, e.At)
		if err != nil {
			return fmt.Errorf("appending history for task %s: %w", e.TaskID, err)
		}
	}
	return nil
}

func saveLiveState(ctx context.Context, tx *sql.Tx, snap *orchestrator.Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE run_id = ?`, snap.RunID); err != nil {
		return fmt.Errorf("clearing memory records: %w", err)
	}
	for _, k := range snap.MemoryKeys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_records (run_id, key, tier, size)
			VALUES (?, ?, ?, ?)
		`, snap.RunID, k.Key, int(k.Tier), k.Size)
		if err != nil {
			return fmt.Errorf("inserting memory record %s: %w", k.Key, err)
		}
	}

	for _, fp := range snap.Fingerprints {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO gap_fingerprints (run_id, fingerprint)
			VALUES (?, ?)
		`, snap.RunID, fp)
		if err != nil {
			return fmt.Errorf("inserting fingerprint: %w", err)
		}
	}

	for id, question := range snap.Questions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO clarifications (run_id, question_id, question, answered)
			VALUES (?, ?, ?, 0)
			ON CONFLICT(run_id, question_id) DO UPDATE SET
				question = excluded.question
		`, snap.RunID, id, question)
		if err != nil {
			return fmt.Errorf("upserting question %s: %w", id, err)
		}
	}
	for id, answer := range snap.Answers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO clarifications (run_id, question_id, answer, answered)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(run_id, question_id) DO UPDATE SET
				answer = excluded.answer,
				answered = 1
		`, snap.RunID, id, answer)
		if err != nil {
			return fmt.Errorf("upserting answer %s: %w", id, err)
		}
	}
	return nil
}

// LoadRun rebuilds the snapshot for a run. Returns ErrNoRun when the ID has
// no row.
func (s *RunStore) LoadRun(ctx context.Context, runID string) (*orchestrator.Snapshot, error) {
	var (
		source    string
		statusStr string
		perKind   string
		snap      = &orchestrator.Snapshot{RunID: runID}
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT source, status, started_at, index_entities, index_edges, COALESCE(index_per_kind, '')
		FROM runs
		WHERE id = ?
	`, runID).Scan(&source, &statusStr, &snap.StartedAt,
		&snap.IndexSummary.Entities, &snap.IndexSummary.Edges, &perKind)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNoRun)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	if snap.Input, err = plan.ParseStoredSource(source); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	if snap.Status, err = orchestrator.ParseRunStatus(statusStr); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	if snap.IndexSummary.PerKind, err = decodeIntMap(perKind); err != nil {
		return nil, fmt.Errorf("run %s index summary: %w", runID, err)
	}

	if snap.Tasks, err = s.loadTasks(ctx, runID); err != nil {
		return nil, err
	}
	if snap.History, err = s.loadHistory(ctx, runID); err != nil {
		return nil, err
	}
	if err = s.loadLiveState(ctx, runID, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *RunStore) loadTasks(ctx context.Context, runID string) ([]*task.PhaseTask, error) {
	deps, err := s.loadDependencies(ctx, runID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, COALESCE(inputs, ''), COALESCE(outputs, ''), attempt_count, COALESCE(last_error, ''), seq
		FROM tasks
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.PhaseTask
	for rows.Next() {
		var (
			t                task.PhaseTask
			kindStr, statStr string
			inputs, outputs  string
		)
		if err := rows.Scan(&t.ID, &kindStr, &statStr, &inputs, &outputs, &t.AttemptCount, &t.LastError, &t.Seq); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if t.Kind, err = task.ParseKind(kindStr); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.Status, err = task.ParseStatus(statStr); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if t.Inputs, err = decodeMap(inputs); err != nil {
			return nil, fmt.Errorf("task %s inputs: %w", t.ID, err)
		}
		if t.Outputs, err = decodeMap(outputs); err != nil {
			return nil, fmt.Errorf("task %s outputs: %w", t.ID, err)
		}
		t.DependsOn = deps[t.ID]
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *RunStore) loadDependencies(ctx context.Context, runID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dependencies: %w", err)
	}
	return deps, nil
}

func (s *RunStore) loadHistory(ctx context.Context, runID string) ([]orchestrator.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, phase, status, attempt, COALESCE(note, ''), at
		FROM task_history
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var history []orchestrator.HistoryEntry
	for rows.Next() {
		var (
			e       orchestrator.HistoryEntry
			statStr string
		)
		if err := rows.Scan(&e.TaskID, &e.Phase, &statStr, &e.Attempt, &e.Note, &e.At); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		if e.Status, err = task.ParseStatus(statStr); err != nil {
			return nil, fmt.Errorf("history for task %s: %w", e.TaskID, err)
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return history, nil
}

func (s *RunStore) loadLiveState(ctx context.Context, runID string, snap *orchestrator.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, tier, size FROM memory_records WHERE run_id = ? ORDER BY key
	`, runID)
	if err != nil {
		return fmt.Errorf("querying memory records: %w", err)
	}
	for rows.Next() {
		var (
			k    memory.KeyInfo
			tier int
		)
		if err := rows.Scan(&k.Key, &tier, &k.Size); err != nil {
			rows.Close()
			return fmt.Errorf("scanning memory record: %w", err)
		}
		k.Tier = memory.Tier(tier)
		snap.MemoryKeys = append(snap.MemoryKeys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating memory records: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT fingerprint FROM gap_fingerprints WHERE run_id = ? ORDER BY fingerprint
	`, runID)
	if err != nil {
		return fmt.Errorf("querying fingerprints: %w", err)
	}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return fmt.Errorf("scanning fingerprint: %w", err)
		}
		snap.Fingerprints = append(snap.Fingerprints, fp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating fingerprints: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT question_id, COALESCE(question, ''), COALESCE(answer, ''), answered
		FROM clarifications
		WHERE run_id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("querying clarifications: %w", err)
	}
	defer rows.Close()

	snap.Questions = make(map[string]string)
	snap.Answers = make(map[string]string)
	for rows.Next() {
		var (
			id, question, answer string
			answered             int
		)
		if err := rows.Scan(&id, &question, &answer, &answered); err != nil {
			return fmt.Errorf("scanning clarification: %w", err)
		}
		if answered != 0 {
			snap.Answers[id] = answer
		} else {
			snap.Questions[id] = question
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating clarifications: %w", err)
	}
	return nil
}

// ListRuns returns all runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.title, r.status, r.started_at, r.updated_at,
			(SELECT COUNT(*) FROM tasks t WHERE t.run_id = r.id)
		FROM runs r
		ORDER BY r.created_at DESC, r.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			rs        RunSummary
			statusStr string
		)
		if err := rows.Scan(&rs.RunID, &rs.Title, &statusStr, &rs.StartedAt, &rs.UpdatedAt, &rs.Tasks); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if rs.Status, err = orchestrator.ParseRunStatus(statusStr); err != nil {
			return nil, fmt.Errorf("run %s: %w", rs.RunID, err)
		}
		runs = append(runs, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently created run ID, or ErrNoRun when the
// store is empty.
func (s *RunStore) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs ORDER BY created_at DESC, id DESC LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNoRun
	}
	if err != nil {
		return "", fmt.Errorf("querying latest run: %w", err)
	}
	return id, nil
}

// DeleteRun removes a run and everything hanging off it.
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNoRun)
	}
	return nil
}

// PruneRuns deletes all but the newest keep runs and returns the removed
// IDs.
func (s *RunStore) PruneRuns(ctx context.Context, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) <= keep {
		return nil, nil
	}

	var removed []string
	for _, r := range runs[keep:] {
		if err := s.DeleteRun(ctx, r.RunID); err != nil {
			return removed, err
		}
		removed = append(removed, r.RunID)
	}
	return removed, nil
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeIntMap(m map[string]int) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeIntMap(s string) (map[string]int, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
