// Package db provides the SQLite sprint journal. The journal is an append-only
// record of what actually happened during a sprint: every external command,
// every phase transition, every handoff. It is separate from the JSON entity
// store and owned by the orchestrator and executor.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arctek/foundry/internal/run"
)

// Journal wraps the SQLite connection.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal database at the given path.
func Open(dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL so readers do not block the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j := &Journal{db: db, path: dbPath}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := j.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := j.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Migration 1: invocations and phase events
const migration1 = `
-- Every external command the executor or worktree manager ran
CREATE TABLE IF NOT EXISTS invocations (
    id TEXT PRIMARY KEY,
    sprint_id TEXT,
    task_id TEXT,
    class TEXT NOT NULL,
    dir TEXT,
    argv TEXT NOT NULL,
    exit_code INTEGER NOT NULL,
    stdout_excerpt TEXT,
    duration_ms INTEGER NOT NULL,
    timed_out INTEGER DEFAULT 0,
    started_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invocations_sprint ON invocations(sprint_id);
CREATE INDEX IF NOT EXISTS idx_invocations_task ON invocations(task_id);

-- Executor phase transitions per task
CREATE TABLE IF NOT EXISTS phase_events (
    id TEXT PRIMARY KEY,
    sprint_id TEXT,
    task_id TEXT NOT NULL,
    agent TEXT,
    phase TEXT NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_phase_events_task ON phase_events(task_id);
`

// Migration 2: handoffs and the sprint event audit
const migration2 = `
-- Agent-to-agent handoffs
CREATE TABLE IF NOT EXISTS handoffs (
    id TEXT PRIMARY KEY,
    sprint_id TEXT NOT NULL,
    task_id TEXT,
    from_agent TEXT NOT NULL,
    to_agent TEXT NOT NULL,
    reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_handoffs_sprint ON handoffs(sprint_id);

-- Flat audit of emitted events
CREATE TABLE IF NOT EXISTS sprint_events (
    id TEXT PRIMARY KEY,
    sprint_id TEXT,
    event_type TEXT NOT NULL,
    payload TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sprint_events_sprint ON sprint_events(sprint_id);
`

// Recorder binds the journal to a sprint/task scope so the run package can
// log invocations without knowing about either.
type Recorder struct {
	journal  *Journal
	sprintID string
	taskID   string
}

// RecorderFor returns a run.Recorder writing into this journal under the
// given scope. Either ID may be empty.
func (j *Journal) RecorderFor(sprintID, taskID string) *Recorder {
	return &Recorder{journal: j, sprintID: sprintID, taskID: taskID}
}

// SetTask updates the task scope for subsequent invocations.
func (r *Recorder) SetTask(taskID string) {
	r.taskID = taskID
}

// RecordInvocation implements run.Recorder. Journal failures are swallowed:
// a broken journal must not abort the sprint.
func (r *Recorder) RecordInvocation(inv run.Invocation) {
	_, _ = r.journal.db.Exec(`
		INSERT INTO invocations (id, sprint_id, task_id, class, dir, argv, exit_code, stdout_excerpt, duration_ms, timed_out, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, r.sprintID, r.taskID, string(inv.Class), inv.Dir,
		strings.Join(inv.Argv, " "), inv.ExitCode, inv.Stdout,
		inv.Duration.Milliseconds(), boolToInt(inv.TimedOut), inv.StartedAt.UTC())
}

// RecordPhase logs an executor phase transition.
func (j *Journal) RecordPhase(sprintID, taskID, agent, phase, detail string) error {
	_, err := j.db.Exec(`
		INSERT INTO phase_events (id, sprint_id, task_id, agent, phase, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sprintID, taskID, agent, phase, detail)
	return err
}

// RecordHandoff logs an agent-to-agent handoff.
func (j *Journal) RecordHandoff(sprintID, taskID, from, to, reason string) error {
	_, err := j.db.Exec(`
		INSERT INTO handoffs (id, sprint_id, task_id, from_agent, to_agent, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sprintID, taskID, from, to, reason)
	return err
}

// RecordEvent logs one emitted event into the flat audit.
func (j *Journal) RecordEvent(sprintID, eventType, payload string) error {
	_, err := j.db.Exec(`
		INSERT INTO sprint_events (id, sprint_id, event_type, payload)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), sprintID, eventType, payload)
	return err
}

// InvocationCount returns how many invocations were journaled for a sprint.
func (j *Journal) InvocationCount(sprintID string) (int, error) {
	var n int
	err := j.db.QueryRow("SELECT COUNT(*) FROM invocations WHERE sprint_id = ?", sprintID).Scan(&n)
	return n, err
}

// PhaseLog returns the phase names recorded for a task in order.
func (j *Journal) PhaseLog(taskID string) ([]string, error) {
	rows, err := j.db.Query(
		"SELECT phase FROM phase_events WHERE task_id = ? ORDER BY rowid", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phases []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// HandoffEntry is one row of the handoff log.
type HandoffEntry struct {
	TaskID    string
	FromAgent string
	ToAgent   string
	Reason    string
	CreatedAt time.Time
}

// Handoffs returns the handoff log for a sprint in order.
func (j *Journal) Handoffs(sprintID string) ([]HandoffEntry, error) {
	rows, err := j.db.Query(`
		SELECT task_id, from_agent, to_agent, reason, created_at
		FROM handoffs WHERE sprint_id = ? ORDER BY rowid`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HandoffEntry
	for rows.Next() {
		var h HandoffEntry
		if err := rows.Scan(&h.TaskID, &h.FromAgent, &h.ToAgent, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
