// Package scheduler runs recurring and one-shot agent tasks. Tasks live
// in SQLite next to the message queue; claims take a lease so a crashed
// host cannot wedge a task, and repeated failures quarantine it instead
// of retrying forever.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Context modes: group tasks see the group's conversation context,
// isolated tasks start from a clean slate every run.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// ErrNotFound indicates no task matched.
var ErrNotFound = errors.New("scheduler: task not found")

// Task is a scheduled agent run.
type Task struct {
	ID           int64      `json:"id"`
	Group        string     `json:"group"`
	ChatID       string     `json:"chat_id"`
	Prompt       string     `json:"prompt"`
	Kind         string     `json:"kind"` // cron | interval | once
	Expr         string     `json:"expr"`
	Timezone     string     `json:"timezone,omitempty"`
	ContextMode  string     `json:"context_mode"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastResult   string     `json:"last_result,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LeaseOwner   string     `json:"lease_owner,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires_at,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RetryPolicy controls failure backoff and quarantine. A task that
// fails MaxRetries times in a row without an intervening success is
// paused with its last error recorded.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  30 * time.Minute,
	}
}

// lastResultLimit bounds the output snippet kept on the task row.
const lastResultLimit = 4096

// Store persists tasks and their run log. It shares the queue database
// handle; its tables are created idempotently alongside the queue schema.
type Store struct {
	db     *sql.DB
	policy RetryPolicy
	now    func() time.Time
}

func NewStore(db *sql.DB, policy RetryPolicy) (*Store, error) {
	s := &Store{db: db, policy: policy, now: time.Now}
	if s.policy == (RetryPolicy{}) {
		s.policy = DefaultRetryPolicy()
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_folder TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('cron', 'interval', 'once')),
			expr TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			context_mode TEXT NOT NULL DEFAULT 'group' CHECK(context_mode IN ('group', 'isolated')),
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'completed')),
			next_run_at DATETIME,
			last_run_at DATETIME,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_result TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			lease_owner TEXT,
			lease_expires_at DATETIME,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_folder, status);`,
		`CREATE TABLE IF NOT EXISTS task_run_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			run_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			outcome TEXT NOT NULL CHECK(outcome IN ('success', 'failure')),
			result TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_run_log_task ON task_run_log(task_id, id DESC);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init scheduler schema: %w", err)
		}
	}
	return nil
}

// Create validates the schedule and inserts the task. An unparseable
// schedule is rejected outright.
func (s *Store) Create(ctx context.Context, t Task) (Task, error) {
	if t.Prompt == "" {
		return Task{}, fmt.Errorf("scheduler: empty prompt")
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextGroup
	}
	next, err := NextRun(t.Kind, t.Expr, t.Timezone, s.now())
	if err != nil {
		return Task{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (group_folder, chat_id, prompt, kind, expr, timezone, context_mode, status, next_run_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?);
	`, t.Group, t.ChatID, t.Prompt, t.Kind, t.Expr, t.Timezone, t.ContextMode, next, t.CreatedBy)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("task insert id: %w", err)
	}
	return s.Get(ctx, id)
}

const taskColumns = `id, group_folder, chat_id, prompt, kind, expr, timezone, context_mode, status,
	next_run_at, last_run_at, retry_count, last_result, last_error,
	COALESCE(lease_owner, ''), lease_expires_at, created_by, created_at, updated_at`

// Get returns a task by id.
func (s *Store) Get(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	return scanTask(row.Scan)
}

// List returns tasks for a group, or all tasks when group is empty.
func (s *Store) List(ctx context.Context, group string) ([]Task, error) {
	var rows *sql.Rows
	var err error
	if group == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC;`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE group_folder = ? ORDER BY id ASC;`, group)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimDue transactionally claims up to limit due active tasks with a
// lease. Tasks whose previous lease expired are reclaimable; the crashed
// claimer's run simply never reports.
func (s *Store) ClaimDue(ctx context.Context, owner string, lease time.Duration, limit int) ([]Task, error) {
	if owner == "" {
		owner = uuid.NewString()
	}
	if limit <= 0 {
		limit = 8
	}
	now := s.now().UTC()
	leaseUntil := now.Add(lease)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
			AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY next_run_at ASC
		LIMIT ?;
	`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due tasks: %w", err)
	}
	var due []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		due = append(due, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due task rows: %w", err)
	}

	var claimed []Task
	for _, t := range due {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'active'
				AND (lease_expires_at IS NULL OR lease_expires_at <= ?);
		`, owner, leaseUntil, t.ID, now)
		if err != nil {
			return nil, fmt.Errorf("claim task %d: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			t.LeaseOwner = owner
			lu := leaseUntil
			t.LeaseExpires = &lu
			claimed = append(claimed, t)
		}
	}
	return claimed, tx.Commit()
}

// Complete reports a successful run: log it, reset the failure streak,
// keep a snippet of the agent's output on the task row, and schedule
// the next occurrence. One-shot tasks become completed.
func (s *Store) Complete(ctx context.Context, id int64, runID string, startedAt time.Time, result string) (Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	result = truncateUTF8(result, lastResultLimit)

	now := s.now().UTC()
	var nextRun any
	status := StatusActive
	if t.Kind == KindOnce {
		status = StatusCompleted
	} else {
		next, err := NextRun(t.Kind, t.Expr, t.Timezone, now)
		if err != nil {
			// Schedule became invalid (e.g. timezone db change): quarantine.
			status = StatusPaused
		} else {
			nextRun = next
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_run_log (task_id, run_id, started_at, outcome, result) VALUES (?, ?, ?, 'success', ?);
	`, id, runID, startedAt.UTC(), result); err != nil {
		return Task{}, fmt.Errorf("log task run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = ?, last_run_at = ?, retry_count = 0, last_result = ?, last_error = '',
			lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, status, nextRun, now, result, id); err != nil {
		return Task{}, fmt.Errorf("complete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit complete: %w", err)
	}
	return s.Get(ctx, id)
}

// Fail reports a failed run. The failure streak counter increments on
// every failed run and only a success resets it; below the quarantine
// threshold the task retries with exponential backoff, at the threshold
// it is paused with the error recorded on the row.
func (s *Store) Fail(ctx context.Context, id int64, runID string, startedAt time.Time, errMsg string) (Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}

	now := s.now().UTC()
	status := StatusActive
	retryCount := t.RetryCount + 1
	var nextRun any

	if retryCount >= s.policy.MaxRetries {
		status = StatusPaused
	} else {
		backoff := time.Duration(float64(s.policy.BaseBackoff) * math.Pow(2, float64(retryCount-1)))
		if backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
		nextRun = now.Add(backoff)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_run_log (task_id, run_id, started_at, outcome, error) VALUES (?, ?, ?, 'failure', ?);
	`, id, runID, startedAt.UTC(), errMsg); err != nil {
		return Task{}, fmt.Errorf("log task failure: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = ?, last_run_at = ?, retry_count = ?, last_error = ?,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, status, nextRun, now, retryCount, errMsg, id); err != nil {
		return Task{}, fmt.Errorf("fail task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit fail: %w", err)
	}
	return s.Get(ctx, id)
}

// Pause quarantines a task manually.
func (s *Store) Pause(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusPaused)
}

// Resume reactivates a paused task, recomputing its next run. Resuming
// clears the failure streak so the quarantine threshold starts fresh.
func (s *Store) Resume(ctx context.Context, id int64) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	next, err := NextRun(t.Kind, t.Expr, t.Timezone, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'active', next_run_at = ?, retry_count = 0, last_error = '',
			lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, next, id)
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	return nil
}

// RunNow makes an active task due immediately.
func (s *Store) RunNow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active';
	`, s.now().UTC().Add(-time.Second), id)
	if err != nil {
		return fmt.Errorf("run task now: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task and its run log.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_log WHERE task_id = ?;`, id); err != nil {
		return fmt.Errorf("delete task log: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) setStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, status, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RunLogEntry is one recorded execution.
type RunLogEntry struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RunLog returns the most recent runs for a task, newest first.
func (s *Store) RunLog(ctx context.Context, taskID int64, limit int) ([]RunLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_id, started_at, finished_at, outcome, COALESCE(result, ''), COALESCE(error, '')
		FROM task_run_log WHERE task_id = ? ORDER BY id DESC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run log: %w", err)
	}
	defer rows.Close()

	var out []RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.RunID, &e.StartedAt, &e.FinishedAt, &e.Outcome, &e.Result, &e.Error); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrimRunLog deletes run log rows older than the retention window.
func (s *Store) TrimRunLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_run_log WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim run log: %w", err)
	}
	return res.RowsAffected()
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func scanTask(scanFn func(dest ...any) error) (Task, error) {
	var t Task
	var nextRun, lastRun, leaseExpires sql.NullTime
	err := scanFn(&t.ID, &t.Group, &t.ChatID, &t.Prompt, &t.Kind, &t.Expr, &t.Timezone, &t.ContextMode,
		&t.Status, &nextRun, &lastRun, &t.RetryCount, &t.LastResult, &t.LastError, &t.LeaseOwner, &leaseExpires,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRunAt = &v
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if leaseExpires.Valid {
		v := leaseExpires.Time
		t.LeaseExpires = &v
	}
	return t, nil
}
