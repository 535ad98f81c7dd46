// Package store persists tasks, donations and the schedule configuration in
// SQLite. It is the authoritative record of task state: the progress stream
// may drop or reorder messages, but this store never does.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// EnsureSchema creates the tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','completed','failed')) DEFAULT 'pending',
  context TEXT NOT NULL DEFAULT '{}',
  donation_id INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  started_at DATETIME,
  last_heartbeat DATETIME,
  completed_at DATETIME,
  error_message TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 2,
  timeout_seconds INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_donation ON tasks(donation_id, status);
CREATE TABLE IF NOT EXISTS donations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL DEFAULT 'Anonymous',
  amount_usd REAL NOT NULL DEFAULT 0,
  subreddit TEXT NOT NULL DEFAULT '',
  tier_name TEXT NOT NULL DEFAULT '',
  is_anonymous INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS schedule_config (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  enabled INTEGER NOT NULL DEFAULT 0,
  interval_hours INTEGER NOT NULL DEFAULT 24,
  last_run_at DATETIME,
  next_run_at DATETIME,
  updated_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// SQLite is the concrete store. Consumers declare their own narrow
// interfaces over the subset of methods they use.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

const taskColumns = `id,kind,priority,status,context,donation_id,created_at,started_at,last_heartbeat,completed_at,error_message,retry_count,max_retries,timeout_seconds`

// CreateTask inserts a new pending task, filling in defaults and the
// store-assigned id. The caller's struct is returned with those fields set.
func (s *SQLite) CreateTask(ctx context.Context, t *tasks.Task) (*tasks.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = tasks.KindCommission
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = tasks.DefaultMaxRetries
	}
	if len(t.Context) == 0 {
		t.Context = []byte("{}")
	}
	t.Status = tasks.StatusPending
	t.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,kind,priority,status,context,donation_id,created_at,retry_count,max_retries,timeout_seconds)
VALUES (?,?,?,?,?,?,?,0,?,?)`,
		t.ID, t.Kind, t.Priority, string(t.Status), string(t.Context), t.DonationID, t.CreatedAt, t.MaxRetries, t.TimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask fetches a task by id.
func (s *SQLite) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

// GetTaskByDonation returns the non-terminal task for a donation, if any.
// This is the lookup-before-create guard behind idempotent task creation.
func (s *SQLite) GetTaskByDonation(ctx context.Context, donationID int64) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE donation_id=? AND status IN ('pending','in_progress')
ORDER BY created_at ASC LIMIT 1`, donationID)
	return scanTask(row)
}

// ListByStatus returns every task in the given status, oldest first.
func (s *SQLite) ListByStatus(ctx context.Context, status tasks.Status) ([]*tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task to the given status, enforcing the state
// machine in SQL: the update only applies when the current status is a legal
// source for the target. Terminal statuses get a completion timestamp; the
// error message is recorded for failures.
func (s *SQLite) UpdateTaskStatus(ctx context.Context, id string, status tasks.Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("update task %s: unknown status %q", id, status)
	}

	set := "status=?"
	args := []interface{}{string(status)}
	if status == tasks.StatusFailed {
		set += ", error_message=?"
		args = append(args, errMsg)
	}
	if status.Terminal() {
		set += ", completed_at=?"
		args = append(args, s.now().UTC())
	}

	sources := tasks.TransitionSources(status)
	marks := make([]string, len(sources))
	args = append(args, id)
	for i, src := range sources {
		marks[i] = "?"
		args = append(args, string(src))
	}
	query := `UPDATE tasks SET ` + set + ` WHERE id=? AND status IN (` + strings.Join(marks, ",") + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		cur, err := s.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("task %s: %s -> %s: %w", id, cur.Status, status, tasks.ErrInvalidTransition)
	}
	return nil
}

// MarkStarted stamps started_at and the first heartbeat.
func (s *SQLite) MarkStarted(ctx context.Context, id string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET started_at=?, last_heartbeat=? WHERE id=?`, now, now, id)
	if err != nil {
		return fmt.Errorf("mark started %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark started %s: %w", id, ErrNotFound)
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp of a running task.
func (s *SQLite) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_heartbeat=? WHERE id=?`, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetForRetry puts a stuck task back to pending, consuming one retry
// attempt and clearing its run timestamps. Both in_progress tasks and
// pending tasks whose dispatch never took effect are eligible. The retry
// budget is guarded in the same statement, so retry_count can never exceed
// max_retries.
func (s *SQLite) ResetForRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET status='pending', retry_count=retry_count+1, started_at=NULL, last_heartbeat=NULL
WHERE id=? AND status IN ('pending','in_progress') AND retry_count < max_retries`, id)
	if err != nil {
		return fmt.Errorf("reset task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reset task %s: terminal or retries exhausted: %w", id, tasks.ErrInvalidTransition)
	}
	return nil
}

// CreateDonation inserts a donation row and returns its id. Only the
// scheduler's auto-commission path writes here; payment-triggered donations
// arrive through the external capture flow.
func (s *SQLite) CreateDonation(ctx context.Context, d *tasks.Donation) (int64, error) {
	d.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO donations (username, amount_usd, subreddit, tier_name, is_anonymous, created_at)
VALUES (?,?,?,?,?,?)`,
		d.Username, d.AmountUSD, d.Subreddit, d.TierName, d.IsAnonymous, d.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert donation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	d.ID = id
	return id, nil
}

// GetDonation fetches a donation by id.
func (s *SQLite) GetDonation(ctx context.Context, id int64) (*tasks.Donation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, username, amount_usd, subreddit, tier_name, is_anonymous, created_at
FROM donations WHERE id=?`, id)

	var d tasks.Donation
	err := row.Scan(&d.ID, &d.Username, &d.AmountUSD, &d.Subreddit, &d.TierName, &d.IsAnonymous, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetScheduleConfig reads the singleton schedule row. ErrNotFound means the
// schedule has never been configured; callers treat that as disabled.
func (s *SQLite) GetScheduleConfig(ctx context.Context) (*tasks.ScheduleConfig, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT enabled, interval_hours, last_run_at, next_run_at, updated_at
FROM schedule_config WHERE id=1`)

	var cfg tasks.ScheduleConfig
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&cfg.Enabled, &cfg.IntervalHours, &lastRun, &nextRun, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		cfg.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		cfg.NextRunAt = &nextRun.Time
	}
	return &cfg, nil
}

// UpsertScheduleConfig creates or updates the singleton schedule row,
// recomputing next_run_at from the recorded last run and the new interval.
func (s *SQLite) UpsertScheduleConfig(ctx context.Context, enabled bool, intervalHours int) (*tasks.ScheduleConfig, error) {
	if intervalHours <= 0 {
		return nil, fmt.Errorf("interval_hours must be positive, got %d", intervalHours)
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedule_config (id, enabled, interval_hours, updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, interval_hours=excluded.interval_hours, updated_at=excluded.updated_at`,
		enabled, intervalHours, now)
	if err != nil {
		return nil, fmt.Errorf("upsert schedule config: %w", err)
	}

	// Keep the next_run invariant when a last run exists.
	cfg, err := s.GetScheduleConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.LastRunAt != nil {
		next := cfg.LastRunAt.Add(cfg.Interval())
		if _, err := s.db.ExecContext(ctx,
			`UPDATE schedule_config SET next_run_at=? WHERE id=1`, next.UTC()); err != nil {
			return nil, fmt.Errorf("recompute next run: %w", err)
		}
		cfg.NextRunAt = &next
	}
	return cfg, nil
}

// SetScheduleRun records a completed scheduler cycle: last_run_at = at and
// next_run_at = at + interval.
func (s *SQLite) SetScheduleRun(ctx context.Context, at time.Time) error {
	var intervalHours int
	row := s.db.QueryRowContext(ctx, `SELECT interval_hours FROM schedule_config WHERE id=1`)
	if err := row.Scan(&intervalHours); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	at = at.UTC()
	next := at.Add(time.Duration(intervalHours) * time.Hour)
	_, err := s.db.ExecContext(ctx, `
UPDATE schedule_config SET last_run_at=?, next_run_at=?, updated_at=? WHERE id=1`,
		at, next, s.now().UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	var status, contextJSON string
	var started, heartbeat, completed sql.NullTime

	err := row.Scan(&t.ID, &t.Kind, &t.Priority, &status, &contextJSON, &t.DonationID,
		&t.CreatedAt, &started, &heartbeat, &completed,
		&t.ErrorMessage, &t.RetryCount, &t.MaxRetries, &t.TimeoutSeconds)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Status = tasks.Status(status)
	t.Context = []byte(contextJSON)
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if heartbeat.Valid {
		t.LastHeartbeat = &heartbeat.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}
