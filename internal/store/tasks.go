package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/Shepherd/internal/types"
)

// ErrTaskNotFound is returned when a task ID has no row in the store.
var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, repo, description, status, model, retries, max_retries,
	escalations, max_escalations, rebase_attempts, deploy_recovery,
	session, worktree, branch, log_file, pr_url, issue_url, diagnostic_of,
	triage_result, error, tags, created_at, started_at, completed_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*types.Task, error) {
	var t types.Task
	var tags string
	var started, completed sql.NullTime
	err := row.Scan(
		&t.ID, &t.Repo, &t.Description, &t.Status, &t.Model, &t.Retries, &t.MaxRetries,
		&t.Escalations, &t.MaxEscalations, &t.RebaseAttempts, &t.DeployRecovery,
		&t.Session, &t.Worktree, &t.Branch, &t.LogFile, &t.PRURL, &t.IssueURL, &t.DiagnosticOf,
		&t.TriageResult, &t.Error, &tags, &t.CreatedAt, &started, &completed, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tags != "" {
		t.Tags = strings.Split(tags, ",")
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

// CreateTask inserts a new task row. Fails on duplicate IDs; the task file
// deduplicator is responsible for never feeding duplicates in.
func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, repo, description, status, model, retries, max_retries,
			escalations, max_escalations, rebase_attempts, deploy_recovery,
			session, worktree, branch, log_file, pr_url, issue_url, diagnostic_of,
			triage_result, error, tags, created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Repo, t.Description, t.Status, t.Model, t.Retries, t.MaxRetries,
		t.Escalations, t.MaxEscalations, t.RebaseAttempts, t.DeployRecovery,
		t.Session, t.Worktree, t.Branch, t.LogFile, t.PRURL, t.IssueURL, t.DiagnosticOf,
		t.TriageResult, t.Error, strings.Join(t.Tags, ","), t.CreatedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task row for id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// allowedTaskColumns guards UpdateTask against typo'd or hostile column
// names. Status is absent on purpose: status writes go through
// internal/state.Transition only.
var allowedTaskColumns = map[string]bool{
	"repo": true, "description": true, "model": true,
	"retries": true, "max_retries": true,
	"escalations": true, "max_escalations": true,
	"rebase_attempts": true, "deploy_recovery": true,
	"session": true, "worktree": true, "branch": true, "log_file": true,
	"pr_url": true, "issue_url": true, "diagnostic_of": true,
	"triage_result": true, "error": true, "tags": true,
	"started_at": true, "completed_at": true,
}

// UpdateTask applies explicit column updates to a task row. updated_at is
// always refreshed. Returns ErrTaskNotFound when id has no row.
func (s *Store) UpdateTask(ctx context.Context, id string, updates map[string]interface{}) error {
	return s.updateTask(ctx, s.db, id, updates)
}

// UpdateTaskTx is UpdateTask inside an existing transaction.
func (s *Store) UpdateTaskTx(ctx context.Context, tx *sql.Tx, id string, updates map[string]interface{}) error {
	return s.updateTask(ctx, tx, id, updates)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) updateTask(ctx context.Context, ex execer, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(updates)+1)
	args := make([]interface{}, 0, len(updates)+2)
	for col, val := range updates {
		if !allowedTaskColumns[col] {
			return fmt.Errorf("refusing to update column %q", col)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := ex.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(setClauses, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses []types.Status
	Repo     string
	BatchID  string
	Limit    int
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	var sb strings.Builder
	var args []interface{}
	sb.WriteString("SELECT " + taskColumns + " FROM tasks")
	if filter.BatchID != "" {
		sb.WriteString(" JOIN batch_tasks bt ON bt.task_id = tasks.id AND bt.batch_id = ?")
		args = append(args, filter.BatchID)
	}
	var where []string
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		where = append(where, "status IN ("+placeholders+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, filter.Repo)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if filter.BatchID != "" {
		sb.WriteString(" ORDER BY bt.position, created_at, id")
	} else {
		sb.WriteString(" ORDER BY created_at, id")
	}
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByStatus returns the number of tasks currently in any of the given
// states, scoped to a repo when repo is non-empty. The dispatcher's
// concurrency gate computes this fresh per spawn attempt.
func (s *Store) CountByStatus(ctx context.Context, repo string, statuses ...types.Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := "SELECT COUNT(*) FROM tasks WHERE status IN (" + placeholders + ")"
	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	if repo != "" {
		query += " AND repo = ?"
		args = append(args, repo)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// SiblingTasks returns all tasks whose ID shares the given parent prefix
// (children "tN.M" of parent "tN"), excluding the task itself.
func (s *Store) SiblingTasks(ctx context.Context, taskID string) ([]*types.Task, error) {
	parent := (&types.Task{ID: taskID}).ParentID()
	if parent == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id LIKE ? AND id != ? ORDER BY id",
		parent+".%", taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query siblings of %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task row; cascades clear its logs and memberships.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}
