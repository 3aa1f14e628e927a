package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/Shepherd/internal/types"
)

// ErrBatchNotFound is returned when a batch ID has no row in the store.
var ErrBatchNotFound = errors.New("batch not found")

// CreateBatch inserts a new batch row.
func (s *Store) CreateBatch(ctx context.Context, b *types.Batch) error {
	if b.ID == "" {
		return fmt.Errorf("batch has empty ID")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = types.BatchActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (
			id, name, concurrency, max_concurrency, load_factor,
			release_on_complete, skip_quality_gate, release_type, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.Name, b.Concurrency, b.MaxConcurrency, b.LoadFactor,
		boolToInt(b.ReleaseOnComplete), boolToInt(b.SkipQualityGate),
		string(b.ReleaseType), string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", b.ID, err)
	}
	return nil
}

func scanBatch(row interface{ Scan(...interface{}) error }) (*types.Batch, error) {
	var b types.Batch
	var release, skip int
	err := row.Scan(
		&b.ID, &b.Name, &b.Concurrency, &b.MaxConcurrency, &b.LoadFactor,
		&release, &skip, &b.ReleaseType, &b.Status, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ReleaseOnComplete = release != 0
	b.SkipQualityGate = skip != 0
	return &b, nil
}

const batchColumns = `id, name, concurrency, max_concurrency, load_factor,
	release_on_complete, skip_quality_gate, release_type, status, created_at`

// GetBatch returns the batch row for id, or ErrBatchNotFound.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.Batch, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns all batches, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]*types.Batch, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+batchColumns+" FROM batches ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []*types.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// SetBatchStatus moves a batch between active/paused/complete/cancelled.
func (s *Store) SetBatchStatus(ctx context.Context, id string, status types.BatchStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE batches SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return nil
}

// AddTaskToBatch appends a task to a batch at the next position.
// A task belongs to at most one batch; adding to a second batch fails.
func (s *Store) AddTaskToBatch(ctx context.Context, batchID, taskID string) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM batch_tasks WHERE task_id = ?", taskID).Scan(&existing); err != nil {
			return fmt.Errorf("failed to check batch membership: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("task %s already belongs to a batch", taskID)
		}
		var next int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(position), -1) + 1 FROM batch_tasks WHERE batch_id = ?", batchID).Scan(&next); err != nil {
			return fmt.Errorf("failed to compute batch position: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO batch_tasks (batch_id, task_id, position) VALUES (?, ?, ?)",
			batchID, taskID, next); err != nil {
			return fmt.Errorf("failed to add task %s to batch %s: %w", taskID, batchID, err)
		}
		return nil
	})
}

// BatchOf returns the batch a task belongs to, or nil when unbatched.
func (s *Store) BatchOf(ctx context.Context, taskID string) (*types.Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		JOIN batch_tasks bt ON bt.batch_id = batches.id
		WHERE bt.task_id = ?`, taskID)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve batch of %s: %w", taskID, err)
	}
	return b, nil
}

// BatchFullyTerminal reports whether every task in the batch has reached a
// terminal state. Used for release-on-complete and retrospectives.
func (s *Store) BatchFullyTerminal(ctx context.Context, batchID string) (bool, error) {
	var open int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		JOIN batch_tasks bt ON bt.task_id = tasks.id
		WHERE bt.batch_id = ?
		  AND status NOT IN ('complete','deployed','verified','verify_failed','failed','cancelled','blocked')
	`, batchID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("failed to count open batch tasks: %w", err)
	}
	return open == 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
