package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/Shepherd/internal/types"
)

// AppendStateLog writes one audit row. Normally called by
// internal/state.Transition inside the transition transaction.
func AppendStateLog(ctx context.Context, ex execer, e *types.StateLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state_log (task_id, from_state, to_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, string(e.FromState), string(e.ToState), e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append state log for %s: %w", e.TaskID, err)
	}
	return nil
}

// StateLog returns the most recent limit transitions for a task, newest
// first. limit <= 0 returns all.
func (s *Store) StateLog(ctx context.Context, taskID string, limit int) ([]*types.StateLogEntry, error) {
	query := `SELECT id, task_id, from_state, to_state, reason, created_at
		FROM state_log WHERE task_id = ? ORDER BY id DESC`
	args := []interface{}{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query state log for %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.StateLogEntry
	for rows.Next() {
		var e types.StateLogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromState, &e.ToState, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CountStateLog returns the total number of state-log rows. The pulse
// idempotency test uses this to assert a no-op pulse writes nothing.
func (s *Store) CountStateLog(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM state_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count state log: %w", err)
	}
	return n, nil
}

// AppendProofLog writes one evidence row justifying a lifecycle decision.
func (s *Store) AppendProofLog(ctx context.Context, e *types.ProofLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_logs (id, task_id, event, stage, decision, evidence,
			decided_by, pr_url, duration_ms, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Event, e.Stage, e.Decision, e.Evidence,
		e.DecidedBy, e.PRURL, e.Duration.Milliseconds(), e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append proof log for %s: %w", e.TaskID, err)
	}
	return nil
}

// ProofLog returns all evidence rows for a task, oldest first.
func (s *Store) ProofLog(ctx context.Context, taskID string) ([]*types.ProofLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event, stage, decision, evidence, decided_by,
			pr_url, duration_ms, metadata, created_at
		FROM proof_logs WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query proof log for %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.ProofLogEntry
	for rows.Next() {
		var e types.ProofLogEntry
		var durMS int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Event, &e.Stage, &e.Decision, &e.Evidence,
			&e.DecidedBy, &e.PRURL, &durMS, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan proof log: %w", err)
		}
		e.Duration = time.Duration(durMS) * time.Millisecond
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SuccessStats aggregates historical outcomes per model for learned tier
// recommendation: completions without retries count as first-try successes.
type SuccessStats struct {
	Model     string
	Samples   int
	Successes int
}

// ModelSuccessStats returns per-model outcome counts over tasks that
// reached a terminal state.
func (s *Store) ModelSuccessStats(ctx context.Context) ([]SuccessStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
			COUNT(*),
			SUM(CASE WHEN status IN ('complete','merged','deployed','verified') AND retries = 0 THEN 1 ELSE 0 END)
		FROM tasks
		WHERE model != ''
		  AND status IN ('complete','merged','deployed','verified','verify_failed','failed','cancelled','blocked')
		GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("failed to query model stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []SuccessStats
	for rows.Next() {
		var st SuccessStats
		var successes sql.NullInt64
		if err := rows.Scan(&st.Model, &st.Samples, &successes); err != nil {
			return nil, fmt.Errorf("failed to scan model stats: %w", err)
		}
		st.Successes = int(successes.Int64)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
