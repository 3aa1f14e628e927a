// Package state validates and applies task state transitions. Every status
// write in the system goes through Transition, which checks the (from, to)
// pair against the permitted matrix and appends the state-log row in the
// same transaction as the update.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

// ErrIllegalTransition is returned for (from, to) pairs outside the matrix.
// Callers treat it as a programmer error: log and halt the task, never
// coerce.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions is the permitted matrix. Any non-terminal state may also
// move to cancelled; that arc is handled in Allowed rather than listed.
// complete, blocked, and failed are deliberately soft-terminal: complete
// feeds the PR lifecycle, blocked and failed keep operator recovery arcs
// back to queued, and all three stay cancellable. Only cancelled,
// verified, verify_failed, and deployed refuse cancellation.
var transitions = map[types.Status][]types.Status{
	types.StatusQueued:       {types.StatusDispatched},
	types.StatusDispatched:   {types.StatusRunning, types.StatusEvaluating, types.StatusQueued},
	types.StatusRunning:      {types.StatusEvaluating},
	types.StatusEvaluating:   {types.StatusComplete, types.StatusRetrying, types.StatusBlocked, types.StatusFailed},
	types.StatusRetrying:     {types.StatusQueued},
	types.StatusComplete:     {types.StatusPRReview},
	types.StatusPRReview:     {types.StatusReviewTriage},
	types.StatusReviewTriage: {types.StatusMerging, types.StatusBlocked},
	types.StatusMerging:      {types.StatusMerged, types.StatusBlocked},
	types.StatusMerged:       {types.StatusDeploying, types.StatusBlocked},
	types.StatusDeploying:    {types.StatusDeployed, types.StatusBlocked},
	types.StatusDeployed:     {types.StatusVerifying},
	types.StatusVerifying:    {types.StatusVerified, types.StatusVerifyFailed},

	// Operator recovery arcs.
	types.StatusFailed:  {types.StatusQueued},
	types.StatusBlocked: {types.StatusQueued},
}

// Allowed reports whether from → to is a permitted transition.
func Allowed(from, to types.Status) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	// Cancellation is reachable from any non-terminal state.
	if to == types.StatusCancelled {
		return !isHardTerminal(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// isHardTerminal marks states no transition may leave (except the
// operator-recovery arcs listed in the matrix).
func isHardTerminal(s types.Status) bool {
	switch s {
	case types.StatusCancelled, types.StatusVerified, types.StatusVerifyFailed, types.StatusDeployed:
		return true
	}
	return false
}

// Fields carries the auxiliary column updates applied atomically with a
// transition. Zero values mean "leave unchanged".
type Fields struct {
	Reason   string
	PRURL    string
	Worktree string
	Branch   string
	LogFile  string
	Session  string
	Error    string
}

// Machine applies transitions against a store.
type Machine struct {
	store *store.Store
}

// New returns a Machine writing to st.
func New(st *store.Store) *Machine {
	return &Machine{store: st}
}

// Transition moves a task to toState, applying aux field updates and
// appending the state-log row in a single transaction. The current state
// is re-read inside the transaction so a concurrent transition cannot
// slip between validation and update.
func (m *Machine) Transition(ctx context.Context, taskID string, toState types.Status, f Fields) error {
	return m.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		var from types.Status
		err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", taskID).Scan(&from)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to read current state of %s: %w", taskID, err)
		}

		if !Allowed(from, toState) {
			return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, from, toState, taskID)
		}

		now := time.Now().UTC()
		set := "status = ?, updated_at = ?"
		args := []interface{}{string(toState), now}
		if f.PRURL != "" {
			set += ", pr_url = ?"
			args = append(args, f.PRURL)
		}
		if f.Worktree != "" {
			set += ", worktree = ?"
			args = append(args, f.Worktree)
		}
		if f.Branch != "" {
			set += ", branch = ?"
			args = append(args, f.Branch)
		}
		if f.LogFile != "" {
			set += ", log_file = ?"
			args = append(args, f.LogFile)
		}
		if f.Session != "" {
			set += ", session = ?"
			args = append(args, f.Session)
		}
		if f.Error != "" {
			set += ", error = ?"
			args = append(args, f.Error)
		}
		switch toState {
		case types.StatusRunning:
			set += ", started_at = COALESCE(started_at, ?)"
			args = append(args, now)
		case types.StatusComplete, types.StatusFailed, types.StatusCancelled:
			set += ", completed_at = ?"
			args = append(args, now)
		}
		args = append(args, taskID)

		if _, err := tx.ExecContext(ctx, "UPDATE tasks SET "+set+" WHERE id = ?", args...); err != nil {
			return fmt.Errorf("failed to apply transition on %s: %w", taskID, err)
		}

		return store.AppendStateLog(ctx, tx, &types.StateLogEntry{
			TaskID:    taskID,
			FromState: from,
			ToState:   toState,
			Reason:    f.Reason,
			CreatedAt: now,
		})
	})
}
