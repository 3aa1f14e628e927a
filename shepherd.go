// Package shepherd provides a minimal public API for extending shep with
// custom orchestration.
//
// Most extensions should use direct SQL queries against the supervisor
// store. This package exports only the essential types and functions
// needed for Go-based extensions that want to drive the store and state
// machine programmatically.
package shepherd

import (
	"context"
	"time"

	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

// Store is the supervisor's SQLite-backed state store.
type Store = store.Store

// Machine enforces the task state-transition matrix. All status writes
// go through it; the store refuses direct status updates.
type Machine = state.Machine

// TaskFilter narrows Store.ListTasks.
type TaskFilter = store.TaskFilter

// Open opens (and migrates) the store at dbPath.
func Open(ctx context.Context, dbPath string, busyTimeout time.Duration) (*Store, error) {
	return store.Open(ctx, dbPath, busyTimeout)
}

// NewMachine builds a state machine over an open store.
func NewMachine(s *Store) *Machine {
	return state.New(s)
}

// Core types from internal/types
type (
	Task           = types.Task
	Batch          = types.Batch
	Status         = types.Status
	BatchStatus    = types.BatchStatus
	ReleaseType    = types.ReleaseType
	ModelTier      = types.ModelTier
	Verdict        = types.Verdict
	VerdictKind    = types.VerdictKind
	StateLogEntry  = types.StateLogEntry
	ProofLogEntry  = types.ProofLogEntry
	TransitionInfo = state.Fields
)

// Status constants
const (
	StatusQueued       = types.StatusQueued
	StatusDispatched   = types.StatusDispatched
	StatusRunning      = types.StatusRunning
	StatusEvaluating   = types.StatusEvaluating
	StatusComplete     = types.StatusComplete
	StatusRetrying     = types.StatusRetrying
	StatusBlocked      = types.StatusBlocked
	StatusFailed       = types.StatusFailed
	StatusCancelled    = types.StatusCancelled
	StatusPRReview     = types.StatusPRReview
	StatusReviewTriage = types.StatusReviewTriage
	StatusMerging      = types.StatusMerging
	StatusMerged       = types.StatusMerged
	StatusDeploying    = types.StatusDeploying
	StatusDeployed     = types.StatusDeployed
	StatusVerifying    = types.StatusVerifying
	StatusVerified     = types.StatusVerified
	StatusVerifyFailed = types.StatusVerifyFailed
)

// Model tier constants
const (
	TierHaiku  = types.TierHaiku
	TierSonnet = types.TierSonnet
	TierOpus   = types.TierOpus
)

// Verdict constants
const (
	VerdictComplete = types.VerdictComplete
	VerdictRetry    = types.VerdictRetry
	VerdictBlocked  = types.VerdictBlocked
	VerdictFailed   = types.VerdictFailed
	VerdictEscalate = types.VerdictEscalate
)

// Batch status constants
const (
	BatchActive    = types.BatchActive
	BatchPaused    = types.BatchPaused
	BatchComplete  = types.BatchComplete
	BatchCancelled = types.BatchCancelled
)
