// Package types defines the core data model shared across the supervisor:
// tasks, batches, state-log and proof-log entries, verdicts, and the
// closed status enum.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Status is the closed set of task states.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDispatched   Status = "dispatched"
	StatusRunning      Status = "running"
	StatusEvaluating   Status = "evaluating"
	StatusComplete     Status = "complete"
	StatusRetrying     Status = "retrying"
	StatusBlocked      Status = "blocked"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusPRReview     Status = "pr_review"
	StatusReviewTriage Status = "review_triage"
	StatusMerging      Status = "merging"
	StatusMerged       Status = "merged"
	StatusDeploying    Status = "deploying"
	StatusDeployed     Status = "deployed"
	StatusVerifying    Status = "verifying"
	StatusVerified     Status = "verified"
	StatusVerifyFailed Status = "verify_failed"
)

// AllStatuses lists every member of the status enum. The transition matrix
// in internal/state is validated against this list.
var AllStatuses = []Status{
	StatusQueued, StatusDispatched, StatusRunning, StatusEvaluating,
	StatusComplete, StatusRetrying, StatusBlocked, StatusFailed,
	StatusCancelled, StatusPRReview, StatusReviewTriage, StatusMerging,
	StatusMerged, StatusDeploying, StatusDeployed, StatusVerifying,
	StatusVerified, StatusVerifyFailed,
}

// IsValid reports whether s is a member of the status enum.
func (s Status) IsValid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a task in this state has finished the
// worker-facing part of its lifecycle. Terminal tasks get their worker
// process tree reaped and their PID sidecar removed. Note that complete
// is terminal for the worker but the PR lifecycle may still advance the
// task through the merge/deploy states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusDeployed, StatusVerified, StatusVerifyFailed,
		StatusFailed, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// IsPRBearing reports whether the PR lifecycle engine should consider a
// task in this state.
func (s Status) IsPRBearing() bool {
	switch s {
	case StatusComplete, StatusPRReview, StatusReviewTriage, StatusMerging,
		StatusMerged, StatusDeploying, StatusDeployed, StatusVerifying:
		return true
	}
	return false
}

// Task is the unit of work the supervisor schedules. Identity is a stable
// string ID taken from the human task file (e.g. "t42").
type Task struct {
	ID             string     `json:"id"`
	Repo           string     `json:"repo"`
	Description    string     `json:"description"`
	Status         Status     `json:"status"`
	Model          string     `json:"model,omitempty"`
	Retries        int        `json:"retries"`
	MaxRetries     int        `json:"max_retries"`
	Escalations    int        `json:"escalations"`
	MaxEscalations int        `json:"max_escalations"`
	RebaseAttempts int        `json:"rebase_attempts"`
	DeployRecovery int        `json:"deploy_recovery"`
	Session        string     `json:"session,omitempty"` // worker session handle (PID)
	Worktree       string     `json:"worktree,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	LogFile        string     `json:"log_file,omitempty"`
	PRURL          string     `json:"pr_url,omitempty"`
	IssueURL       string     `json:"issue_url,omitempty"`
	DiagnosticOf   string     `json:"diagnostic_of,omitempty"` // task this one diagnoses
	TriageResult   string     `json:"triage_result,omitempty"`
	Error          string     `json:"error,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks the task row invariants that must hold for every
// persisted task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has empty ID")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("task %s has invalid status %q", t.ID, t.Status)
	}
	if t.MaxRetries > 0 && t.Retries > t.MaxRetries {
		return fmt.Errorf("task %s has retries %d > max_retries %d", t.ID, t.Retries, t.MaxRetries)
	}
	if t.MaxEscalations > 0 && t.Escalations > t.MaxEscalations {
		return fmt.Errorf("task %s has escalations %d > max_escalations %d", t.ID, t.Escalations, t.MaxEscalations)
	}
	return nil
}

// ParentID returns the parent task ID for hierarchical IDs ("t46.1" -> "t46").
// Returns empty string for top-level tasks.
func (t *Task) ParentID() string {
	if idx := strings.LastIndex(t.ID, "."); idx > 0 {
		return t.ID[:idx]
	}
	return ""
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchPaused    BatchStatus = "paused"
	BatchComplete  BatchStatus = "complete"
	BatchCancelled BatchStatus = "cancelled"
)

// ReleaseType selects the semver component bumped when a
// release-on-complete batch finishes.
type ReleaseType string

const (
	ReleaseMajor ReleaseType = "major"
	ReleaseMinor ReleaseType = "minor"
	ReleasePatch ReleaseType = "patch"
)

// Batch is a cohort of tasks sharing a concurrency budget.
type Batch struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Concurrency       int         `json:"concurrency"`            // base budget
	MaxConcurrency    int         `json:"max_concurrency"`        // hard ceiling, 0 = global
	LoadFactor        float64     `json:"load_factor"`            // adaptive scaling weight
	ReleaseOnComplete bool        `json:"release_on_complete"`
	ReleaseType       ReleaseType `json:"release_type,omitempty"`
	SkipQualityGate   bool        `json:"skip_quality_gate"`
	Status            BatchStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
}

// StateLogEntry is an append-only audit record of a task state transition.
type StateLogEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	FromState Status    `json:"from_state"`
	ToState   Status    `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProofLogEntry is an append-only evidence record justifying a terminal
// transition or lifecycle decision.
type ProofLogEntry struct {
	ID        string        `json:"id"` // uuid
	TaskID    string        `json:"task_id"`
	Event     string        `json:"event"`
	Stage     string        `json:"stage"`
	Decision  string        `json:"decision"`
	Evidence  string        `json:"evidence,omitempty"`
	DecidedBy string        `json:"decided_by"` // heuristic name or model string
	PRURL     string        `json:"pr_url,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Metadata  string        `json:"metadata,omitempty"` // JSON blob
	CreatedAt time.Time     `json:"created_at"`
}
