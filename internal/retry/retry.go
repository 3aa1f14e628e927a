// Package retry turns evaluator verdicts into state changes: completion,
// re-queue, tier escalation, blocking, or terminal failure. It owns the
// retry budget and the post-completion quality gate.
package retry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/evaluate"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

// Action is what the controller did with a verdict.
type Action struct {
	Kind     ActionKind
	NewModel string // set for escalations
	Reason   string
}

// ActionKind enumerates controller outcomes.
type ActionKind string

const (
	ActionCompleted ActionKind = "completed"
	ActionRequeued  ActionKind = "requeued"
	ActionEscalated ActionKind = "escalated"
	ActionBlocked   ActionKind = "blocked"
	ActionFailed    ActionKind = "failed"
	ActionDeferred  ActionKind = "deferred" // environment failure, waiting for a fix
)

// Annotator reflects blocked/failed outcomes onto the human task file.
// Implemented by taskfile.File; nil disables annotation.
type Annotator interface {
	AnnotateBlocked(ctx context.Context, taskID, note string) error
}

// IssueCommenter posts a note on a task's linked issue when it blocks or
// fails. Implemented by gh.Client; nil disables issue comments.
type IssueCommenter interface {
	CommentIssue(ctx context.Context, issueURL, body string) error
}

// Controller applies verdicts.
type Controller struct {
	store     *store.Store
	machine   *state.Machine
	annotator Annotator
	issues    IssueCommenter

	minLogBytes   int64
	skipQuality   bool
	shellCheckDir string // worktree to syntax-check; empty disables
}

// Options configures a Controller.
type Options struct {
	MinLogBytes int64
	SkipQuality bool
	Annotator   Annotator
	Issues      IssueCommenter
}

// New builds a Controller.
func New(st *store.Store, m *state.Machine, opts Options) *Controller {
	if opts.MinLogBytes <= 0 {
		opts.MinLogBytes = 2048
	}
	return &Controller{
		store:       st,
		machine:     m,
		annotator:   opts.Annotator,
		issues:      opts.Issues,
		minLogBytes: opts.MinLogBytes,
		skipQuality: opts.SkipQuality,
	}
}

// Apply routes a verdict to the right transition and bookkeeping. The
// task row passed in is the pre-verdict row.
func (c *Controller) Apply(ctx context.Context, task *types.Task, res evaluate.Result) (Action, error) {
	start := time.Now()
	var action Action
	var err error

	switch res.Verdict.Kind {
	case types.VerdictComplete:
		action, err = c.applyComplete(ctx, task, res)
	case types.VerdictRetry:
		action, err = c.applyRetry(ctx, task, res.Verdict)
	case types.VerdictBlocked:
		action, err = c.applyBlocked(ctx, task, res.Verdict)
	case types.VerdictFailed:
		action, err = c.applyFailed(ctx, task, res.Verdict)
	default:
		return Action{}, fmt.Errorf("unroutable verdict %q for %s", res.Verdict, task.ID)
	}
	if err != nil {
		return action, err
	}

	proofErr := c.store.AppendProofLog(ctx, &types.ProofLogEntry{
		TaskID:    task.ID,
		Event:     "evaluation",
		Stage:     res.Stage,
		Decision:  res.Verdict.String(),
		Evidence:  action.Reason,
		DecidedBy: "retry-controller",
		PRURL:     res.PRURL,
		Duration:  time.Since(start),
	})
	if proofErr != nil {
		debug.Logf("Debug: proof log write failed for %s: %v\n", task.ID, proofErr)
	}
	return action, nil
}

func (c *Controller) applyComplete(ctx context.Context, task *types.Task, res evaluate.Result) (Action, error) {
	batchSkip, err := c.batchSkipsQuality(ctx, task.ID)
	if err != nil {
		return Action{}, err
	}
	if !c.skipQuality && !batchSkip {
		if miss, reason := c.qualityMiss(ctx, task, res); miss {
			if next, ok := types.NextTier(types.TierOf(task.Model)); ok &&
				task.Escalations < task.MaxEscalations {
				return c.escalate(ctx, task, next, reason)
			}
			// At the ceiling the result is accepted.
			debug.Logf("Debug: quality miss on %s at ceiling, accepting: %s\n", task.ID, reason)
		}
	}

	if err := c.machine.Transition(ctx, task.ID, types.StatusComplete, state.Fields{
		Reason: res.Verdict.String(),
		PRURL:  res.PRURL,
	}); err != nil {
		return Action{}, err
	}
	if task.Retries == 0 {
		// First-try success; feeds the learned tier recommendation.
		debug.Logf("Debug: first-try success for %s on %s\n", task.ID, task.Model)
	}
	return Action{Kind: ActionCompleted, Reason: res.Verdict.Detail}, nil
}

func (c *Controller) batchSkipsQuality(ctx context.Context, taskID string) (bool, error) {
	batch, err := c.store.BatchOf(ctx, taskID)
	if err != nil {
		return false, err
	}
	return batch != nil && batch.SkipQualityGate, nil
}

// qualityMiss runs the post-hoc quality checks: log-size floor, PR
// existence, and a syntax pass over modified shell files.
func (c *Controller) qualityMiss(ctx context.Context, task *types.Task, res evaluate.Result) (bool, string) {
	if task.LogFile != "" {
		if st, err := os.Stat(task.LogFile); err == nil && st.Size() < c.minLogBytes {
			return true, fmt.Sprintf("log_size_%d_below_floor_%d", st.Size(), c.minLogBytes)
		}
	}
	if res.PRURL == "" && res.Verdict.Detail != "task_obsolete" {
		return true, "complete_without_pr"
	}
	if task.Worktree != "" {
		if bad := brokenShellFiles(ctx, task.Worktree); len(bad) > 0 {
			return true, "shell_syntax_error_in_" + strings.Join(bad, ",")
		}
	}
	return false, ""
}

// brokenShellFiles syntax-checks shell files modified relative to the
// base via sh -n. Best effort: unreadable state means no finding.
func brokenShellFiles(ctx context.Context, worktree string) []string {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "HEAD~1..HEAD")
	cmd.Dir = worktree
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	var bad []string
	for _, f := range strings.Fields(string(out)) {
		if !strings.HasSuffix(f, ".sh") {
			continue
		}
		check := exec.CommandContext(ctx, "sh", "-n", filepath.Join(worktree, f))
		if err := check.Run(); err != nil {
			bad = append(bad, f)
		}
	}
	return bad
}

func (c *Controller) escalate(ctx context.Context, task *types.Task, next types.ModelTier, reason string) (Action, error) {
	if err := c.machine.Transition(ctx, task.ID, types.StatusRetrying, state.Fields{
		Reason: "escalate:" + string(next) + " (" + reason + ")",
	}); err != nil {
		return Action{}, err
	}
	if err := c.store.UpdateTask(ctx, task.ID, map[string]interface{}{
		"model":       string(next),
		"escalations": task.Escalations + 1,
	}); err != nil {
		return Action{}, err
	}
	if err := c.machine.Transition(ctx, task.ID, types.StatusQueued, state.Fields{
		Reason: "re-queued at " + string(next),
	}); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionEscalated, NewModel: string(next), Reason: reason}, nil
}

func (c *Controller) applyRetry(ctx context.Context, task *types.Task, v types.Verdict) (Action, error) {
	class := types.ClassifyFailure(v.Detail)
	if class == types.FailEnvironment {
		return c.parkEnvironment(ctx, task, v)
	}
	if class.ConsumesRetry() {
		if task.Retries >= task.MaxRetries {
			if err := c.machine.Transition(ctx, task.ID, types.StatusFailed, state.Fields{
				Reason: "retries exhausted after " + v.String(),
				Error:  v.String(),
			}); err != nil {
				return Action{}, err
			}
			c.commentLinkedIssue(ctx, task, "Task "+task.ID+" failed: retries exhausted after "+v.String())
			return Action{Kind: ActionFailed, Reason: "retries_exhausted"}, nil
		}
		if err := c.store.UpdateTask(ctx, task.ID, map[string]interface{}{
			"retries": task.Retries + 1,
			"error":   v.String(),
		}); err != nil {
			return Action{}, err
		}
	} else {
		// TRANSIENT failures re-queue for free.
		if err := c.store.UpdateTask(ctx, task.ID, map[string]interface{}{
			"error": v.String(),
		}); err != nil {
			return Action{}, err
		}
	}

	if err := c.machine.Transition(ctx, task.ID, types.StatusRetrying, state.Fields{
		Reason: v.String() + " [" + string(class) + "]",
	}); err != nil {
		return Action{}, err
	}
	if err := c.machine.Transition(ctx, task.ID, types.StatusQueued, state.Fields{
		Reason: "re-queued",
	}); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionRequeued, Reason: v.Detail}, nil
}

func (c *Controller) applyBlocked(ctx context.Context, task *types.Task, v types.Verdict) (Action, error) {
	if err := c.machine.Transition(ctx, task.ID, types.StatusBlocked, state.Fields{
		Reason: v.String(),
		Error:  v.String(),
	}); err != nil {
		return Action{}, err
	}
	if c.annotator != nil {
		if err := c.annotator.AnnotateBlocked(ctx, task.ID, v.Detail); err != nil {
			debug.Logf("Debug: blocked annotation failed for %s: %v\n", task.ID, err)
		}
	}
	c.commentLinkedIssue(ctx, task, "Task "+task.ID+" is blocked: "+v.Detail)
	return Action{Kind: ActionBlocked, Reason: v.Detail}, nil
}

// commentLinkedIssue mirrors a terminal outcome onto the task's linked
// issue. Best effort: the issue lives outside the transaction boundary.
func (c *Controller) commentLinkedIssue(ctx context.Context, task *types.Task, body string) {
	if c.issues == nil || task.IssueURL == "" {
		return
	}
	if err := c.issues.CommentIssue(ctx, task.IssueURL, body); err != nil {
		debug.Logf("Debug: issue comment failed for %s: %v\n", task.ID, err)
	}
}

func (c *Controller) applyFailed(ctx context.Context, task *types.Task, v types.Verdict) (Action, error) {
	class := types.ClassifyFailure(v.Detail)
	if class == types.FailEnvironment {
		return c.parkEnvironment(ctx, task, v)
	}

	if err := c.machine.Transition(ctx, task.ID, types.StatusFailed, state.Fields{
		Reason: v.String(),
		Error:  v.String(),
	}); err != nil {
		return Action{}, err
	}
	c.commentLinkedIssue(ctx, task, "Task "+task.ID+" failed: "+v.Detail)
	return Action{Kind: ActionFailed, Reason: v.Detail}, nil
}

// parkEnvironment holds a task in retrying after an ENVIRONMENT failure:
// the worker never really ran, so the task is fine and the host is not.
// The retry budget is untouched and the task is NOT re-queued here; the
// pulse re-queues parked tasks only once its environment probe passes,
// so a broken worker binary cannot livelock dispatch.
func (c *Controller) parkEnvironment(ctx context.Context, task *types.Task, v types.Verdict) (Action, error) {
	if err := c.store.UpdateTask(ctx, task.ID, map[string]interface{}{
		"error": v.String(),
	}); err != nil {
		return Action{}, err
	}
	if err := c.machine.Transition(ctx, task.ID, types.StatusRetrying, state.Fields{
		Reason: v.String() + " [ENVIRONMENT]",
	}); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionDeferred, Reason: v.Detail}, nil
}
