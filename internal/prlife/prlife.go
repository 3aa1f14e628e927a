// Package prlife drives PR-bearing tasks from complete to deployed and
// verified: gather a snapshot, ask the advisor for the next action under
// a fixed grammar, execute it, and run the post-merge sequence. One
// decision point instead of a sprawl of case statements.
package prlife

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/untoldecay/Shepherd/internal/advisor"
	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/gh"
	"github.com/untoldecay/Shepherd/internal/gitx"
	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

// GitHub is the slice of the gh client the engine uses.
type GitHub interface {
	ViewPR(ctx context.Context, url string) (*gh.PR, error)
	MergePR(ctx context.Context, url string) error
	ClosePR(ctx context.Context, url, comment string) error
	PromoteDraft(ctx context.Context, url string) error
	UpdateBranch(ctx context.Context, url string) error
	DismissReviews(ctx context.Context, url string) error
	RetryChecks(ctx context.Context, url string) error
}

// TaskMarks reflects lifecycle results onto the human task file.
type TaskMarks interface {
	MarkComplete(ctx context.Context, taskID, proof string) error
}

// VerifyEnqueuer queues post-deploy checks.
type VerifyEnqueuer interface {
	Enqueue(ctx context.Context, taskID, prRef string, changedPaths []string) error
}

// Config is the engine's static configuration.
type Config struct {
	BaseBranch           string
	RepoDir              string
	MaxActions           int // per Run; 0 means 3
	AllowUnreviewedMerge bool
	DecisionDir          string   // decision-<task>-<ts>.md audit files
	DeployCmd            []string // run in RepoDir after merge; empty = no-op deploy
	MaxDeployRecovery    int
	WorkerBin            string
	LogsDir              string
}

// Engine advances PR-bearing tasks.
type Engine struct {
	store    *store.Store
	machine  *state.Machine
	github   GitHub
	advise   advisor.Advisor
	fallback advisor.Advisor
	sup      *proc.Supervisor
	repo     *gitx.Repo
	marks    TaskMarks
	verify   VerifyEnqueuer
	cfg      Config

	// injectable for tests
	rebaseOnto func(ctx context.Context, worktree, base string) error
	pushBranch func(ctx context.Context, worktree, branch string) error
	runDeploy  func(ctx context.Context) error
}

// New builds an Engine. marks and verify may be nil.
func New(st *store.Store, m *state.Machine, github GitHub, advise advisor.Advisor,
	sup *proc.Supervisor, marks TaskMarks, verify VerifyEnqueuer, cfg Config) *Engine {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 3
	}
	if cfg.MaxDeployRecovery <= 0 {
		cfg.MaxDeployRecovery = 2
	}
	e := &Engine{
		store: st, machine: m, github: github, advise: advise,
		fallback: &advisor.RuleAdvisor{AllowUnreviewedMerge: cfg.AllowUnreviewedMerge},
		sup:      sup, repo: gitx.NewRepo(cfg.RepoDir),
		marks: marks, verify: verify, cfg: cfg,
	}
	e.rebaseOnto = gitx.RebaseOntoBase
	e.pushBranch = gitx.PushBranch
	e.runDeploy = e.execDeploy
	return e
}

// Report summarises one lifecycle pass.
type Report struct {
	Actions  int
	Merged   []string
	Deployed []string
	Deferred []string // bounded-work overflow
}

// Run advances every PR-bearing task, executing at most MaxActions
// decisions. Sibling children of one parent merge at most once per run.
func (e *Engine) Run(ctx context.Context, repo string) (*Report, error) {
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{Repo: repo})
	if err != nil {
		return nil, err
	}
	report := &Report{}
	mergedParents := map[string]bool{}

	for _, task := range tasks {
		if !task.Status.IsPRBearing() || task.Status == types.StatusVerifying {
			continue
		}
		if report.Actions >= e.cfg.MaxActions {
			report.Deferred = append(report.Deferred, task.ID)
			continue
		}
		if err := e.advance(ctx, task, mergedParents, report); err != nil {
			debug.Logf("Debug: pr lifecycle for %s failed: %v\n", task.ID, err)
		}
	}
	return report, nil
}

// advance moves one task a single step.
func (e *Engine) advance(ctx context.Context, task *types.Task, mergedParents map[string]bool, report *Report) error {
	switch task.Status {
	case types.StatusComplete:
		if task.PRURL == "" {
			// Nothing to drive; the task file records completion directly.
			if e.marks != nil {
				_ = e.marks.MarkComplete(ctx, task.ID, "")
			}
			return nil
		}
		return e.machine.Transition(ctx, task.ID, types.StatusPRReview, state.Fields{
			Reason: "entered pr lifecycle",
		})

	case types.StatusPRReview, types.StatusReviewTriage:
		return e.decideAndExecute(ctx, task, mergedParents, report)

	case types.StatusMerging:
		// Crash recovery: the merge may or may not have landed.
		return e.finishMerge(ctx, task, report)

	case types.StatusMerged:
		return e.startDeploy(ctx, task, report)

	case types.StatusDeploying:
		return e.deploy(ctx, task, report)

	case types.StatusDeployed:
		return e.queueVerification(ctx, task)
	}
	return nil
}

func (e *Engine) decideAndExecute(ctx context.Context, task *types.Task, mergedParents map[string]bool, report *Report) error {
	snap, pr, err := e.gather(ctx, task)
	if err != nil {
		return err
	}

	decision, decidedBy := e.decide(ctx, snap)
	e.persistDecision(task.ID, snap, decision, decidedBy)

	// Merge gate: without the explicit opt-in, merging needs an APPROVED
	// review; the task parks in review until a human acts.
	if decision.Action == advisor.ActionMergePR &&
		!e.cfg.AllowUnreviewedMerge && snap.ReviewDecision != "APPROVED" {
		decision = advisor.Decision{Action: advisor.ActionWait, Reason: "review_waiting"}
	}

	// Serial sibling merges: one child per parent per run.
	if decision.Action == advisor.ActionMergePR {
		parent := parentKey(task.ID)
		if mergedParents[parent] {
			decision = advisor.Decision{Action: advisor.ActionWait, Reason: "sibling merged this pulse"}
		} else {
			mergedParents[parent] = true
		}
	}

	report.Actions++
	return e.execute(ctx, task, pr, decision, report)
}

// gather builds the decision snapshot from the DB row, GitHub, process
// liveness, and recent history.
func (e *Engine) gather(ctx context.Context, task *types.Task) (advisor.PRSnapshot, *gh.PR, error) {
	snap := advisor.PRSnapshot{
		TaskID: task.ID,
		Status: string(task.Status),
		PRURL:  task.PRURL,
	}
	var pr *gh.PR
	if task.PRURL != "" {
		var err error
		pr, err = e.github.ViewPR(ctx, task.PRURL)
		if err != nil {
			return snap, nil, fmt.Errorf("failed to view PR for %s: %w", task.ID, err)
		}
		snap.PRState = pr.State
		snap.IsDraft = pr.IsDraft
		snap.ReviewDecision = pr.ReviewDecision
		snap.Mergeable = pr.Mergeable
		snap.MergeStateStatus = pr.MergeStateStatus
		snap.ChecksFailing = pr.ChecksFailing()
	}
	if e.sup != nil {
		snap.WorkerAlive = proc.Alive(e.sup.SidecarPID(task.ID))
	}
	if task.Worktree != "" {
		if info, err := os.Stat(task.Worktree); err == nil && info.IsDir() {
			snap.WorktreeExists = true
		}
	}
	if entries, err := e.store.StateLog(ctx, task.ID, 5); err == nil {
		for _, en := range entries {
			snap.RecentHistory = append(snap.RecentHistory,
				fmt.Sprintf("%s -> %s (%s)", en.FromState, en.ToState, en.Reason))
		}
	}
	return snap, pr, nil
}

// decide asks the primary advisor, falling back to the deterministic
// rules when it errors or emits garbage.
func (e *Engine) decide(ctx context.Context, snap advisor.PRSnapshot) (advisor.Decision, string) {
	if e.advise != nil {
		if d, err := e.advise.DecidePRAction(ctx, snap); err == nil && advisor.ValidPRAction(d.Action) {
			return d, e.advise.Name()
		} else if err != nil {
			debug.Logf("Debug: advisor failed for %s, using rules: %v\n", snap.TaskID, err)
		}
	}
	d, _ := e.fallback.DecidePRAction(ctx, snap)
	return d, e.fallback.Name()
}

// persistDecision writes the audit file $DECISION_DIR/decision-<task>-<ts>.md.
func (e *Engine) persistDecision(taskID string, snap advisor.PRSnapshot, d advisor.Decision, decidedBy string) {
	if e.cfg.DecisionDir == "" {
		return
	}
	if err := os.MkdirAll(e.cfg.DecisionDir, 0750); err != nil {
		return
	}
	path := filepath.Join(e.cfg.DecisionDir,
		fmt.Sprintf("decision-%s-%s.md", taskID, time.Now().Format("20060102-150405")))
	var b strings.Builder
	fmt.Fprintf(&b, "# PR lifecycle decision for %s\n\n", taskID)
	fmt.Fprintf(&b, "- **Action**: %s\n- **Reason**: %s\n- **Decided by**: %s\n\n", d.Action, d.Reason, decidedBy)
	fmt.Fprintf(&b, "## Snapshot\n\n")
	fmt.Fprintf(&b, "- PR: %s (%s, draft=%v)\n", snap.PRURL, snap.PRState, snap.IsDraft)
	fmt.Fprintf(&b, "- Review: %s, mergeable: %s/%s, checks failing: %v\n",
		snap.ReviewDecision, snap.Mergeable, snap.MergeStateStatus, snap.ChecksFailing)
	fmt.Fprintf(&b, "- Worker alive: %v, worktree: %v\n\n## History\n\n", snap.WorkerAlive, snap.WorktreeExists)
	for _, h := range snap.RecentHistory {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		debug.Logf("Debug: decision persist failed for %s: %v\n", taskID, err)
	}
}

func (e *Engine) execute(ctx context.Context, task *types.Task, pr *gh.PR, d advisor.Decision, report *Report) error {
	switch d.Action {
	case advisor.ActionWait:
		return nil

	case advisor.ActionMergePR:
		if err := e.triage(ctx, task, "merge approved: "+d.Reason); err != nil {
			return err
		}
		if err := e.machine.Transition(ctx, task.ID, types.StatusMerging, state.Fields{
			Reason: "merge approved: " + d.Reason,
		}); err != nil {
			return err
		}
		if err := e.github.MergePR(ctx, task.PRURL); err != nil {
			if terr := e.machine.Transition(ctx, task.ID, types.StatusBlocked, state.Fields{
				Reason: "merge failed", Error: err.Error(),
			}); terr != nil {
				return terr
			}
			return fmt.Errorf("merge failed for %s: %w", task.ID, err)
		}
		task.Status = types.StatusMerging
		return e.finishMerge(ctx, task, report)

	case advisor.ActionMarkComplete, advisor.ActionDeploy:
		// The PR is already merged; catch the row up and deploy.
		if err := e.triage(ctx, task, "pr already merged: "+d.Reason); err != nil {
			return err
		}
		if err := e.machine.Transition(ctx, task.ID, types.StatusMerging, state.Fields{
			Reason: "pr already merged: " + d.Reason,
		}); err != nil {
			return err
		}
		task.Status = types.StatusMerging
		return e.finishMerge(ctx, task, report)

	case advisor.ActionUpdateBranch:
		return e.github.UpdateBranch(ctx, task.PRURL)

	case advisor.ActionRebaseBranch:
		if task.Worktree == "" {
			return fmt.Errorf("rebase_branch without a worktree for %s", task.ID)
		}
		if err := e.rebaseOnto(ctx, task.Worktree, e.cfg.BaseBranch); err != nil {
			return err
		}
		if err := e.store.UpdateTask(ctx, task.ID, map[string]interface{}{
			"rebase_attempts": task.RebaseAttempts + 1,
		}); err != nil {
			return err
		}
		return e.pushBranch(ctx, task.Worktree, task.Branch)

	case advisor.ActionPromoteDraft:
		return e.github.PromoteDraft(ctx, task.PRURL)

	case advisor.ActionDismissReviews:
		return e.github.DismissReviews(ctx, task.PRURL)

	case advisor.ActionRetryCI:
		return e.github.RetryChecks(ctx, task.PRURL)

	case advisor.ActionClosePR:
		if err := e.github.ClosePR(ctx, task.PRURL, "Closing: "+d.Reason); err != nil {
			return err
		}
		return e.machine.Transition(ctx, task.ID, types.StatusCancelled, state.Fields{
			Reason: "pr closed: " + d.Reason,
		})

	case advisor.ActionCancel:
		return e.machine.Transition(ctx, task.ID, types.StatusCancelled, state.Fields{
			Reason: "lifecycle cancel: " + d.Reason,
		})

	case advisor.ActionFixCI, advisor.ActionResolveConflicts, advisor.ActionFixAndPush:
		return e.spawnFixWorker(ctx, task, d)
	}
	return fmt.Errorf("unhandled action %q for %s", d.Action, task.ID)
}

// triage records the review_triage step for tasks still in pr_review.
func (e *Engine) triage(ctx context.Context, task *types.Task, reason string) error {
	if task.Status != types.StatusPRReview {
		return nil
	}
	if err := e.machine.Transition(ctx, task.ID, types.StatusReviewTriage, state.Fields{
		Reason: reason,
	}); err != nil {
		return err
	}
	task.Status = types.StatusReviewTriage
	return nil
}

// finishMerge confirms the merge landed and runs the post-merge path.
func (e *Engine) finishMerge(ctx context.Context, task *types.Task, report *Report) error {
	pr, err := e.github.ViewPR(ctx, task.PRURL)
	if err != nil {
		return err
	}
	if pr.State != "MERGED" {
		// Merge still pending (e.g. merge queue); retry next pulse.
		debug.Logf("Debug: %s merge not landed yet (%s)\n", task.ID, pr.State)
		return nil
	}
	if err := e.machine.Transition(ctx, task.ID, types.StatusMerged, state.Fields{
		Reason: fmt.Sprintf("pr #%d merged", pr.Number),
	}); err != nil {
		return err
	}
	report.Merged = append(report.Merged, task.ID)
	task.Status = types.StatusMerged

	e.postMergeHousekeeping(ctx, task)
	return e.startDeploy(ctx, task, report)
}

// postMergeHousekeeping pulls the base and rebases sibling branches so
// the next sibling merge does not conflict.
func (e *Engine) postMergeHousekeeping(ctx context.Context, task *types.Task) {
	if err := e.repo.PullBase(ctx, e.cfg.BaseBranch); err != nil {
		debug.Logf("Debug: base pull after %s merge failed: %v\n", task.ID, err)
	}
	siblings, err := e.store.SiblingTasks(ctx, task.ID)
	if err != nil {
		return
	}
	for _, sib := range siblings {
		if sib.Worktree == "" || sib.Branch == "" || !sib.Status.IsPRBearing() {
			continue
		}
		if err := e.rebaseOnto(ctx, sib.Worktree, e.cfg.BaseBranch); err != nil {
			debug.Logf("Debug: sibling %s rebase failed: %v\n", sib.ID, err)
			continue
		}
		if err := e.pushBranch(ctx, sib.Worktree, sib.Branch); err != nil {
			debug.Logf("Debug: sibling %s push failed: %v\n", sib.ID, err)
			continue
		}
		if err := e.store.UpdateTask(ctx, sib.ID, map[string]interface{}{
			"rebase_attempts": sib.RebaseAttempts + 1,
		}); err != nil {
			debug.Logf("Debug: sibling %s bookkeeping failed: %v\n", sib.ID, err)
		}
	}
}

func (e *Engine) startDeploy(ctx context.Context, task *types.Task, report *Report) error {
	if err := e.machine.Transition(ctx, task.ID, types.StatusDeploying, state.Fields{
		Reason: "starting deploy",
	}); err != nil {
		return err
	}
	task.Status = types.StatusDeploying
	return e.deploy(ctx, task, report)
}

func (e *Engine) deploy(ctx context.Context, task *types.Task, report *Report) error {
	if err := e.runDeploy(ctx); err != nil {
		if task.DeployRecovery < e.cfg.MaxDeployRecovery {
			// Leave the task in deploying; the next pulse retries.
			if uerr := e.store.UpdateTask(ctx, task.ID, map[string]interface{}{
				"deploy_recovery": task.DeployRecovery + 1,
				"error":           "deploy failed: " + err.Error(),
			}); uerr != nil {
				return uerr
			}
			return fmt.Errorf("deploy failed for %s (attempt %d): %w", task.ID, task.DeployRecovery+1, err)
		}
		return e.machine.Transition(ctx, task.ID, types.StatusBlocked, state.Fields{
			Reason: "deploy retries exhausted", Error: err.Error(),
		})
	}

	if err := e.machine.Transition(ctx, task.ID, types.StatusDeployed, state.Fields{
		Reason: "deploy succeeded",
	}); err != nil {
		return err
	}
	report.Deployed = append(report.Deployed, task.ID)
	task.Status = types.StatusDeployed

	e.cleanupAfterDeploy(ctx, task)
	return e.queueVerification(ctx, task)
}

// cleanupAfterDeploy reaps the worker, removes the worktree, and marks
// the task line complete with its PR number as proof.
func (e *Engine) cleanupAfterDeploy(ctx context.Context, task *types.Task) {
	if e.sup != nil {
		if err := e.sup.Reap(task.ID); err != nil {
			debug.Logf("Debug: reap after deploy failed for %s: %v\n", task.ID, err)
		}
	}
	if task.Worktree != "" {
		if err := e.repo.RemoveWorktree(ctx, task.Worktree); err != nil {
			debug.Logf("Debug: worktree cleanup failed for %s: %v\n", task.ID, err)
		}
	}
	if e.marks != nil {
		proof := ""
		if _, _, n, err := gh.ParsePRURL(task.PRURL); err == nil {
			proof = fmt.Sprintf("pr:#%d", n)
		}
		if err := e.marks.MarkComplete(ctx, task.ID, proof); err != nil {
			debug.Logf("Debug: task file completion for %s failed: %v\n", task.ID, err)
		}
	}
}

func (e *Engine) queueVerification(ctx context.Context, task *types.Task) error {
	if e.verify == nil || task.PRURL == "" {
		return nil
	}
	pr, err := e.github.ViewPR(ctx, task.PRURL)
	if err != nil {
		return err
	}
	prRef := fmt.Sprintf("pr:#%d", pr.Number)
	return e.verify.Enqueue(ctx, task.ID, prRef, pr.ChangedPaths())
}

// spawnFixWorker launches a second worker scoped to the task's worktree
// to resolve conflicts or fix CI autonomously.
func (e *Engine) spawnFixWorker(ctx context.Context, task *types.Task, d advisor.Decision) error {
	if e.sup == nil || task.Worktree == "" {
		return fmt.Errorf("cannot spawn fix worker for %s: no worktree", task.ID)
	}
	if proc.Alive(e.sup.SidecarPID(task.ID)) {
		return nil // one worker at a time per task
	}
	logFile := filepath.Join(e.cfg.LogsDir,
		fmt.Sprintf("%s-%s.log", task.ID, time.Now().Format("20060102-150405")))
	bin := e.cfg.WorkerBin
	if bin == "" {
		bin = "claude"
	}
	_, err := e.sup.Spawn(ctx, proc.SpawnSpec{
		TaskID:  task.ID,
		Command: []string{bin, "-p", fixPrompt(task, d), "--model", "claude-sonnet-4-20250514",
			"--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
		Dir:     task.Worktree,
		LogFile: logFile,
		Env:     []string{"SHEP_HEADLESS=1", "SHEP_TASK_ID=" + task.ID},
	})
	if err != nil {
		return err
	}
	return e.store.UpdateTask(ctx, task.ID, map[string]interface{}{"log_file": logFile})
}

func fixPrompt(task *types.Task, d advisor.Decision) string {
	var goal string
	switch d.Action {
	case advisor.ActionResolveConflicts:
		goal = "Rebase this branch onto the base branch and resolve every merge conflict, then force-push with lease."
	case advisor.ActionFixCI:
		goal = "The PR's CI checks are failing. Diagnose from the check output, fix the code, and push."
	default:
		goal = "Reviews requested changes on this PR. Address them and push."
	}
	return fmt.Sprintf("You are working headless in an existing branch for task %s.\nPR: %s\n\n%s\n\n"+
		"Do not edit the task list file. Print TASK_COMPLETE when the PR is clean.",
		task.ID, task.PRURL, goal)
}

// execDeploy runs the configured deploy command in the repo.
func (e *Engine) execDeploy(ctx context.Context) error {
	if len(e.cfg.DeployCmd) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, e.cfg.DeployCmd[0], e.cfg.DeployCmd[1:]...)
	cmd.Dir = e.cfg.RepoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// parentKey groups dotted children under their parent for the serial
// merge guard; top-level tasks gate on themselves.
func parentKey(taskID string) string {
	if idx := strings.LastIndex(taskID, "."); idx > 0 {
		return taskID[:idx]
	}
	return taskID
}
