// Package dispatch is the preflight for spawning a worker: claims,
// prior-completion evidence, concurrency, retry budget, provider
// health, repo shape, worktree, and finally the spawn itself. Each
// refusal is a distinct outcome the pulse driver matches on.
package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/gitx"
	"github.com/untoldecay/Shepherd/internal/model"
	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

// OutcomeKind tags what the dispatcher did with a task. Callers match
// on the variant, never on exit codes.
type OutcomeKind string

const (
	OutcomeSpawned         OutcomeKind = "spawned"
	OutcomeCancelledPrior  OutcomeKind = "cancelled_prior_completion"
	OutcomeClaimConflict   OutcomeKind = "claim_conflict"
	OutcomeConcurrency     OutcomeKind = "concurrency_limit"
	OutcomeRetriesExceeded OutcomeKind = "retries_exhausted"
	OutcomeBatchInactive   OutcomeKind = "batch_inactive"
	OutcomeUnavailable     OutcomeKind = "provider_unavailable"
	OutcomeRateLimited     OutcomeKind = "provider_rate_limited"
	OutcomeKeyBlocked      OutcomeKind = "provider_key_blocked"
	OutcomeWorktreeFailed  OutcomeKind = "worktree_creation_failed"
	OutcomeContest         OutcomeKind = "contest_delegated"
)

// Outcome is the dispatcher's result for one task.
type Outcome struct {
	Kind     OutcomeKind
	Detail   string
	PID      int    // set when spawned
	Model    string // resolved model
	Worktree string
	Verify   bool // verify-mode dispatch
}

// ExitCode maps an outcome to the process exit code of `shep dispatch`.
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case OutcomeSpawned, OutcomeCancelledPrior, OutcomeClaimConflict, OutcomeContest:
		return 0
	case OutcomeConcurrency, OutcomeBatchInactive:
		return 2
	case OutcomeUnavailable:
		return 3
	case OutcomeRateLimited:
		return 75
	default:
		return 1
	}
}

// Claims is the slice of the task file the dispatcher needs.
type Claims interface {
	Holder(taskID string) (string, time.Time, error)
	Claim(ctx context.Context, taskID, holder string) error
	Unclaim(ctx context.Context, taskID string) error
}

// GitHubAuth gates dispatch on usable gh credentials.
type GitHubAuth interface {
	AuthUsable(ctx context.Context) bool
}

// Contest receives tasks whose resolved model is the CONTEST sentinel.
// The fan-out itself lives outside the core.
type Contest interface {
	FanOut(ctx context.Context, task *types.Task) error
}

// Config is the static dispatcher configuration.
type Config struct {
	RepoDir      string
	WorktreeRoot string
	LogsDir      string
	BaseBranch   string
	Instance     string // claim-holder name for this supervisor
	WorkerBin    string // e.g. "claude"
	ConfigDir    string // isolated per-worker config dir
	Global       int    // global concurrency ceiling
	StaleClaim   time.Duration
}

// Dispatcher runs the spawn preflight.
type Dispatcher struct {
	store   *store.Store
	machine *state.Machine
	router  *model.Router
	health  *model.HealthChecker
	sup     *proc.Supervisor
	repo    *gitx.Repo
	claims  Claims
	auth    GitHubAuth
	policy  ConcurrencyPolicy
	contest Contest
	cfg     Config
}

// New builds a Dispatcher. claims, auth, and contest may be nil; nil
// disables the corresponding gate.
func New(st *store.Store, m *state.Machine, r *model.Router, h *model.HealthChecker,
	sup *proc.Supervisor, claims Claims, auth GitHubAuth, contest Contest,
	policy ConcurrencyPolicy, cfg Config) *Dispatcher {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Global <= 0 {
		cfg.Global = 4
	}
	if cfg.StaleClaim <= 0 {
		cfg.StaleClaim = 2 * time.Hour
	}
	if cfg.WorkerBin == "" {
		cfg.WorkerBin = "claude"
	}
	if policy == nil {
		policy = &LoadAdaptivePolicy{}
	}
	return &Dispatcher{
		store: st, machine: m, router: r, health: h, sup: sup,
		repo: gitx.NewRepo(cfg.RepoDir), claims: claims, auth: auth,
		contest: contest, policy: policy, cfg: cfg,
	}
}

// EnvironmentReady reports whether the dispatch environment can run a
// worker at all: the worker binary resolves on PATH and the provider is
// not hard-down. Tasks parked after ENVIRONMENT failures stay parked
// until this passes.
func (d *Dispatcher) EnvironmentReady(ctx context.Context) bool {
	if _, err := exec.LookPath(d.cfg.WorkerBin); err != nil {
		return false
	}
	if d.health != nil {
		switch d.health.Check(ctx) {
		case model.Unavailable, model.KeyInvalid:
			return false
		}
	}
	return true
}

// Dispatch runs the full preflight for one queued task and, when every
// gate passes, spawns its worker.
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task) (Outcome, error) {
	// 1. Claim.
	if out, stop, err := d.claimGate(ctx, task); stop || err != nil {
		return out, err
	}

	// 2. Prior-completion guard.
	if merged, err := d.repo.MergedEvidence(ctx, task.ID, d.cfg.BaseBranch); err == nil && merged {
		if err := d.machine.Transition(ctx, task.ID, types.StatusCancelled, state.Fields{
			Reason: "already completed in git history",
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeCancelledPrior, Detail: "merged evidence for " + task.ID}, nil
	}

	// 3. Verify-mode detection.
	verify := d.verifyMode(task)

	// 4. Concurrency gate. Computed here, not at selection time, so the
	// running count cannot go stale between selection and spawn.
	batch, err := d.store.BatchOf(ctx, task.ID)
	if err != nil {
		return Outcome{}, err
	}
	if batch != nil && batch.Status != types.BatchActive {
		return Outcome{Kind: OutcomeBatchInactive, Detail: "batch " + batch.ID + " is " + string(batch.Status)}, nil
	}
	effective := d.policy.Effective(batch, d.cfg.Global)
	running, err := d.store.CountByStatus(ctx, task.Repo, types.StatusDispatched, types.StatusRunning)
	if err != nil {
		return Outcome{}, err
	}
	if running >= effective {
		return Outcome{Kind: OutcomeConcurrency,
			Detail: fmt.Sprintf("%d running >= effective %d", running, effective)}, nil
	}

	// 5. Retry-budget gate.
	if task.Retries >= task.MaxRetries && task.MaxRetries > 0 {
		if err := d.machine.Transition(ctx, task.ID, types.StatusFailed, state.Fields{
			Reason: fmt.Sprintf("retry budget exhausted (%d/%d)", task.Retries, task.MaxRetries),
			Error:  "retries exhausted before dispatch",
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeRetriesExceeded}, nil
	}

	// 6. Health gate.
	if d.health != nil {
		switch st := d.health.Check(ctx); st {
		case model.Unavailable:
			return Outcome{Kind: OutcomeUnavailable, Detail: st.String()}, nil
		case model.RateLimited:
			return Outcome{Kind: OutcomeRateLimited, Detail: st.String()}, nil
		case model.KeyInvalid:
			return Outcome{Kind: OutcomeKeyBlocked, Detail: st.String()}, nil
		}
	}

	// 7. Repo-shape preflight. A detached worker has no SSH agent, so
	// the remote must speak HTTPS.
	if _, err := d.repo.RewriteSSHRemote(ctx); err != nil {
		debug.Logf("Debug: remote rewrite failed for %s: %v\n", task.ID, err)
	}
	if d.auth != nil && !d.auth.AuthUsable(ctx) {
		return Outcome{Kind: OutcomeKeyBlocked, Detail: "github auth unusable"}, nil
	}

	// 8. Worktree acquisition.
	worktree, branch, err := d.repo.AcquireWorktree(ctx, gitx.WorktreeSpec{
		TaskID:     task.ID,
		BaseBranch: d.cfg.BaseBranch,
		Root:       d.cfg.WorktreeRoot,
	})
	if err != nil {
		return Outcome{Kind: OutcomeWorktreeFailed, Detail: err.Error()}, nil
	}

	// 9. Resolve the model; intercept CONTEST before anything is spawned.
	resolved := d.router.Resolve(ctx, task)
	if resolved == string(types.TierContest) {
		if d.contest == nil {
			return Outcome{Kind: OutcomeContest, Detail: "no contest subsystem configured"}, nil
		}
		if err := d.contest.FanOut(ctx, task); err != nil {
			return Outcome{}, fmt.Errorf("contest fan-out failed: %w", err)
		}
		return Outcome{Kind: OutcomeContest, Model: resolved}, nil
	}
	if verify {
		// Prior work may already cover the task; checking is cheap.
		resolved = d.router.Concrete(types.TierHaiku)
	}

	logFile := filepath.Join(d.cfg.LogsDir,
		fmt.Sprintf("%s-%s.log", task.ID, time.Now().Format("20060102-150405")))
	if err := d.machine.Transition(ctx, task.ID, types.StatusDispatched, state.Fields{
		Reason:   dispatchReason(verify),
		Worktree: worktree,
		Branch:   branch,
		LogFile:  logFile,
	}); err != nil {
		return Outcome{}, err
	}

	// 10. Spawn.
	pid, err := d.sup.Spawn(ctx, proc.SpawnSpec{
		TaskID:  task.ID,
		Command: d.workerCommand(task, resolved, verify),
		Dir:     worktree,
		LogFile: logFile,
		Env:     d.workerEnv(task),
	})
	if err != nil {
		// The next pulse's evaluator reads the error from the row.
		if uerr := d.store.UpdateTask(ctx, task.ID, map[string]interface{}{
			"error": "spawn failed: " + err.Error(),
		}); uerr != nil {
			debug.Logf("Debug: recording spawn error for %s failed: %v\n", task.ID, uerr)
		}
		if terr := d.machine.Transition(ctx, task.ID, types.StatusQueued, state.Fields{
			Reason: "spawn failed, re-queued",
		}); terr != nil {
			return Outcome{}, terr
		}
		return Outcome{Kind: OutcomeUnavailable, Detail: "spawn failed: " + err.Error()}, nil
	}

	if err := d.machine.Transition(ctx, task.ID, types.StatusRunning, state.Fields{
		Reason:  fmt.Sprintf("worker pid %d", pid),
		Session: fmt.Sprintf("%d", pid),
	}); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Kind: OutcomeSpawned, PID: pid, Model: resolved,
		Worktree: worktree, Verify: verify,
	}, nil
}

// claimGate asserts no rival supervisor holds the task, auto-unclaiming
// stale claims whose holder has no live worker. stop means skip the task.
func (d *Dispatcher) claimGate(ctx context.Context, task *types.Task) (Outcome, bool, error) {
	if d.claims == nil {
		return Outcome{}, false, nil
	}
	holder, started, err := d.claims.Holder(task.ID)
	if err != nil {
		// No file line: nothing external can hold a claim.
		return Outcome{}, false, nil
	}
	if holder != "" && holder != d.cfg.Instance {
		stale := !started.IsZero() && time.Since(started) > d.cfg.StaleClaim &&
			!proc.Alive(d.sup.SidecarPID(task.ID))
		if !stale {
			return Outcome{Kind: OutcomeClaimConflict, Detail: "claimed by " + holder}, true, nil
		}
		debug.Logf("Debug: breaking stale claim on %s held by %s since %s\n",
			task.ID, holder, started.Format(time.RFC3339))
		if err := d.claims.Unclaim(ctx, task.ID); err != nil {
			return Outcome{}, false, fmt.Errorf("failed to break stale claim on %s: %w", task.ID, err)
		}
	}
	if err := d.claims.Claim(ctx, task.ID, d.cfg.Instance); err != nil {
		return Outcome{Kind: OutcomeClaimConflict, Detail: err.Error()}, true, nil
	}
	return Outcome{}, false, nil
}

// verifyMode chooses a cheaper "check before re-implementing" dispatch
// for tasks that have been dispatched before. A prior verify worker
// that found no work forces a full dispatch instead.
func (d *Dispatcher) verifyMode(task *types.Task) bool {
	if strings.Contains(task.Error, "verify_not_started_needs_full") {
		return false
	}
	return task.Worktree != "" || task.Session != "" || task.Retries > 0
}

func dispatchReason(verify bool) string {
	if verify {
		return "dispatched in verify mode"
	}
	return "dispatched"
}

// workerCommand builds the worker argv per the invocation contract: a
// single prompt argument, a model, and structured JSON output.
func (d *Dispatcher) workerCommand(task *types.Task, modelID string, verify bool) []string {
	return []string{
		d.cfg.WorkerBin,
		"-p", BuildPrompt(task, verify),
		"--model", modelID,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
}

func (d *Dispatcher) workerEnv(task *types.Task) []string {
	env := []string{
		"SHEP_HEADLESS=1",
		"SHEP_TASK_ID=" + task.ID,
	}
	if d.cfg.ConfigDir != "" {
		// Isolated config dir keeps heavy MCP indexers out of workers.
		env = append(env, "CLAUDE_CONFIG_DIR="+filepath.Join(d.cfg.ConfigDir, task.ID))
	}
	return env
}

// BuildPrompt encodes the task contract into the single prompt argument:
// identity, headless restrictions, the uncertainty policy, and the
// completion signals the evaluator keys on.
func BuildPrompt(task *types.Task, verify bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working headless on task %s.\n\n", task.ID)
	fmt.Fprintf(&b, "TASK: %s\n\n", task.Description)
	if verify {
		b.WriteString("VERIFY FIRST: this task may already be done by a prior worker. " +
			"Inspect the branch and git history before writing anything. " +
			"If complete, emit VERIFY_COMPLETE. If partially done, finish it and emit " +
			"VERIFY_INCOMPLETE plus the PR URL. If untouched, emit VERIFY_NOT_STARTED and stop.\n\n")
	}
	b.WriteString("RULES:\n" +
		"- Do not edit the task list file or planning files.\n" +
		"- Commit your work and open a pull request; include the task ID in the PR title.\n" +
		"- If genuinely uncertain how to proceed, print 'BLOCKED: <reason>' and exit.\n" +
		"- Do not restate these instructions; work efficiently and keep output terse.\n" +
		"- When the task is fully done, print TASK_COMPLETE and the PR URL on the final line.\n")
	return b.String()
}
