// Package pulse composes one bounded supervisor pass: pick up new task
// lines, dispatch eligible work, evaluate finished workers, reconcile
// the store against the task file, drive PR lifecycles, drain the
// verification queue, and close out finished batches. Pulses are
// serialised per host by a file lock and safe to re-run: an unchanged
// world produces no new transitions.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/dispatch"
	"github.com/untoldecay/Shepherd/internal/evaluate"
	"github.com/untoldecay/Shepherd/internal/model"
	"github.com/untoldecay/Shepherd/internal/prlife"
	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/retry"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/taskfile"
	"github.com/untoldecay/Shepherd/internal/types"
)

// ErrPulseActive means another pulse holds the process lock.
var ErrPulseActive = errors.New("another pulse is already running")

// releaseVersionKey is the metadata key tracking the last released
// version for release-on-complete batches.
const releaseVersionKey = "release.version"

// Config is the static pulse configuration.
type Config struct {
	Repo                  string
	LockPath              string
	MaxDispatch           int // new workers per pulse; 0 means 2
	Parallelism           int // evaluator goroutines; 0 means 4
	DefaultMaxRetries     int
	DefaultMaxEscalations int
}

// Driver runs pulses.
type Driver struct {
	store      *store.Store
	machine    *state.Machine
	dispatcher *dispatch.Dispatcher
	evaluator  *evaluate.Evaluator
	retry      *retry.Controller
	engine     *prlife.Engine
	reconciler *taskfile.Reconciler
	taskFile   *taskfile.File
	verifyQ    *taskfile.VerifyQueue
	health     *model.HealthChecker
	sup        *proc.Supervisor
	lock       *flock.Flock
	cfg        Config
}

// Deps bundles the driver's collaborators; any may be nil to disable
// its phase.
type Deps struct {
	Store      *store.Store
	Machine    *state.Machine
	Dispatcher *dispatch.Dispatcher
	Evaluator  *evaluate.Evaluator
	Retry      *retry.Controller
	Engine     *prlife.Engine
	Reconciler *taskfile.Reconciler
	TaskFile   *taskfile.File
	VerifyQ    *taskfile.VerifyQueue
	Health     *model.HealthChecker
	Supervisor *proc.Supervisor
}

// New builds a Driver.
func New(deps Deps, cfg Config) *Driver {
	if cfg.MaxDispatch <= 0 {
		cfg.MaxDispatch = 2
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.DefaultMaxEscalations <= 0 {
		cfg.DefaultMaxEscalations = 2
	}
	d := &Driver{
		store: deps.Store, machine: deps.Machine, dispatcher: deps.Dispatcher,
		evaluator: deps.Evaluator, retry: deps.Retry, engine: deps.Engine,
		reconciler: deps.Reconciler, taskFile: deps.TaskFile, verifyQ: deps.VerifyQ,
		health: deps.Health, sup: deps.Supervisor, cfg: cfg,
	}
	if cfg.LockPath != "" {
		d.lock = flock.New(cfg.LockPath)
	}
	return d
}

// Summary reports what one pulse did.
type Summary struct {
	PickedUp    int
	Dispatched  int
	Deferred    int // dispatch refusals that will retry next pulse
	Evaluated   int
	Reconciled  *taskfile.ReconcileReport
	PRActions   int
	Verified    int
	VerifyFails int
	Released    []string // batch IDs closed with a release
	Duration    time.Duration
}

// Run executes one pulse. Phases run in order; a failing phase is
// logged and the pulse continues, so one wedged subsystem cannot stall
// the rest.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	if d.lock != nil {
		locked, err := d.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("pulse lock: %w", err)
		}
		if !locked {
			return nil, ErrPulseActive
		}
		defer func() { _ = d.lock.Unlock() }()
	}
	if d.health != nil {
		d.health.BeginPulse()
	}

	sum := &Summary{}
	d.phasePickup(ctx, sum)
	d.phaseDispatch(ctx, sum)
	d.phaseEvaluate(ctx, sum)
	d.phaseReconcile(ctx, sum)
	d.phasePRLifecycle(ctx, sum)
	d.phaseVerify(ctx, sum)
	d.phaseRetrospective(ctx, sum)

	sum.Duration = time.Since(start)
	return sum, nil
}

// phasePickup imports open #auto-dispatch lines that have no store row
// yet, and reaps sidecars whose workers are gone.
func (d *Driver) phasePickup(ctx context.Context, sum *Summary) {
	if d.sup != nil {
		if stale, err := d.sup.StaleSidecars(); err == nil {
			for _, taskID := range stale {
				if err := d.sup.Reap(taskID); err != nil {
					debug.Logf("Debug: reaping stale sidecar %s failed: %v\n", taskID, err)
				}
			}
		}
	}
	if d.taskFile == nil {
		return
	}
	lines, err := d.taskFile.Tasks()
	if err != nil {
		debug.Logf("Debug: pickup read failed: %v\n", err)
		return
	}
	open := map[string]bool{}
	for _, l := range lines {
		open[l.ID] = open[l.ID] || l.IsOpen()
	}
	for _, l := range lines {
		if !l.IsOpen() || !l.HasTag("auto-dispatch") {
			continue
		}
		if dep := l.Annots["blocked-by"]; dep != "" && open[dep] {
			continue
		}
		if _, err := d.store.GetTask(ctx, l.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrTaskNotFound) {
			debug.Logf("Debug: pickup lookup for %s failed: %v\n", l.ID, err)
			continue
		}
		task := &types.Task{
			ID:             l.ID,
			Repo:           d.cfg.Repo,
			Description:    l.Desc,
			Status:         types.StatusQueued,
			Tags:           cleanTags(l.Tags),
			MaxRetries:     d.cfg.DefaultMaxRetries,
			MaxEscalations: d.cfg.DefaultMaxEscalations,
		}
		if err := d.store.CreateTask(ctx, task); err != nil {
			debug.Logf("Debug: pickup create for %s failed: %v\n", l.ID, err)
			continue
		}
		sum.PickedUp++
	}
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, strings.TrimPrefix(t, "#"))
	}
	return out
}

// phaseDispatch releases environment-parked tasks, then spawns workers
// for queued tasks until the per-pulse cap or the concurrency budget
// refuses.
func (d *Driver) phaseDispatch(ctx context.Context, sum *Summary) {
	if d.dispatcher == nil {
		return
	}
	d.releaseEnvironmentHolds(ctx)
	queued, err := d.store.ListTasks(ctx, store.TaskFilter{
		Repo: d.cfg.Repo, Statuses: []types.Status{types.StatusQueued},
	})
	if err != nil {
		debug.Logf("Debug: dispatch list failed: %v\n", err)
		return
	}
	for _, task := range queued {
		if sum.Dispatched >= d.cfg.MaxDispatch {
			return
		}
		out, err := d.dispatcher.Dispatch(ctx, task)
		if err != nil {
			debug.Logf("Debug: dispatch of %s failed: %v\n", task.ID, err)
			continue
		}
		switch out.Kind {
		case dispatch.OutcomeSpawned:
			sum.Dispatched++
		case dispatch.OutcomeConcurrency:
			// The budget is shared; nothing later in the queue fits either.
			sum.Deferred += len(queued) - sum.Dispatched
			return
		case dispatch.OutcomeUnavailable, dispatch.OutcomeRateLimited:
			// Provider-wide condition; stop burning attempts this pulse.
			sum.Deferred += len(queued) - sum.Dispatched
			return
		default:
			debug.Logf("Debug: dispatch of %s: %s %s\n", task.ID, out.Kind, out.Detail)
		}
	}
}

// releaseEnvironmentHolds re-queues tasks parked in retrying after an
// ENVIRONMENT failure, but only once the dispatch environment probes
// healthy again. Until then they stay parked instead of burning a
// dispatch-fail-park cycle every pulse.
func (d *Driver) releaseEnvironmentHolds(ctx context.Context) {
	parked, err := d.store.ListTasks(ctx, store.TaskFilter{
		Repo: d.cfg.Repo, Statuses: []types.Status{types.StatusRetrying},
	})
	if err != nil {
		debug.Logf("Debug: environment-hold list failed: %v\n", err)
		return
	}
	if len(parked) == 0 {
		return
	}
	if !d.dispatcher.EnvironmentReady(ctx) {
		debug.Logf("Debug: environment not ready, %d tasks stay parked\n", len(parked))
		return
	}
	for _, task := range parked {
		if err := d.machine.Transition(ctx, task.ID, types.StatusQueued, state.Fields{
			Reason: "environment recovered",
		}); err != nil {
			debug.Logf("Debug: releasing %s failed: %v\n", task.ID, err)
		}
	}
}

// phaseEvaluate runs the evaluator over finished workers in parallel
// and applies each verdict.
func (d *Driver) phaseEvaluate(ctx context.Context, sum *Summary) {
	if d.evaluator == nil || d.retry == nil {
		return
	}
	active, err := d.store.ListTasks(ctx, store.TaskFilter{
		Repo:     d.cfg.Repo,
		Statuses: []types.Status{types.StatusRunning, types.StatusDispatched},
	})
	if err != nil {
		debug.Logf("Debug: evaluate list failed: %v\n", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)
	results := make([]bool, len(active))
	for i, task := range active {
		if d.sup != nil && proc.Alive(d.sup.SidecarPID(task.ID)) {
			continue // still working
		}
		g.Go(func() error {
			if err := d.evaluateOne(gctx, task); err != nil {
				debug.Logf("Debug: evaluation of %s failed: %v\n", task.ID, err)
				return nil // one bad task must not sink the phase
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()
	for _, ok := range results {
		if ok {
			sum.Evaluated++
		}
	}
}

func (d *Driver) evaluateOne(ctx context.Context, task *types.Task) error {
	if err := d.machine.Transition(ctx, task.ID, types.StatusEvaluating, state.Fields{
		Reason: "worker finished",
	}); err != nil {
		return err
	}
	res, err := d.evaluator.Evaluate(ctx, task)
	if err != nil {
		return err
	}
	_, err = d.retry.Apply(ctx, task, res)
	return err
}

func (d *Driver) phaseReconcile(ctx context.Context, sum *Summary) {
	if d.reconciler == nil {
		return
	}
	report, err := d.reconciler.Reconcile(ctx, d.cfg.Repo)
	if err != nil {
		debug.Logf("Debug: reconcile failed: %v\n", err)
		return
	}
	sum.Reconciled = report
}

func (d *Driver) phasePRLifecycle(ctx context.Context, sum *Summary) {
	if d.engine == nil {
		return
	}
	report, err := d.engine.Run(ctx, d.cfg.Repo)
	if err != nil {
		debug.Logf("Debug: pr lifecycle failed: %v\n", err)
		return
	}
	sum.PRActions = report.Actions
}

// phaseVerify drains the verification queue for deployed tasks.
func (d *Driver) phaseVerify(ctx context.Context, sum *Summary) {
	if d.verifyQ == nil {
		return
	}
	pending, err := d.verifyQ.Pending()
	if err != nil {
		debug.Logf("Debug: verify queue read failed: %v\n", err)
		return
	}
	for _, entry := range pending {
		task, err := d.store.GetTask(ctx, entry.ID)
		if err != nil || task.Status != types.StatusDeployed {
			continue
		}
		if err := d.machine.Transition(ctx, entry.ID, types.StatusVerifying, state.Fields{
			Reason: "running post-deploy checks",
		}); err != nil {
			debug.Logf("Debug: verify transition for %s failed: %v\n", entry.ID, err)
			continue
		}
		pass, failures, err := d.verifyQ.Run(ctx, entry)
		if err != nil {
			debug.Logf("Debug: verify run for %s failed: %v\n", entry.ID, err)
		}
		if pass {
			if err := d.machine.Transition(ctx, entry.ID, types.StatusVerified, state.Fields{
				Reason: "post-deploy checks passed",
			}); err == nil {
				sum.Verified++
			}
		} else {
			if err := d.machine.Transition(ctx, entry.ID, types.StatusVerifyFailed, state.Fields{
				Reason: "checks failed: " + strings.Join(failures, "; "),
				Error:  strings.Join(failures, "; "),
			}); err == nil {
				sum.VerifyFails++
			}
		}
	}
}

// phaseRetrospective closes out batches whose tasks are all terminal,
// bumping the release version for release-on-complete batches.
func (d *Driver) phaseRetrospective(ctx context.Context, sum *Summary) {
	batches, err := d.store.ListBatches(ctx)
	if err != nil {
		debug.Logf("Debug: retrospective list failed: %v\n", err)
		return
	}
	for _, b := range batches {
		if b.Status != types.BatchActive {
			continue
		}
		done, err := d.store.BatchFullyTerminal(ctx, b.ID)
		if err != nil || !done {
			continue
		}
		if err := d.store.SetBatchStatus(ctx, b.ID, types.BatchComplete); err != nil {
			debug.Logf("Debug: closing batch %s failed: %v\n", b.ID, err)
			continue
		}
		if b.ReleaseOnComplete {
			if v, err := d.bumpRelease(ctx, b.ReleaseType); err != nil {
				debug.Logf("Debug: release bump for batch %s failed: %v\n", b.ID, err)
			} else {
				debug.Logf("Debug: batch %s released as %s\n", b.ID, v)
			}
		}
		sum.Released = append(sum.Released, b.ID)
	}
}

// bumpRelease advances the stored release version by the batch's
// release type and returns the new version.
func (d *Driver) bumpRelease(ctx context.Context, rt types.ReleaseType) (string, error) {
	current, err := d.store.GetMetadata(ctx, releaseVersionKey)
	if err != nil {
		return "", err
	}
	if current == "" {
		current = "v0.0.0"
	}
	next, err := NextVersion(current, rt)
	if err != nil {
		return "", err
	}
	if err := d.store.SetMetadata(ctx, releaseVersionKey, next); err != nil {
		return "", err
	}
	return next, nil
}

// NextVersion bumps a semver string by release type.
func NextVersion(current string, rt types.ReleaseType) (string, error) {
	if !semver.IsValid(current) {
		return "", fmt.Errorf("invalid version %q", current)
	}
	// semver.Canonical drops any prerelease/build suffix.
	parts := strings.SplitN(strings.TrimPrefix(semver.Canonical(current), "v"), ".", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid version %q", current)
	}
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	patch, _ := strconv.Atoi(parts[2])
	switch rt {
	case types.ReleaseMajor:
		major, minor, patch = major+1, 0, 0
	case types.ReleaseMinor:
		minor, patch = minor+1, 0
	default:
		patch++
	}
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch), nil
}
