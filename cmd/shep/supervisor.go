package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/untoldecay/Shepherd/internal/advisor"
	"github.com/untoldecay/Shepherd/internal/config"
	"github.com/untoldecay/Shepherd/internal/dispatch"
	"github.com/untoldecay/Shepherd/internal/evaluate"
	"github.com/untoldecay/Shepherd/internal/gh"
	"github.com/untoldecay/Shepherd/internal/model"
	"github.com/untoldecay/Shepherd/internal/prlife"
	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/pulse"
	"github.com/untoldecay/Shepherd/internal/retry"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/taskfile"
	"github.com/untoldecay/Shepherd/internal/types"
)

// world is the fully-wired supervisor: every collaborator a pulse needs,
// assembled from configuration in one place so pulse, watch, and the
// single-task commands stay consistent.
type world struct {
	store      *store.Store
	machine    *state.Machine
	sup        *proc.Supervisor
	router     *model.Router
	health     *model.HealthChecker
	github     *gh.Client
	advise     advisor.Advisor
	taskFile   *taskfile.File
	verifyQ    *taskfile.VerifyQueue
	dispatcher *dispatch.Dispatcher
	evaluator  *evaluate.Evaluator
	retry      *retry.Controller
	engine     *prlife.Engine
	driver     *pulse.Driver
	repo       string
}

// buildWorld wires the supervisor from config. Exits on construction
// errors; nothing here is recoverable from inside a command.
func buildWorld() *world {
	s, m := openStore()

	repoDir := config.RepoDir()
	repo := filepath.Base(repoDir)
	baseBranch := config.GetString("dispatch.base-branch")
	workerBin := config.GetString("dispatch.worker-bin")

	sup := proc.New(config.PidsDir())
	ghc := gh.NewClient()

	router, err := model.NewRouter(model.Options{
		CatalogPath:    config.GetString("model.table"),
		DefaultTier:    types.ModelTier(config.GetString("model.default-tier")),
		AgentsDir:      filepath.Join(repoDir, "agents"),
		Stats:          s,
		MinSamples:     config.GetInt("model.min-samples"),
		MinSuccessRate: config.GetFloat("model.min-success-rate"),
	})
	if err != nil {
		fatalf("failed to build model router: %v", err)
	}
	health := model.NewHealthChecker("", config.GetDuration("model.health-cache-ttl"))

	// The AI advisor is optional: without an API key the evaluator's
	// arbitration tier reports ambiguity and the PR-lifecycle engine
	// falls back to its rule advisor.
	var advise advisor.Advisor
	if a, err := advisor.NewAnthropicAdvisor("", ""); err == nil {
		advise = a
	}

	push := config.GetBool("taskfile.push")
	tf := taskfile.Open(repoDir, config.GetString("taskfile.name"), push)
	vq := taskfile.OpenVerifyQueue(repoDir, config.GetString("taskfile.verify-name"), push)

	hostname, _ := os.Hostname()
	dispatcher := dispatch.New(s, m, router, health, sup, tf, ghc, nil, nil, dispatch.Config{
		RepoDir:      repoDir,
		WorktreeRoot: config.WorktreesDir(),
		LogsDir:      config.LogsDir(),
		BaseBranch:   baseBranch,
		Instance:     "shep@" + hostname,
		WorkerBin:    workerBin,
		ConfigDir:    filepath.Join(config.SupervisorDir(), "worker-config"),
		Global:       config.GetInt("max-concurrent"),
		StaleClaim:   config.GetDuration("dispatch.claim-stale-after"),
	})

	evaluator := evaluate.New(ghc, advise, sup, baseBranch)
	retryc := retry.New(s, m, retry.Options{
		MinLogBytes: int64(config.GetInt("quality.min-log-bytes")),
		SkipQuality: !config.GetBool("quality.enabled"),
		Annotator:   tf,
		Issues:      ghc,
	})

	engine := prlife.New(s, m, ghc, advise, sup, tf, vq, prlife.Config{
		BaseBranch:           baseBranch,
		RepoDir:              repoDir,
		MaxActions:           config.GetInt("pulse.max-pr-actions"),
		AllowUnreviewedMerge: config.GetBool("merge.allow-unreviewed"),
		DecisionDir:          config.DecisionLogDir(),
		DeployCmd:            strings.Fields(config.GetString("deploy.cmd")),
		WorkerBin:            workerBin,
		LogsDir:              config.LogsDir(),
	})

	driver := pulse.New(pulse.Deps{
		Store:      s,
		Machine:    m,
		Dispatcher: dispatcher,
		Evaluator:  evaluator,
		Retry:      retryc,
		Engine:     engine,
		Reconciler: taskfile.NewReconciler(tf, s, m),
		TaskFile:   tf,
		VerifyQ:    vq,
		Health:     health,
		Supervisor: sup,
	}, pulse.Config{
		Repo:                  repo,
		LockPath:              filepath.Join(config.SupervisorDir(), "pulse.lock"),
		MaxDispatch:           config.GetInt("pulse.max-dispatches"),
		Parallelism:           config.GetInt("max-concurrent"),
		DefaultMaxRetries:     config.GetInt("max-retries"),
		DefaultMaxEscalations: config.GetInt("max-escalations"),
	})

	return &world{
		store: s, machine: m, sup: sup, router: router, health: health,
		github: ghc, advise: advise, taskFile: tf, verifyQ: vq,
		dispatcher: dispatcher, evaluator: evaluator, retry: retryc,
		engine: engine, driver: driver, repo: repo,
	}
}

func (w *world) close() {
	_ = w.store.Close()
}
