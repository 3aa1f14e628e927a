package pulse

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/Shepherd/internal/dispatch"
	"github.com/untoldecay/Shepherd/internal/evaluate"
	"github.com/untoldecay/Shepherd/internal/model"
	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/retry"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/taskfile"
	"github.com/untoldecay/Shepherd/internal/types"
)

func openStore(t *testing.T) (*store.Store, *state.Machine) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "supervisor.db"), time.Second)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, state.New(s)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func TestPhasePickup(t *testing.T) {
	s, m := openStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "TASKS.md", strings.Join([]string{
		"- [ ] t1 build the widget #auto-dispatch #simple",
		"- [ ] t2 not eligible without the tag",
		"- [ ] t3 waits for t1 #auto-dispatch blocked-by:t1",
		"- [ ] t4 already tracked #auto-dispatch",
		"- [x] t5 done already #auto-dispatch",
	}, "\n")+"\n")

	if err := s.CreateTask(ctx, &types.Task{
		ID: "t4", Repo: "r", Description: "already tracked",
		Status: types.StatusQueued, MaxRetries: 3, MaxEscalations: 2,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	d := New(Deps{
		Store: s, Machine: m,
		TaskFile: taskfile.Open(dir, "TASKS.md", false),
	}, Config{Repo: "r"})

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.PickedUp != 1 {
		t.Errorf("picked up %d, want 1 (only t1)", sum.PickedUp)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("t1 not created: %v", err)
	}
	if got.Status != types.StatusQueued || got.Description != "build the widget" {
		t.Errorf("unexpected row: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "auto-dispatch" || got.Tags[1] != "simple" {
		t.Errorf("tags not cleaned: %v", got.Tags)
	}
	for _, id := range []string{"t2", "t3", "t5"} {
		if _, err := s.GetTask(ctx, id); err == nil {
			t.Errorf("%s should not have been picked up", id)
		}
	}
}

func TestPulseLockExcludes(t *testing.T) {
	s, m := openStore(t)
	lockPath := filepath.Join(t.TempDir(), "pulse.lock")

	rival := flock.New(lockPath)
	locked, err := rival.TryLock()
	if err != nil || !locked {
		t.Fatalf("rival lock failed: %v", err)
	}
	defer func() { _ = rival.Unlock() }()

	d := New(Deps{Store: s, Machine: m}, Config{Repo: "r", LockPath: lockPath})
	if _, err := d.Run(context.Background()); err != ErrPulseActive {
		t.Errorf("expected ErrPulseActive, got %v", err)
	}
}

func TestPulseIsIdempotent(t *testing.T) {
	s, m := openStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "TASKS.md", "- [ ] t1 queued work #auto-dispatch\n- [ ] t2 blocked work\n")

	tf := taskfile.Open(dir, "TASKS.md", false)
	d := New(Deps{
		Store: s, Machine: m,
		TaskFile:   tf,
		Reconciler: taskfile.NewReconciler(tf, s, m),
	}, Config{Repo: "r"})

	// First pulse picks up t1 and settles the world.
	if _, err := d.Run(ctx); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	before, err := s.CountStateLog(ctx)
	if err != nil {
		t.Fatalf("CountStateLog failed: %v", err)
	}

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	after, _ := s.CountStateLog(ctx)
	if after != before {
		t.Errorf("second pulse wrote %d new transitions against an unchanged world", after-before)
	}
	if sum.PickedUp != 0 {
		t.Errorf("second pulse re-picked tasks: %d", sum.PickedUp)
	}
}

// seedDeployed walks a task to deployed with a PR URL.
func seedDeployed(t *testing.T, s *store.Store, m *state.Machine, id string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateTask(ctx, &types.Task{
		ID: id, Repo: "r", Description: "ship it", Status: types.StatusQueued,
		Model: "sonnet", MaxRetries: 3, MaxEscalations: 2,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	for _, st := range []types.Status{
		types.StatusDispatched, types.StatusRunning, types.StatusEvaluating,
		types.StatusComplete, types.StatusPRReview, types.StatusReviewTriage,
		types.StatusMerging, types.StatusMerged, types.StatusDeploying, types.StatusDeployed,
	} {
		if err := m.Transition(ctx, id, st, state.Fields{Reason: "seed"}); err != nil {
			t.Fatalf("seed transition to %s failed: %v", st, err)
		}
	}
}

func TestPhaseVerify(t *testing.T) {
	s, m := openStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "ok.sh", "#!/bin/sh\necho ok\n")
	writeFile(t, dir, "bad.sh", "if then fi (\n")

	q := taskfile.OpenVerifyQueue(dir, "VERIFY.md", false)
	if err := q.Enqueue(ctx, "t1", "pr:#1", []string{"ok.sh"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, "t2", "pr:#2", []string{"bad.sh"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	seedDeployed(t, s, m, "t1")
	seedDeployed(t, s, m, "t2")

	d := New(Deps{Store: s, Machine: m, VerifyQ: q}, Config{Repo: "r"})
	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Verified != 1 || sum.VerifyFails != 1 {
		t.Errorf("verified=%d fails=%d, want 1/1", sum.Verified, sum.VerifyFails)
	}

	got, _ := s.GetTask(ctx, "t1")
	if got.Status != types.StatusVerified {
		t.Errorf("t1 status = %s, want verified", got.Status)
	}
	got, _ = s.GetTask(ctx, "t2")
	if got.Status != types.StatusVerifyFailed {
		t.Errorf("t2 status = %s, want verify_failed", got.Status)
	}
}

func TestPhaseRetrospective(t *testing.T) {
	s, m := openStore(t)
	ctx := context.Background()

	batch := &types.Batch{
		ID: "b1", Name: "sprint", Concurrency: 2,
		ReleaseOnComplete: true, ReleaseType: types.ReleaseMinor,
		Status: types.BatchActive,
	}
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if err := s.CreateTask(ctx, &types.Task{
		ID: "t1", Repo: "r", Description: "d", Status: types.StatusQueued,
		MaxRetries: 3, MaxEscalations: 2,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := s.AddTaskToBatch(ctx, "b1", "t1"); err != nil {
		t.Fatalf("AddTaskToBatch failed: %v", err)
	}
	if err := m.Transition(ctx, "t1", types.StatusCancelled, state.Fields{Reason: "seed"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	d := New(Deps{Store: s, Machine: m}, Config{Repo: "r"})
	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(sum.Released) != 1 || sum.Released[0] != "b1" {
		t.Errorf("released = %v, want [b1]", sum.Released)
	}

	b, _ := s.GetBatch(ctx, "b1")
	if b.Status != types.BatchComplete {
		t.Errorf("batch status = %s, want complete", b.Status)
	}
	v, _ := s.GetMetadata(ctx, "release.version")
	if v != "v0.1.0" {
		t.Errorf("release version = %q, want v0.1.0", v)
	}
}

func TestNextVersion(t *testing.T) {
	tests := []struct {
		current string
		rt      types.ReleaseType
		want    string
		wantErr bool
	}{
		{"v1.2.3", types.ReleasePatch, "v1.2.4", false},
		{"v1.2.3", types.ReleaseMinor, "v1.3.0", false},
		{"v1.2.3", types.ReleaseMajor, "v2.0.0", false},
		{"v0.0.0", types.ReleaseMinor, "v0.1.0", false},
		{"v1.2.3-rc.1", types.ReleasePatch, "v1.2.4", false},
		{"garbage", types.ReleasePatch, "", true},
	}
	for _, tt := range tests {
		got, err := NextVersion(tt.current, tt.rt)
		if (err != nil) != tt.wantErr {
			t.Errorf("NextVersion(%q, %s) error = %v", tt.current, tt.rt, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NextVersion(%q, %s) = %q, want %q", tt.current, tt.rt, got, tt.want)
		}
	}
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

// TestEnvironmentHoldReleasesOnRecovery parks a task after an
// environment failure and checks the pulse keeps it parked while the
// worker binary is missing, then re-queues and dispatches it once the
// environment probes healthy.
func TestEnvironmentHoldReleasesOnRecovery(t *testing.T) {
	base := t.TempDir()
	origin := filepath.Join(base, "origin.git")
	clone := filepath.Join(base, "clone")
	gitRun(t, base, "init", "--bare", "-b", "main", origin)
	gitRun(t, base, "clone", origin, clone)
	gitRun(t, clone, "checkout", "-b", "main")
	writeFile(t, clone, "README.md", "hello\n")
	gitRun(t, clone, "add", "README.md")
	gitRun(t, clone, "commit", "-m", "initial commit")
	gitRun(t, clone, "push", "-u", "origin", "main")

	s, err := store.Open(context.Background(), filepath.Join(base, "supervisor.db"), time.Second)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	m := state.New(s)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &types.Task{
		ID: "t1", Repo: "r", Description: "do the thing", Status: types.StatusQueued,
		Model: "sonnet", MaxRetries: 3, MaxEscalations: 2,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	for _, st := range []types.Status{
		types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusRetrying,
	} {
		if err := m.Transition(ctx, "t1", st, state.Fields{Reason: "seed"}); err != nil {
			t.Fatalf("seed transition failed: %v", err)
		}
	}
	if err := s.UpdateTask(ctx, "t1", map[string]interface{}{
		"error": "failed:worker_never_started:no_sentinel",
	}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	mkDriver := func(workerBin string) *Driver {
		router, err := model.NewRouter(model.Options{})
		if err != nil {
			t.Fatalf("router failed: %v", err)
		}
		dispatcher := dispatch.New(s, m, router, nil, proc.New(filepath.Join(base, "pids")),
			nil, nil, nil, dispatch.FixedPolicy{Limit: 4}, dispatch.Config{
				RepoDir:      clone,
				WorktreeRoot: filepath.Join(base, "worktrees"),
				LogsDir:      filepath.Join(base, "logs"),
				BaseBranch:   "main",
				Instance:     "shep-test",
				WorkerBin:    workerBin,
				Global:       4,
			})
		return New(Deps{Store: s, Machine: m, Dispatcher: dispatcher}, Config{Repo: "r"})
	}

	// Broken environment: the parked task must not move.
	if _, err := mkDriver("shep-no-such-worker-bin").Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != types.StatusRetrying {
		t.Fatalf("parked task moved to %s with a broken environment", got.Status)
	}

	// Recovered environment: released, re-queued, and dispatched.
	sum, err := mkDriver("true").Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Dispatched != 1 {
		t.Errorf("dispatched = %d, want 1 after recovery", sum.Dispatched)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.Status != types.StatusRunning {
		t.Errorf("status = %s, want running after release", got.Status)
	}
	if got.Retries != 0 {
		t.Errorf("parked task consumed %d retries", got.Retries)
	}
}

// TestDispatchThenEvaluate exercises the dispatch and evaluate phases
// end to end with a real spawned worker that produces no signal: the
// verdict is a consuming retry and the task re-queues.
func TestDispatchThenEvaluate(t *testing.T) {
	base := t.TempDir()
	origin := filepath.Join(base, "origin.git")
	clone := filepath.Join(base, "clone")
	gitRun(t, base, "init", "--bare", "-b", "main", origin)
	gitRun(t, base, "clone", origin, clone)
	gitRun(t, clone, "checkout", "-b", "main")
	writeFile(t, clone, "README.md", "hello\n")
	gitRun(t, clone, "add", "README.md")
	gitRun(t, clone, "commit", "-m", "initial commit")
	gitRun(t, clone, "push", "-u", "origin", "main")

	s, err := store.Open(context.Background(), filepath.Join(base, "supervisor.db"), time.Second)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	m := state.New(s)
	ctx := context.Background()

	router, err := model.NewRouter(model.Options{})
	if err != nil {
		t.Fatalf("router failed: %v", err)
	}
	sup := proc.New(filepath.Join(base, "pids"))
	if err := os.MkdirAll(filepath.Join(base, "logs"), 0750); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	dispatcher := dispatch.New(s, m, router, nil, sup, nil, nil, nil,
		dispatch.FixedPolicy{Limit: 4}, dispatch.Config{
			RepoDir:      clone,
			WorktreeRoot: filepath.Join(base, "worktrees"),
			LogsDir:      filepath.Join(base, "logs"),
			BaseBranch:   "main",
			Instance:     "shep-test",
			WorkerBin:    "true",
			Global:       4,
		})

	if err := s.CreateTask(ctx, &types.Task{
		ID: "t1", Repo: "r", Description: "do the thing", Status: types.StatusQueued,
		Model: "sonnet", MaxRetries: 3, MaxEscalations: 2,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	d := New(Deps{
		Store: s, Machine: m, Dispatcher: dispatcher,
		Evaluator:  evaluate.New(nil, nil, sup, "main"),
		Retry:      retry.New(s, m, retry.Options{SkipQuality: true}),
		Supervisor: sup,
	}, Config{Repo: "r", MaxDispatch: 2})

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if sum.Dispatched != 1 {
		t.Fatalf("dispatched = %d, want 1", sum.Dispatched)
	}

	// Wait for the worker to finish before the evaluation pulse.
	got, _ := s.GetTask(ctx, "t1")
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(got.LogFile)
		if strings.Contains(string(data), "EXIT:0") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never finished:\n%s", data)
		}
		time.Sleep(50 * time.Millisecond)
	}

	sum, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if sum.Evaluated != 1 {
		t.Fatalf("evaluated = %d, want 1", sum.Evaluated)
	}

	got, _ = s.GetTask(ctx, "t1")
	if got.Status != types.StatusQueued {
		t.Errorf("status = %s, want queued after a no-signal retry", got.Status)
	}
	if got.Retries != 1 {
		t.Errorf("retries = %d, want 1", got.Retries)
	}
}
