package taskfile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

const sampleFile = `# Tasks

- [ ] t1 add retry to HTTP client #auto-dispatch
- [ ] t2 refactor config loader assignee:shep-alpha started:2026-08-01T10:00:00Z
- [x] t3 write release notes completed:2026-07-30
- [ ] t46 migrate billing module #complex
  - [ ] t46.1 extract invoice types
  - [x] t46.2 port tax rules completed:2026-08-02
- [-] t5 drop legacy endpoint cancelled:2026-07-01
Some prose that is not a task line.
- [ ] not-a-task missing id shape
`

func writeTaskFile(t *testing.T, content string) *File {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "TASKS.md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return Open(dir, "TASKS.md", false)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
		id   string
		st   LineState
	}{
		{"open task", "- [ ] t1 do the thing", true, "t1", StateOpen},
		{"done task", "- [x] t2 done thing", true, "t2", StateDone},
		{"cancelled", "- [-] t3 dropped", true, "t3", StateCancelled},
		{"dotted child", "  - [ ] t46.1 child work", true, "t46.1", StateOpen},
		{"prose", "just some text", false, "", 0},
		{"bad id", "- [ ] TASK-9 wrong shape", false, "", 0},
		{"notes child", "  - Notes: BLOCKED: thing", false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, ok := ParseLine(tt.raw, 0)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if l.ID != tt.id || l.State != tt.st {
				t.Errorf("got id=%q st=%q, want id=%q st=%q", l.ID, l.State, tt.id, tt.st)
			}
		})
	}
}

func TestParseAnnotationsAndTags(t *testing.T) {
	l, ok := ParseLine("- [ ] t2 refactor config loader #complex assignee:shep-alpha ref:GH#12 started:2026-08-01T10:00:00Z", 0)
	if !ok {
		t.Fatal("expected a task line")
	}
	if l.Desc != "refactor config loader" {
		t.Errorf("desc polluted by annotations: %q", l.Desc)
	}
	if !l.HasTag("complex") {
		t.Error("missing #complex tag")
	}
	if l.Assignee() != "shep-alpha" {
		t.Errorf("assignee = %q", l.Assignee())
	}
	if l.Annots["ref"] != "GH#12" {
		t.Errorf("ref = %q", l.Annots["ref"])
	}
}

func TestSubtasks(t *testing.T) {
	tasks, _ := Parse(sampleFile)
	var parent Line
	for _, x := range tasks {
		if x.ID == "t46" {
			parent = x
		}
	}
	kids := Subtasks(tasks, parent)
	if len(kids) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(kids))
	}
	if kids[0].ID != "t46.1" || kids[1].ID != "t46.2" {
		t.Errorf("unexpected subtask ids: %s %s", kids[0].ID, kids[1].ID)
	}
}

func TestMarkComplete(t *testing.T) {
	f := writeTaskFile(t, sampleFile)
	ctx := context.Background()

	if err := f.MarkComplete(ctx, "t1", "pr:#101"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	line, err := f.Find("t1")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if line.State != StateDone {
		t.Errorf("expected [x], got %q", line.State)
	}
	if line.Annots["pr"] != "#101" {
		t.Errorf("proof annotation missing: %v", line.Annots)
	}
	if line.Annots["completed"] == "" {
		t.Error("completed date missing")
	}
}

func TestMarkCompleteRefusesOpenSubtasks(t *testing.T) {
	f := writeTaskFile(t, sampleFile)
	err := f.MarkComplete(context.Background(), "t46", "pr:#200")
	if err == nil {
		t.Fatal("expected refusal, parent has open subtask t46.1")
	}
	if !strings.Contains(err.Error(), "t46.1") {
		t.Errorf("error should name the blocking subtask: %v", err)
	}
	line, _ := f.Find("t46")
	if line.State != StateOpen {
		t.Error("parent line must stay open after refusal")
	}
}

func TestMarkCancelledAddsNote(t *testing.T) {
	f := writeTaskFile(t, sampleFile)
	if err := f.MarkCancelled(context.Background(), "t1", "already completed in git history"); err != nil {
		t.Fatalf("MarkCancelled failed: %v", err)
	}
	content, _ := os.ReadFile(f.Path())
	if !strings.Contains(string(content), "- [-] t1") {
		t.Error("line not flipped to [-]")
	}
	if !strings.Contains(string(content), "Notes: already completed in git history") {
		t.Error("cancellation note missing")
	}
}

func TestAnnotateBlockedCapsNote(t *testing.T) {
	f := writeTaskFile(t, sampleFile)
	long := strings.Repeat("merge conflict in billing ", 20)
	if err := f.AnnotateBlocked(context.Background(), "t1", long); err != nil {
		t.Fatalf("AnnotateBlocked failed: %v", err)
	}
	content, _ := os.ReadFile(f.Path())
	for _, l := range strings.Split(string(content), "\n") {
		if strings.Contains(l, "Notes: BLOCKED:") && len(l) > noteMaxLen+20 {
			t.Errorf("note not capped: %d chars", len(l))
		}
	}
	if !strings.Contains(string(content), "...") {
		t.Error("truncation marker missing")
	}
}

func TestClaimAndUnclaim(t *testing.T) {
	f := writeTaskFile(t, sampleFile)
	ctx := context.Background()

	if err := f.Claim(ctx, "t1", "shep-alpha"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	line, _ := f.Find("t1")
	if line.Assignee() != "shep-alpha" {
		t.Errorf("assignee = %q", line.Assignee())
	}
	if line.Annots["started"] == "" {
		t.Error("started timestamp missing")
	}

	// Re-claiming by the same holder is a no-op; a rival is refused.
	if err := f.Claim(ctx, "t1", "shep-alpha"); err != nil {
		t.Errorf("same-holder reclaim should succeed: %v", err)
	}
	if err := f.Claim(ctx, "t1", "shep-beta"); err == nil {
		t.Error("rival claim should be refused")
	}

	if err := f.Unclaim(ctx, "t1"); err != nil {
		t.Fatalf("Unclaim failed: %v", err)
	}
	line, _ = f.Find("t1")
	if line.Assignee() != "" {
		t.Errorf("assignee not cleared: %q", line.Assignee())
	}
}

func TestDedupKeepsFirst(t *testing.T) {
	f := writeTaskFile(t, "- [ ] t9 first copy\n- [ ] t9 second copy\n- [x] t9 closed copy\n")
	removed, err := f.Dedup(context.Background())
	if err != nil {
		t.Fatalf("Dedup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	content, _ := os.ReadFile(f.Path())
	if strings.Contains(string(content), "second copy") {
		t.Error("later duplicate survived")
	}
	if !strings.Contains(string(content), "first copy") {
		t.Error("first copy must be kept")
	}
	if !strings.Contains(string(content), "closed copy") {
		t.Error("closed lines are not duplicates")
	}
}

func TestDeriveChecks(t *testing.T) {
	checks := DeriveChecks([]string{"scripts/deploy.sh", "agents/reviewer.md", "internal/http/client.go"})
	want := map[string]bool{
		"syntax:scripts/deploy.sh":       true,
		"exists:scripts/deploy.sh":       true,
		"index:agents/reviewer.md":       true,
		"exists:agents/reviewer.md":      true,
		"exists:internal/http/client.go": true,
	}
	if len(checks) != len(want) {
		t.Fatalf("got %d checks: %v", len(checks), checks)
	}
	for _, c := range checks {
		if !want[c] {
			t.Errorf("unexpected check %q", c)
		}
	}
}

func TestVerifyQueueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "ok.sh"), []byte("#!/bin/sh\necho ok\n"), 0755); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.sh"), []byte("if then fi (\n"), 0755); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	q := OpenVerifyQueue(dir, "VERIFY.md", false)
	if err := q.Enqueue(ctx, "t7", "pr:#44", []string{"ok.sh"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Enqueueing twice is idempotent.
	if err := q.Enqueue(ctx, "t7", "pr:#44", []string{"ok.sh"}); err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, "t8", "pr:#45", []string{"bad.sh", "missing/file.go"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}

	pass, _, err := q.Run(ctx, pending[0])
	if err != nil || !pass {
		t.Errorf("t7 checks should pass: pass=%v err=%v", pass, err)
	}
	pass, failures, err := q.Run(ctx, pending[1])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if pass {
		t.Error("t8 checks should fail")
	}
	if len(failures) != 2 {
		t.Errorf("expected 2 failures, got %v", failures)
	}

	pending, _ = q.Pending()
	if len(pending) != 0 {
		t.Errorf("run entries must leave the pending set, got %d", len(pending))
	}
}

func setupReconciler(t *testing.T, fileContent string) (*Reconciler, *store.Store, *state.Machine, *File) {
	t.Helper()
	f := writeTaskFile(t, fileContent)
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "supervisor.db"), time.Second)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	m := state.New(s)
	return NewReconciler(f, s, m), s, m, f
}

func seedTask(t *testing.T, s *store.Store, m *state.Machine, id string, target types.Status) {
	t.Helper()
	ctx := context.Background()
	task := &types.Task{
		ID: id, Repo: "r", Description: "seed", Status: types.StatusQueued,
		Model: "sonnet", MaxRetries: 3, MaxEscalations: 2,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	path, ok := pathTo(types.StatusQueued, target)
	if !ok {
		t.Fatalf("no path to %s", target)
	}
	for _, st := range path {
		if err := m.Transition(ctx, id, st, state.Fields{Reason: "seed"}); err != nil {
			t.Fatalf("seed transition to %s failed: %v", st, err)
		}
	}
}

func TestReconcileFourGaps(t *testing.T) {
	content := "# Tasks\n\n" +
		"- [ ] t1 blocked in db\n" +
		"- [ ] t2 cancelled in db\n" +
		"- [x] t3 human marked done\n" +
		"- [ ] t4 healthy running task\n"
	r, s, m, f := setupReconciler(t, content)
	ctx := context.Background()

	seedTask(t, s, m, "t1", types.StatusBlocked)
	seedTask(t, s, m, "t2", types.StatusCancelled)
	seedTask(t, s, m, "t3", types.StatusRunning)
	seedTask(t, s, m, "t4", types.StatusRunning)
	seedTask(t, s, m, "t99", types.StatusQueued) // no file line

	report, err := r.Reconcile(ctx, "r")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(report.Annotated) != 1 || report.Annotated[0] != "t1" {
		t.Errorf("gap (a): annotated = %v", report.Annotated)
	}
	content2, _ := os.ReadFile(f.Path())
	if !strings.Contains(string(content2), "status:blocked") {
		t.Error("gap (a): status annotation missing")
	}

	if len(report.Cancelled) != 1 || report.Cancelled[0] != "t2" {
		t.Errorf("gap (b): cancelled = %v", report.Cancelled)
	}
	if !strings.Contains(string(content2), "- [-] t2") {
		t.Error("gap (b): t2 line not closed")
	}

	if len(report.Completed) != 1 || report.Completed[0] != "t3" {
		t.Errorf("gap (c): completed = %v", report.Completed)
	}
	row, _ := s.GetTask(ctx, "t3")
	if row.Status != types.StatusComplete {
		t.Errorf("gap (c): t3 status = %s", row.Status)
	}

	if len(report.Orphans) != 1 || report.Orphans[0] != "t99" {
		t.Errorf("gap (d): orphans = %v", report.Orphans)
	}
	if _, err := s.GetTask(ctx, "t99"); err != nil {
		t.Error("gap (d): orphan rows must never be removed")
	}

	// t4 is healthy and must be untouched.
	row, _ = s.GetTask(ctx, "t4")
	if row.Status != types.StatusRunning {
		t.Errorf("healthy task disturbed: %s", row.Status)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	content := "# Tasks\n\n- [ ] t1 blocked in db\n"
	r, s, m, _ := setupReconciler(t, content)
	ctx := context.Background()
	seedTask(t, s, m, "t1", types.StatusBlocked)

	if _, err := r.Reconcile(ctx, "r"); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	report, err := r.Reconcile(ctx, "r")
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if len(report.Annotated) != 0 {
		t.Errorf("second pass re-annotated: %v", report.Annotated)
	}
}

func setupSyncedRepo(t *testing.T) (*File, string) {
	t.Helper()
	base := t.TempDir()
	origin := filepath.Join(base, "origin.git")
	clone := filepath.Join(base, "clone")
	rival := filepath.Join(base, "rival")

	run := func(dir string, args ...string) {
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
	run(base, "init", "--bare", "-b", "main", origin)
	run(base, "clone", origin, clone)
	run(clone, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(clone, "TASKS.md"), []byte("- [ ] t1 shared work\n- [ ] t2 rival work\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	run(clone, "add", "TASKS.md")
	run(clone, "commit", "-m", "seed")
	run(clone, "push", "-u", "origin", "main")
	run(base, "clone", origin, rival)

	return Open(clone, "TASKS.md", true), rival
}

func TestSyncSurvivesConcurrentPush(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	f, rival := setupSyncedRepo(t)
	ctx := context.Background()

	// A rival clone pushes first; our push must rebase and succeed.
	run := func(dir string, args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=rival", "GIT_AUTHOR_EMAIL=rival@test",
			"GIT_COMMITTER_NAME=rival", "GIT_COMMITTER_EMAIL=rival@test")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(rival, "OTHER.md"), []byte("rival\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	run(rival, "add", "OTHER.md")
	run(rival, "commit", "-m", "rival change")
	run(rival, "push")

	if err := f.MarkComplete(ctx, "t1", "pr:#7"); err != nil {
		t.Fatalf("MarkComplete with concurrent push failed: %v", err)
	}

	// Origin must hold both commits.
	run(rival, "pull")
	content, err := os.ReadFile(filepath.Join(rival, "TASKS.md"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(content), "- [x] t1") {
		t.Errorf("completion did not reach origin:\n%s", content)
	}
}
