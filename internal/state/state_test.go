package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

func setupMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "supervisor.db"), time.Second)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func createAt(t *testing.T, m *Machine, s *store.Store, id string, target types.Status) {
	t.Helper()
	task := &types.Task{
		ID:             id,
		Repo:           "r",
		Description:    "d",
		Status:         types.StatusQueued,
		MaxRetries:     3,
		MaxEscalations: 2,
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	for _, step := range pathTo(target) {
		if err := m.Transition(context.Background(), id, step, Fields{Reason: "test setup"}); err != nil {
			t.Fatalf("setup transition to %s failed: %v", step, err)
		}
	}
}

// pathTo returns the happy-path prefix ending at target.
func pathTo(target types.Status) []types.Status {
	full := []types.Status{
		types.StatusDispatched, types.StatusRunning, types.StatusEvaluating,
		types.StatusComplete, types.StatusPRReview, types.StatusReviewTriage,
		types.StatusMerging, types.StatusMerged, types.StatusDeploying,
		types.StatusDeployed, types.StatusVerifying, types.StatusVerified,
	}
	if target == types.StatusQueued {
		return nil
	}
	for i, s := range full {
		if s == target {
			return full[:i+1]
		}
	}
	return nil
}

func TestAllowedMatrix(t *testing.T) {
	allowed := []struct{ from, to types.Status }{
		{types.StatusQueued, types.StatusDispatched},
		{types.StatusDispatched, types.StatusRunning},
		{types.StatusDispatched, types.StatusEvaluating}, // worker died before first heartbeat
		{types.StatusDispatched, types.StatusQueued},     // stale claim reset
		{types.StatusRunning, types.StatusEvaluating},
		{types.StatusEvaluating, types.StatusComplete},
		{types.StatusEvaluating, types.StatusRetrying},
		{types.StatusEvaluating, types.StatusBlocked},
		{types.StatusEvaluating, types.StatusFailed},
		{types.StatusRetrying, types.StatusQueued},
		{types.StatusComplete, types.StatusPRReview},
		{types.StatusPRReview, types.StatusReviewTriage},
		{types.StatusReviewTriage, types.StatusMerging},
		{types.StatusReviewTriage, types.StatusBlocked},
		{types.StatusMerging, types.StatusMerged},
		{types.StatusMerging, types.StatusBlocked},
		{types.StatusMerged, types.StatusDeploying},
		{types.StatusDeploying, types.StatusDeployed},
		{types.StatusDeploying, types.StatusBlocked},
		{types.StatusDeployed, types.StatusVerifying},
		{types.StatusVerifying, types.StatusVerified},
		{types.StatusVerifying, types.StatusVerifyFailed},
		{types.StatusFailed, types.StatusQueued},
		{types.StatusBlocked, types.StatusQueued},
		{types.StatusQueued, types.StatusCancelled},
		{types.StatusRunning, types.StatusCancelled},
		{types.StatusMerging, types.StatusCancelled},
	}
	for _, tc := range allowed {
		if !Allowed(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to types.Status }{
		{types.StatusQueued, types.StatusRunning},   // must pass through dispatched
		{types.StatusQueued, types.StatusComplete},  // no shortcut to done
		{types.StatusComplete, types.StatusQueued},  // complete tasks never requeue
		{types.StatusRunning, types.StatusComplete}, // evaluation is mandatory
		{types.StatusCancelled, types.StatusQueued},
		{types.StatusVerified, types.StatusQueued},
		{types.StatusCancelled, types.StatusCancelled},
		{types.StatusVerified, types.StatusCancelled},
		{types.StatusMerged, types.StatusMerging}, // no going backwards
		{types.Status("bogus"), types.StatusQueued},
		{types.StatusQueued, types.Status("bogus")},
	}
	for _, tc := range denied {
		if Allowed(tc.from, tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestEveryStateHasNoSilentTrap(t *testing.T) {
	// Every non-terminal state must have at least one outgoing arc, so a
	// task can always make progress or be cancelled.
	for _, s := range types.AllStatuses {
		if s.IsTerminal() {
			continue
		}
		found := false
		for _, to := range types.AllStatuses {
			if Allowed(s, to) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("state %s has no outgoing transitions", s)
		}
	}
}

func TestTransitionWritesLogAtomically(t *testing.T) {
	m, s := setupMachine(t)
	ctx := context.Background()
	createAt(t, m, s, "t1", types.StatusQueued)

	if err := m.Transition(ctx, "t1", types.StatusDispatched, Fields{
		Reason:   "picked up by pulse",
		Worktree: "/tmp/wt/t1",
		Branch:   "shep/t1",
		LogFile:  "/tmp/logs/t1.log",
	}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != types.StatusDispatched {
		t.Errorf("expected dispatched, got %s", task.Status)
	}
	if task.Worktree != "/tmp/wt/t1" || task.Branch != "shep/t1" || task.LogFile != "/tmp/logs/t1.log" {
		t.Errorf("aux fields not applied: %+v", task)
	}

	entries, err := s.StateLog(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("StateLog failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.FromState != types.StatusQueued || e.ToState != types.StatusDispatched || e.Reason != "picked up by pulse" {
		t.Errorf("unexpected log entry: %+v", e)
	}
}

func TestIllegalTransitionLeavesNoTrace(t *testing.T) {
	m, s := setupMachine(t)
	ctx := context.Background()
	createAt(t, m, s, "t1", types.StatusQueued)

	err := m.Transition(ctx, "t1", types.StatusComplete, Fields{Reason: "shortcut"})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != types.StatusQueued {
		t.Errorf("status changed despite illegal transition: %s", task.Status)
	}
	entries, err := s.StateLog(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("StateLog failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("illegal transition left %d log entries", len(entries))
	}
}

func TestTransitionUnknownTask(t *testing.T) {
	m, _ := setupMachine(t)
	err := m.Transition(context.Background(), "missing", types.StatusDispatched, Fields{})
	if !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTimestampsOnMilestones(t *testing.T) {
	m, s := setupMachine(t)
	ctx := context.Background()
	createAt(t, m, s, "t1", types.StatusRunning)

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.StartedAt == nil {
		t.Error("started_at should be set on running")
	}

	if err := m.Transition(ctx, "t1", types.StatusEvaluating, Fields{}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := m.Transition(ctx, "t1", types.StatusComplete, Fields{Reason: "success:clean_exit"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	task, err = s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.CompletedAt == nil {
		t.Error("completed_at should be set on complete")
	}
}

func TestCancelFromAnywhere(t *testing.T) {
	m, s := setupMachine(t)
	ctx := context.Background()

	cases := []struct {
		id     string
		at     types.Status
		expect bool
	}{
		{"t1", types.StatusQueued, true},
		{"t2", types.StatusRunning, true},
		{"t3", types.StatusMerging, true},
		{"t4", types.StatusVerified, false},
	}
	for _, tc := range cases {
		createAt(t, m, s, tc.id, tc.at)
		err := m.Transition(ctx, tc.id, types.StatusCancelled, Fields{Reason: "operator cancel"})
		if tc.expect && err != nil {
			t.Errorf("cancel from %s should succeed: %v", tc.at, err)
		}
		if !tc.expect && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("cancel from %s should be illegal, got %v", tc.at, err)
		}
	}
}

func TestRecoveryArcs(t *testing.T) {
	m, s := setupMachine(t)
	ctx := context.Background()

	createAt(t, m, s, "t1", types.StatusEvaluating)
	if err := m.Transition(ctx, "t1", types.StatusFailed, Fields{Reason: "failure:logic"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := m.Transition(ctx, "t1", types.StatusQueued, Fields{Reason: "operator requeue"}); err != nil {
		t.Errorf("failed -> queued should be allowed: %v", err)
	}

	createAt(t, m, s, "t2", types.StatusEvaluating)
	if err := m.Transition(ctx, "t2", types.StatusBlocked, Fields{Reason: "blocked:needs_human"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := m.Transition(ctx, "t2", types.StatusQueued, Fields{Reason: "operator unblock"}); err != nil {
		t.Errorf("blocked -> queued should be allowed: %v", err)
	}
}
