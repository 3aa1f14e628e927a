package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/Shepherd/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "supervisor.db")
	s, err := Open(context.Background(), dbPath, time.Second)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTask(id string) *types.Task {
	return &types.Task{
		ID:             id,
		Repo:           "git@github.com:acme/widgets.git",
		Description:    "add pagination to the widgets endpoint",
		Status:         types.StatusQueued,
		MaxRetries:     3,
		MaxEscalations: 2,
	}
}

func TestTaskCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := newTestTask("t1")
	task.Tags = []string{"check:api", "backend"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	t.Run("get round trips", func(t *testing.T) {
		got, err := s.GetTask(ctx, "t1")
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if got.Repo != task.Repo || got.Description != task.Description {
			t.Errorf("task fields did not round trip: %+v", got)
		}
		if got.Status != types.StatusQueued {
			t.Errorf("expected queued, got %s", got.Status)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "check:api" {
			t.Errorf("tags did not round trip: %v", got.Tags)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		if err := s.CreateTask(ctx, newTestTask("t1")); err == nil {
			t.Fatal("expected duplicate insert to fail")
		}
	})

	t.Run("missing id returns ErrTaskNotFound", func(t *testing.T) {
		_, err := s.GetTask(ctx, "t999")
		if !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("update allowed column", func(t *testing.T) {
		if err := s.UpdateTask(ctx, "t1", map[string]interface{}{"branch": "shep/t1"}); err != nil {
			t.Fatalf("UpdateTask failed: %v", err)
		}
		got, err := s.GetTask(ctx, "t1")
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if got.Branch != "shep/t1" {
			t.Errorf("expected branch shep/t1, got %q", got.Branch)
		}
	})

	t.Run("status column refused", func(t *testing.T) {
		err := s.UpdateTask(ctx, "t1", map[string]interface{}{"status": "running"})
		if err == nil {
			t.Fatal("expected status update to be refused")
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.DeleteTask(ctx, "t1"); err != nil {
			t.Fatalf("DeleteTask failed: %v", err)
		}
		if _, err := s.GetTask(ctx, "t1"); err == nil {
			t.Fatal("expected task to be gone")
		}
	})
}

func TestListTasksFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.CreateTask(ctx, newTestTask(id)); err != nil {
			t.Fatalf("CreateTask %s failed: %v", id, err)
		}
	}
	other := newTestTask("t4")
	other.Repo = "git@github.com:acme/gadgets.git"
	if err := s.CreateTask(ctx, other); err != nil {
		t.Fatalf("CreateTask t4 failed: %v", err)
	}

	t.Run("by status", func(t *testing.T) {
		tasks, err := s.ListTasks(ctx, TaskFilter{Statuses: []types.Status{types.StatusQueued}})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 4 {
			t.Errorf("expected 4 queued tasks, got %d", len(tasks))
		}
	})

	t.Run("by repo", func(t *testing.T) {
		tasks, err := s.ListTasks(ctx, TaskFilter{Repo: other.Repo})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 1 || tasks[0].ID != "t4" {
			t.Errorf("expected only t4, got %d tasks", len(tasks))
		}
	})

	t.Run("limit", func(t *testing.T) {
		tasks, err := s.ListTasks(ctx, TaskFilter{Limit: 2})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 2 {
			t.Errorf("expected 2 tasks, got %d", len(tasks))
		}
	})

	t.Run("count by status", func(t *testing.T) {
		n, err := s.CountByStatus(ctx, "", types.StatusQueued)
		if err != nil {
			t.Fatalf("CountByStatus failed: %v", err)
		}
		if n != 4 {
			t.Errorf("expected 4, got %d", n)
		}
		n, err = s.CountByStatus(ctx, other.Repo, types.StatusQueued)
		if err != nil {
			t.Fatalf("CountByStatus failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 in gadgets repo, got %d", n)
		}
	})
}

func TestSiblingTasks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t46", "t46.1", "t46.2", "t46.3", "t47"} {
		if err := s.CreateTask(ctx, newTestTask(id)); err != nil {
			t.Fatalf("CreateTask %s failed: %v", id, err)
		}
	}

	siblings, err := s.SiblingTasks(ctx, "t46.2")
	if err != nil {
		t.Fatalf("SiblingTasks failed: %v", err)
	}
	if len(siblings) != 2 {
		t.Fatalf("expected 2 siblings, got %d", len(siblings))
	}
	if siblings[0].ID != "t46.1" || siblings[1].ID != "t46.3" {
		t.Errorf("unexpected siblings: %s, %s", siblings[0].ID, siblings[1].ID)
	}

	siblings, err = s.SiblingTasks(ctx, "t47")
	if err != nil {
		t.Fatalf("SiblingTasks failed: %v", err)
	}
	if len(siblings) != 0 {
		t.Errorf("top-level task should have no siblings, got %d", len(siblings))
	}
}

func TestBatches(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if err := s.CreateTask(ctx, newTestTask(id)); err != nil {
			t.Fatalf("CreateTask %s failed: %v", id, err)
		}
	}

	batch := &types.Batch{
		ID:                "b1",
		Name:              "sprint-12",
		Status:            types.BatchActive,
		ReleaseOnComplete: true,
		ReleaseType:       types.ReleaseMinor,
	}
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if err := s.AddTaskToBatch(ctx, "b1", "t1"); err != nil {
		t.Fatalf("AddTaskToBatch t1 failed: %v", err)
	}
	if err := s.AddTaskToBatch(ctx, "b1", "t2"); err != nil {
		t.Fatalf("AddTaskToBatch t2 failed: %v", err)
	}

	t.Run("membership is exclusive", func(t *testing.T) {
		if err := s.CreateBatch(ctx, &types.Batch{ID: "b2", Name: "other", Status: types.BatchActive}); err != nil {
			t.Fatalf("CreateBatch failed: %v", err)
		}
		if err := s.AddTaskToBatch(ctx, "b2", "t1"); err == nil {
			t.Fatal("expected second batch membership to be refused")
		}
	})

	t.Run("batch of task", func(t *testing.T) {
		got, err := s.BatchOf(ctx, "t1")
		if err != nil {
			t.Fatalf("BatchOf failed: %v", err)
		}
		if got == nil || got.ID != "b1" {
			t.Errorf("expected b1, got %+v", got)
		}
	})

	t.Run("members ordered by position", func(t *testing.T) {
		tasks, err := s.ListTasks(ctx, TaskFilter{BatchID: "b1"})
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(tasks) != 2 || tasks[0].ID != "t1" || tasks[1].ID != "t2" {
			t.Errorf("unexpected member order: %v", tasks)
		}
	})

	t.Run("release fields round trip", func(t *testing.T) {
		got, err := s.GetBatch(ctx, "b1")
		if err != nil {
			t.Fatalf("GetBatch failed: %v", err)
		}
		if !got.ReleaseOnComplete || got.ReleaseType != types.ReleaseMinor {
			t.Errorf("release fields did not round trip: %+v", got)
		}
	})
}

func TestStateAndProofLogs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, newTestTask("t1")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := AppendStateLog(ctx, s.db, &types.StateLogEntry{
		TaskID:    "t1",
		FromState: types.StatusQueued,
		ToState:   types.StatusDispatched,
		Reason:    "pulse",
	}); err != nil {
		t.Fatalf("AppendStateLog failed: %v", err)
	}

	entries, err := s.StateLog(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("StateLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ToState != types.StatusDispatched {
		t.Fatalf("unexpected state log: %+v", entries)
	}

	if err := s.AppendProofLog(ctx, &types.ProofLogEntry{
		TaskID:   "t1",
		Event:    "evaluation",
		Stage:    "tier2",
		Decision: "success:pr_created",
		Evidence: "PR URL found in worker log",
		Duration: 1500 * time.Millisecond,
	}); err != nil {
		t.Fatalf("AppendProofLog failed: %v", err)
	}

	proofs, err := s.ProofLog(ctx, "t1")
	if err != nil {
		t.Fatalf("ProofLog failed: %v", err)
	}
	if len(proofs) != 1 {
		t.Fatalf("expected 1 proof entry, got %d", len(proofs))
	}
	if proofs[0].ID == "" {
		t.Error("proof entry should get a generated id")
	}
	if proofs[0].Duration != 1500*time.Millisecond {
		t.Errorf("duration did not round trip: %v", proofs[0].Duration)
	}
	if proofs[0].Metadata != "{}" {
		t.Errorf("empty metadata should default to {}, got %q", proofs[0].Metadata)
	}
}

func TestMetadata(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	got, err := s.GetMetadata(ctx, "missing")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty value for missing key, got %q", got)
	}

	if err := s.SetMetadata(ctx, "k", "v1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := s.SetMetadata(ctx, "k", "v2"); err != nil {
		t.Fatalf("SetMetadata upsert failed: %v", err)
	}
	got, err = s.GetMetadata(ctx, "k")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got != "v2" {
		t.Errorf("expected v2, got %q", got)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "supervisor.db")

	s, err := Open(ctx, dbPath, time.Second)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := s.CreateTask(ctx, newTestTask("t1")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s2, err := Open(ctx, dbPath, time.Second)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask after reopen failed: %v", err)
	}
	if got.ID != "t1" {
		t.Errorf("task lost across reopen")
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "supervisor.db")

	s, err := Open(ctx, dbPath, time.Second)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.CreateTask(ctx, newTestTask("t1")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	backupPath, err := s.Backup(ctx, "test")
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	// Mutate after the backup, then restore over it.
	if err := s.CreateTask(ctx, newTestTask("t2")); err != nil {
		t.Fatalf("CreateTask t2 failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := RestoreBackup(ctx, backupPath, dbPath); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}

	s2, err := Open(ctx, dbPath, time.Second)
	if err != nil {
		t.Fatalf("reopen after restore failed: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if _, err := s2.GetTask(ctx, "t1"); err != nil {
		t.Errorf("t1 should survive restore: %v", err)
	}
	if _, err := s2.GetTask(ctx, "t2"); err == nil {
		t.Error("t2 was created after the backup and should be gone")
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	garbage := filepath.Join(dir, "not-a-db.db")
	if err := os.WriteFile(garbage, []byte("hello"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := RestoreBackup(ctx, garbage, filepath.Join(dir, "supervisor.db")); err == nil {
		t.Fatal("expected restore of garbage file to fail")
	}
}

func TestPruneBackups(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	backupDir := filepath.Join(filepath.Dir(s.Path()), "backups")
	if _, err := s.Backup(ctx, "test"); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	// Backup names are second-resolution; fabricate older siblings instead
	// of sleeping between real backups.
	for _, name := range []string{
		"supervisor-backup-test-20200101-000000.db",
		"supervisor-backup-test-20200101-000001.db",
	} {
		if err := os.WriteFile(filepath.Join(backupDir, name), []byte("old"), 0600); err != nil {
			t.Fatalf("write fake backup failed: %v", err)
		}
	}
	if err := s.PruneBackups(2); err != nil {
		t.Fatalf("PruneBackups failed: %v", err)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("read backup dir failed: %v", err)
	}
	var dbs int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".db" {
			dbs++
		}
	}
	if dbs != 2 {
		t.Errorf("expected 2 backups after prune, got %d", dbs)
	}
}

func TestRunInTransactionRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	errBoom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO metadata (key, value) VALUES ('tx-test', 'x')"); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.GetMetadata(ctx, "tx-test")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got != "" {
		t.Error("write should have been rolled back")
	}
}
