package proc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "pids")), dir
}

func waitForFile(t *testing.T, path string, contains string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), contains) {
			return string(data)
		}
		time.Sleep(50 * time.Millisecond)
	}
	data, _ := os.ReadFile(path)
	t.Fatalf("log never contained %q, got:\n%s", contains, data)
	return ""
}

func TestSpawnWritesPrologueAndTrailer(t *testing.T) {
	s, dir := setupSupervisor(t)
	logPath := filepath.Join(dir, "logs", "t1.log")

	pid, err := s.Spawn(context.Background(), SpawnSpec{
		TaskID:  "t1",
		Command: []string{"/bin/sh", "-c", "echo hello from worker"},
		Dir:     dir,
		LogFile: logPath,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected a real pid, got %d", pid)
	}

	log := waitForFile(t, logPath, "EXIT:0")
	if !strings.Contains(log, "=== WORKER DISPATCH ===") {
		t.Error("log missing dispatch prologue")
	}
	if !strings.Contains(log, "task: t1") {
		t.Error("log missing task id")
	}
	if !strings.Contains(log, "hello from worker") {
		t.Error("log missing worker output")
	}
}

func TestSpawnRecordsSidecar(t *testing.T) {
	s, dir := setupSupervisor(t)
	logPath := filepath.Join(dir, "logs", "t1.log")

	pid, err := s.Spawn(context.Background(), SpawnSpec{
		TaskID:  "t1",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
		Dir:     dir,
		LogFile: logPath,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer func() { _ = s.Reap("t1") }()

	if got := s.SidecarPID("t1"); got != pid {
		t.Errorf("sidecar pid %d != spawn pid %d", got, pid)
	}
	if !Alive(pid) {
		t.Error("worker should be alive")
	}
}

func TestReapKillsTreeAndRemovesSidecar(t *testing.T) {
	s, dir := setupSupervisor(t)
	logPath := filepath.Join(dir, "logs", "t1.log")

	pid, err := s.Spawn(context.Background(), SpawnSpec{
		TaskID:  "t1",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
		Dir:     dir,
		LogFile: logPath,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	// Give the wrapper a moment to fork the sleep.
	time.Sleep(200 * time.Millisecond)

	if err := s.Reap("t1"); err != nil {
		t.Fatalf("Reap failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if Alive(pid) {
		t.Error("worker survived reap")
	}
	if s.SidecarPID("t1") != 0 {
		t.Error("sidecar should be removed")
	}
}

func TestAliveOnNonsensePIDs(t *testing.T) {
	if Alive(0) || Alive(-5) {
		t.Error("non-positive pids are never alive")
	}
}

func TestStaleSidecars(t *testing.T) {
	s, _ := setupSupervisor(t)
	if err := os.MkdirAll(s.pidsDir, 0750); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	// A PID that is certainly dead: max pid space is rarely this high and
	// the file records a number, not a live process.
	if err := os.WriteFile(filepath.Join(s.pidsDir, "t9.pid"), []byte("999999999\n"), 0640); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	stale, err := s.StaleSidecars()
	if err != nil {
		t.Fatalf("StaleSidecars failed: %v", err)
	}
	if len(stale) != 1 || stale[0] != "t9" {
		t.Errorf("expected [t9], got %v", stale)
	}
}

func TestSpawnEmptyCommand(t *testing.T) {
	s, dir := setupSupervisor(t)
	_, err := s.Spawn(context.Background(), SpawnSpec{TaskID: "t1", Dir: dir, LogFile: filepath.Join(dir, "t1.log")})
	if err == nil {
		t.Fatal("expected spawn of empty command to fail")
	}
}
