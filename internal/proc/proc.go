// Package proc owns worker subprocess lifetimes: spawning detached
// workers under a supervisory wrapper, probing liveness, and reaping
// process trees when a task goes terminal.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/untoldecay/Shepherd/internal/debug"
)

var (
	// ErrSpawnFailed means fork/exec of the worker wrapper failed.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrLogUnwritable means the worker log file could not be created.
	ErrLogUnwritable = errors.New("log file unwritable")
)

// Supervisor spawns and tracks worker subprocesses. PID sidecars live in
// pidsDir, one file per task.
type Supervisor struct {
	pidsDir string
}

// New returns a Supervisor writing PID sidecars under pidsDir.
func New(pidsDir string) *Supervisor {
	return &Supervisor{pidsDir: pidsDir}
}

// SpawnSpec describes one worker invocation.
type SpawnSpec struct {
	TaskID  string
	Command []string // argv, Command[0] is the binary
	Dir     string   // working directory (the task's worktree)
	LogFile string
	Env     []string // appended to the inherited environment
}

// wrapperScript supervises the worker: it traps termination, recursively
// kills descendants (workers fork tool subprocesses that must not outlive
// them), and appends the EXIT trailer the evaluator keys on.
const wrapperScript = `#!/bin/sh
kill_tree() {
	for child in $(pgrep -P "$1" 2>/dev/null); do
		kill_tree "$child"
	done
	kill -TERM "$1" 2>/dev/null
}
worker_pid=""
on_term() {
	if [ -n "$worker_pid" ]; then
		kill_tree "$worker_pid"
	fi
	exit 143
}
trap on_term TERM INT HUP
"$@" &
worker_pid=$!
wait "$worker_pid"
code=$?
echo "EXIT:$code"
exit "$code"
`

// Spawn starts the worker described by spec in its own session and
// returns the wrapper PID (the task's session handle). The log file gets
// a startup-metadata prologue first so a worker that never starts is
// still diagnosable from the log alone.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	if err := os.MkdirAll(s.pidsDir, 0750); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	logFile, err := openWorkerLog(spec)
	if err != nil {
		return 0, err
	}
	defer func() { _ = logFile.Close() }()

	wrapperPath, err := s.writeWrapper(spec.TaskID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	argv := append([]string{wrapperPath}, spec.Command...)
	// Deliberately not CommandContext: the worker outlives the pulse.
	cmd := exec.Command("/bin/sh", argv...)
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), spec.Env...)
	// New session: the worker must survive the pulse process exiting.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid

	// Release the child so the pulse does not hold a zombie slot; the
	// wrapper's own session reaps the worker.
	if err := cmd.Process.Release(); err != nil {
		debug.Logf("Debug: release of worker %d failed: %v\n", pid, err)
	}

	if err := s.writePIDSidecar(spec.TaskID, pid); err != nil {
		// The worker is already running; kill it rather than leak an
		// untracked process.
		_ = s.Kill(pid)
		return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	debug.Logf("Debug: spawned worker for %s pid=%d log=%s\n", spec.TaskID, pid, spec.LogFile)
	return pid, nil
}

func openWorkerLog(spec SpawnSpec) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnwritable, err)
	}
	f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnwritable, err)
	}

	prologue := fmt.Sprintf(
		"=== WORKER DISPATCH ===\ntask: %s\ncommand: %s\ndir: %s\ndispatched_at: %s\n=== WORKER STARTING ===\n",
		spec.TaskID, strings.Join(spec.Command, " "), spec.Dir,
		time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(prologue); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrLogUnwritable, err)
	}
	return f, nil
}

// writeWrapper materialises the supervisory script next to the PID
// sidecars. One shared script per supervisor would race on upgrade, so
// each task gets its own copy.
func (s *Supervisor) writeWrapper(taskID string) (string, error) {
	path := filepath.Join(s.pidsDir, taskID+"-wrapper.sh")
	if err := os.WriteFile(path, []byte(wrapperScript), 0750); err != nil { // #nosec G306 - script must be executable
		return "", err
	}
	return path, nil
}

// DiagnoseWrapper inspects the on-disk wrapper for a task whose log
// never appeared: a missing script means dispatch never materialised
// its scripts, a present but non-executable one means the mode was
// clobbered. Empty string when the wrapper looks runnable.
func (s *Supervisor) DiagnoseWrapper(taskID string) string {
	st, err := os.Stat(filepath.Join(s.pidsDir, taskID+"-wrapper.sh"))
	if err != nil {
		return "no_dispatch_scripts"
	}
	if st.Mode().Perm()&0o100 == 0 {
		return "dispatch_script_not_executable"
	}
	return ""
}

func (s *Supervisor) writePIDSidecar(taskID string, pid int) error {
	return os.WriteFile(s.sidecarPath(taskID), []byte(strconv.Itoa(pid)+"\n"), 0640)
}

func (s *Supervisor) sidecarPath(taskID string) string {
	return filepath.Join(s.pidsDir, taskID+".pid")
}

// SidecarPID reads the recorded PID for a task. Returns 0 when no
// sidecar exists.
func (s *Supervisor) SidecarPID(taskID string) int {
	data, err := os.ReadFile(s.sidecarPath(taskID))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Alive reports whether the process with the given PID exists, without
// blocking. Signal 0 probes existence; EPERM still means alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// Kill terminates the process group rooted at pid: TERM first, then KILL
// after a short grace period for anything still alive.
func (s *Supervisor) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	// Negative PID addresses the whole process group (the spawn's new
	// session makes the wrapper the group leader).
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		// Fall back to the single process if the group is gone.
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("failed to terminate %d: %w", pid, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	_ = unix.Kill(pid, unix.SIGKILL)
	return nil
}

// Reap cleans up after a terminal task: terminate any surviving process
// tree and remove the PID sidecar and wrapper script.
func (s *Supervisor) Reap(taskID string) error {
	pid := s.SidecarPID(taskID)
	if pid > 0 && Alive(pid) {
		if err := s.Kill(pid); err != nil {
			return err
		}
	}
	if err := os.Remove(s.sidecarPath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid sidecar for %s: %w", taskID, err)
	}
	if err := os.Remove(filepath.Join(s.pidsDir, taskID+"-wrapper.sh")); err != nil && !os.IsNotExist(err) {
		debug.Logf("Debug: wrapper cleanup for %s failed: %v\n", taskID, err)
	}
	return nil
}

// StaleSidecars returns task IDs whose sidecar PID is no longer alive.
// The pulse uses this to re-diagnose dead workers.
func (s *Supervisor) StaleSidecars() ([]string, error) {
	entries, err := os.ReadDir(s.pidsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pids directory: %w", err)
	}
	var stale []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".pid") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".pid")
		if !Alive(s.SidecarPID(taskID)) {
			stale = append(stale, taskID)
		}
	}
	return stale, nil
}
