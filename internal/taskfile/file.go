package taskfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/Shepherd/internal/debug"
)

var (
	// ErrTaskLineNotFound means no open line carries the task ID.
	ErrTaskLineNotFound = errors.New("task line not found")

	// ErrOpenSubtasks refuses to close a parent whose children are
	// still open.
	ErrOpenSubtasks = errors.New("task has open subtasks")
)

// noteMaxLen caps Notes annotations so a stack trace pasted as a
// blocked reason cannot swallow the file.
const noteMaxLen = 200

// pushAttempts bounds the pull-rebase-push loop against concurrent
// worker pushes.
const pushAttempts = 3

// File is the handle on the human task list inside a git checkout.
type File struct {
	repoDir string
	path    string
	lock    *flock.Flock
	sync    bool // commit and push after each mutation
}

// Open binds to a task file. name is relative to repoDir. When sync is
// true every mutation is committed and pushed.
func Open(repoDir, name string, sync bool) *File {
	path := filepath.Join(repoDir, name)
	return &File{
		repoDir: repoDir,
		path:    path,
		lock:    flock.New(path + ".lock"),
		sync:    sync,
	}
}

// Path returns the absolute file path.
func (f *File) Path() string { return f.path }

// Tasks reads and parses the current file contents.
func (f *File) Tasks() ([]Line, error) {
	content, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	tasks, _ := Parse(string(content))
	return tasks, nil
}

// Find returns the first line for the task ID (open lines preferred).
func (f *File) Find(taskID string) (Line, error) {
	tasks, err := f.Tasks()
	if err != nil {
		return Line{}, err
	}
	var closed *Line
	for i := range tasks {
		if tasks[i].ID != taskID {
			continue
		}
		if tasks[i].IsOpen() {
			return tasks[i], nil
		}
		if closed == nil {
			closed = &tasks[i]
		}
	}
	if closed != nil {
		return *closed, nil
	}
	return Line{}, fmt.Errorf("%w: %s", ErrTaskLineNotFound, taskID)
}

// MarkComplete flips the task line to [x] and appends a completion
// date plus a proof annotation (pr:#<n> or verified:<date>). A parent
// with open subtasks is refused.
func (f *File) MarkComplete(ctx context.Context, taskID, proof string) error {
	return f.mutate(ctx, fmt.Sprintf("Mark %s complete", taskID), func(tasks []Line, raw []string) error {
		line, err := findOpen(tasks, taskID)
		if err != nil {
			return err
		}
		for _, kid := range Subtasks(tasks, line) {
			if kid.IsOpen() {
				return fmt.Errorf("%w: %s blocks %s", ErrOpenSubtasks, kid.ID, taskID)
			}
		}
		annots := []string{"completed:" + time.Now().Format("2006-01-02")}
		if proof != "" {
			annots = append(annots, proof)
		}
		raw[line.Number] = setState(raw[line.Number], StateDone) + " " + strings.Join(annots, " ")
		return nil
	})
}

// MarkCancelled flips the task line to [-] with a cancellation date.
func (f *File) MarkCancelled(ctx context.Context, taskID, reason string) error {
	return f.mutate(ctx, fmt.Sprintf("Cancel %s", taskID), func(tasks []Line, raw []string) error {
		line, err := findOpen(tasks, taskID)
		if err != nil {
			return err
		}
		raw[line.Number] = setState(raw[line.Number], StateCancelled) +
			" cancelled:" + time.Now().Format("2006-01-02")
		if reason != "" {
			raw[line.Number] = insertNote(raw, line, reason)
		}
		return nil
	})
}

// AnnotateBlocked inserts a Notes child line under the task. Satisfies
// the retry controller's Annotator.
func (f *File) AnnotateBlocked(ctx context.Context, taskID, note string) error {
	return f.mutate(ctx, fmt.Sprintf("Annotate %s blocked", taskID), func(tasks []Line, raw []string) error {
		line, err := findOpen(tasks, taskID)
		if err != nil {
			return err
		}
		raw[line.Number] = insertNote(raw, line, "BLOCKED: "+note)
		return nil
	})
}

// Claim writes an assignee annotation with a start timestamp.
func (f *File) Claim(ctx context.Context, taskID, holder string) error {
	return f.mutate(ctx, fmt.Sprintf("Claim %s", taskID), func(tasks []Line, raw []string) error {
		line, err := findOpen(tasks, taskID)
		if err != nil {
			return err
		}
		if a := line.Assignee(); a != "" && a != holder {
			return fmt.Errorf("task %s already claimed by %s", taskID, a)
		}
		if line.Assignee() == "" {
			raw[line.Number] += fmt.Sprintf(" assignee:%s started:%s",
				holder, time.Now().UTC().Format("2006-01-02T15:04:05Z"))
		}
		return nil
	})
}

// Holder returns the current claim holder and start time for the task,
// or "" when unclaimed. A malformed started timestamp reads as zero.
func (f *File) Holder(taskID string) (string, time.Time, error) {
	line, err := f.Find(taskID)
	if err != nil {
		return "", time.Time{}, err
	}
	holder := line.Assignee()
	if holder == "" {
		return "", time.Time{}, nil
	}
	started, _ := time.Parse("2006-01-02T15:04:05Z", line.Annots["started"])
	return holder, started, nil
}

// Unclaim drops the assignee and started annotations.
func (f *File) Unclaim(ctx context.Context, taskID string) error {
	return f.mutate(ctx, fmt.Sprintf("Unclaim %s", taskID), func(tasks []Line, raw []string) error {
		line, err := findOpen(tasks, taskID)
		if err != nil {
			return err
		}
		raw[line.Number] = stripAnnotations(raw[line.Number], "assignee", "started")
		return nil
	})
}

// Dedup removes later open duplicates of an ID, keeping the first.
// Lines are never renamed: renaming produced ghost IDs that outlived
// the file.
func (f *File) Dedup(ctx context.Context) (int, error) {
	removed := 0
	err := f.mutate(ctx, "Remove duplicate task lines", func(tasks []Line, raw []string) error {
		seen := map[string]bool{}
		for _, t := range tasks {
			if !t.IsOpen() {
				continue
			}
			if seen[t.ID] {
				raw[t.Number] = "\x00" // tombstone, dropped on write
				removed++
				continue
			}
			seen[t.ID] = true
		}
		return nil
	})
	return removed, err
}

// findOpen is like Find but only matches open lines.
func findOpen(tasks []Line, taskID string) (Line, error) {
	for _, t := range tasks {
		if t.ID == taskID && t.IsOpen() {
			return t, nil
		}
	}
	return Line{}, fmt.Errorf("%w: %s", ErrTaskLineNotFound, taskID)
}

// setState rewrites the checkbox on a raw task line.
func setState(raw string, st LineState) string {
	idx := strings.Index(raw, "- [")
	if idx < 0 || idx+4 > len(raw) {
		return raw
	}
	return raw[:idx+3] + string(st) + raw[idx+4:]
}

// insertNote appends a Notes child to the raw line (the caller writes
// it back at line.Number). Notes ride on the same physical line as a
// trailing marker so line numbering stays stable during a mutation.
func insertNote(raw []string, line Line, note string) string {
	if len(note) > noteMaxLen {
		note = note[:noteMaxLen-3] + "..."
	}
	indent := strings.Repeat(" ", line.Indent+2)
	return raw[line.Number] + "\n" + indent + "- Notes: " + note
}

// stripAnnotations removes key:value words for the given keys.
func stripAnnotations(raw string, keys ...string) string {
	words := strings.Split(raw, " ")
	var kept []string
	for _, w := range words {
		drop := false
		for _, k := range keys {
			if strings.HasPrefix(w, k+":") {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// mutate runs an edit under the file lock, writes atomically, and
// syncs to git when enabled.
func (f *File) mutate(ctx context.Context, commitMsg string, edit func(tasks []Line, raw []string) error) error {
	locked, err := f.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock task file: %w", err)
	}
	if !locked {
		return errors.New("task file lock unavailable")
	}
	defer func() { _ = f.lock.Unlock() }()

	content, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	tasks, raw := Parse(string(content))
	if err := edit(tasks, raw); err != nil {
		return err
	}

	var out []string
	for _, l := range raw {
		if l == "\x00" {
			continue
		}
		out = append(out, l)
	}
	if err := writeAtomic(f.path, strings.Join(out, "\n")); err != nil {
		return err
	}

	if f.sync {
		if err := f.commitAndPush(ctx, commitMsg); err != nil {
			return fmt.Errorf("task file sync failed: %w", err)
		}
	}
	return nil
}

func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// commitAndPush commits the task file and pushes, tolerating concurrent
// pushes with a pull-rebase retry loop.
func (f *File) commitAndPush(ctx context.Context, msg string) error {
	rel, err := filepath.Rel(f.repoDir, f.path)
	if err != nil {
		rel = f.path
	}
	if out, err := f.git(ctx, "add", rel); err != nil {
		return fmt.Errorf("git add: %v (%s)", err, out)
	}
	if out, err := f.git(ctx, "commit", "-m", msg); err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %v (%s)", err, out)
	}

	var lastErr error
	for attempt := 0; attempt < pushAttempts; attempt++ {
		out, err := f.git(ctx, "push")
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("git push: %v (%s)", err, out)
		debug.Logf("Debug: task file push rejected (attempt %d): %v\n", attempt+1, lastErr)
		if out, err := f.git(ctx, "pull", "--rebase"); err != nil {
			_, _ = f.git(ctx, "rebase", "--abort")
			return fmt.Errorf("git pull --rebase: %v (%s)", err, out)
		}
	}
	return lastErr
}

func (f *File) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = f.repoDir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
