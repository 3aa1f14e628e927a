// Package gitx is the git command surface the supervisor consumes:
// worktree acquisition, branch arithmetic, remote-shape fixes, and the
// merged-history scan behind the prior-completion guard.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/untoldecay/Shepherd/internal/debug"
)

// ErrWorktreeCreation means the isolated worktree could not be set up.
var ErrWorktreeCreation = errors.New("worktree creation failed")

// Repo wraps git operations rooted at dir.
type Repo struct {
	dir string
}

// NewRepo returns a Repo for the repository at dir.
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the repository root.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %w: %s",
			args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// RemoteURL returns the fetch URL of origin.
func (r *Repo) RemoteURL(ctx context.Context) (string, error) {
	return r.git(ctx, "remote", "get-url", "origin")
}

var sshRemoteRE = regexp.MustCompile(`^git@([^:]+):(.+?)(\.git)?$`)

// RewriteSSHRemote converts an SSH origin to HTTPS. Detached workers run
// without an SSH agent, so an SSH remote would make every push fail.
// Returns the resulting URL.
func (r *Repo) RewriteSSHRemote(ctx context.Context) (string, error) {
	url, err := r.RemoteURL(ctx)
	if err != nil {
		return "", err
	}
	m := sshRemoteRE.FindStringSubmatch(url)
	if m == nil {
		return url, nil // already HTTPS or a local path
	}
	https := fmt.Sprintf("https://%s/%s", m[1], m[2])
	if _, err := r.git(ctx, "remote", "set-url", "origin", https); err != nil {
		return "", err
	}
	debug.Logf("Debug: rewrote origin %s -> %s\n", url, https)
	return https, nil
}

// WorktreeSpec names an isolated working tree for one task.
type WorktreeSpec struct {
	TaskID     string
	BaseBranch string
	Root       string // parent directory for worktrees
}

// AcquireWorktree creates (or reuses) a worktree for the task, rooted at
// a fresh snapshot of the base branch, under a stable path keyed by task
// ID. The branch is named shep/<task_id>.
func (r *Repo) AcquireWorktree(ctx context.Context, spec WorktreeSpec) (path, branch string, err error) {
	branch = "shep/" + spec.TaskID
	path = filepath.Join(spec.Root, spec.TaskID)

	if info, statErr := os.Stat(path); statErr == nil {
		if !info.IsDir() {
			return "", "", fmt.Errorf("%w: %s exists and is not a directory", ErrWorktreeCreation, path)
		}
		// Existing worktree from a prior dispatch; reuse it so the verify
		// worker can see prior work.
		return path, branch, nil
	}

	if err := os.MkdirAll(spec.Root, 0750); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrWorktreeCreation, err)
	}

	if _, err := r.git(ctx, "fetch", "origin", spec.BaseBranch); err != nil {
		debug.Logf("Debug: fetch before worktree add failed: %v\n", err)
	}
	if _, err := r.git(ctx, "worktree", "add", "-b", branch, path, "origin/"+spec.BaseBranch); err != nil {
		// The branch may survive a removed worktree; retry attached.
		if _, err2 := r.git(ctx, "worktree", "add", path, branch); err2 != nil {
			return "", "", fmt.Errorf("%w: %v", ErrWorktreeCreation, err)
		}
	}

	// Guard against stdout pollution from git hooks: the path must be a
	// real directory before anyone treats it as a workdir.
	if info, statErr := os.Stat(path); statErr != nil || !info.IsDir() {
		return "", "", fmt.Errorf("%w: %s is not a directory after worktree add", ErrWorktreeCreation, path)
	}
	return path, branch, nil
}

// RemoveWorktree deletes the task's worktree and prunes bookkeeping.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := r.git(ctx, "worktree", "remove", "--force", path); err != nil {
		// Manual cleanup when git refuses (e.g. the dir was deleted).
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree %s: %w", path, err)
		}
		_, _ = r.git(ctx, "worktree", "prune")
	}
	return nil
}

// CommitsAhead counts commits on the worktree's HEAD that are not on the
// base branch.
func CommitsAhead(ctx context.Context, worktree, baseBranch string) (int, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-list", "--count", "origin/"+baseBranch+"..HEAD")
	cmd.Dir = worktree
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("git rev-list in %s: %w", worktree, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("unparseable rev-list output %q", out)
	}
	return n, nil
}

// IsDirty reports whether the worktree has uncommitted changes.
func IsDirty(ctx context.Context, worktree string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = worktree
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status in %s: %w", worktree, err)
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// MergedEvidence scans recent merged history for commits referencing the
// task ID as a word-boundary token. Used by the prior-completion guard.
func (r *Repo) MergedEvidence(ctx context.Context, taskID, baseBranch string) (bool, error) {
	out, err := r.git(ctx, "log", "origin/"+baseBranch, "--oneline", "-200",
		"--grep", `\b`+regexp.QuoteMeta(taskID)+`\b`, "--extended-regexp")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// PullBase fast-forwards the base branch after a merge, so sibling
// rebases and later dispatches see the merged work.
func (r *Repo) PullBase(ctx context.Context, baseBranch string) error {
	if _, err := r.git(ctx, "fetch", "origin", baseBranch); err != nil {
		return err
	}
	// Update the local ref without touching the checkout; the main repo
	// may have a different branch checked out.
	if _, err := r.git(ctx, "update-ref", "refs/heads/"+baseBranch, "origin/"+baseBranch); err != nil {
		return err
	}
	return nil
}

// RebaseOntoBase rebases a sibling worktree onto the refreshed base.
// Returns an error on conflicts; the caller decides whether to dispatch a
// conflict-resolver worker.
func RebaseOntoBase(ctx context.Context, worktree, baseBranch string) error {
	fetch := exec.CommandContext(ctx, "git", "fetch", "origin", baseBranch)
	fetch.Dir = worktree
	if out, err := fetch.CombinedOutput(); err != nil {
		return fmt.Errorf("git fetch in %s: %w: %s", worktree, err, strings.TrimSpace(string(out)))
	}
	rebase := exec.CommandContext(ctx, "git", "rebase", "origin/"+baseBranch)
	rebase.Dir = worktree
	if out, err := rebase.CombinedOutput(); err != nil {
		abort := exec.CommandContext(ctx, "git", "rebase", "--abort")
		abort.Dir = worktree
		_ = abort.Run()
		return fmt.Errorf("rebase of %s onto %s failed: %w: %s",
			worktree, baseBranch, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PushBranch force-pushes the worktree's branch (with lease) after a
// rebase.
func PushBranch(ctx context.Context, worktree, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "push", "--force-with-lease", "origin", branch)
	cmd.Dir = worktree
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push of %s: %w: %s", branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}
