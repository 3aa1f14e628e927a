package taskfile

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Check kinds emitted into the verification queue.
const (
	CheckSyntax = "syntax" // sh -n over a script
	CheckExists = "exists" // file present in the checkout
	CheckIndex  = "index"  // agent definition referenced from the index
)

// VerifyEntry is one line of the verification queue file.
type VerifyEntry struct {
	Line
	Checks []string // kind:path pairs
}

// VerifyQueue is the sibling queue file populated on deploy and drained
// on later pulses.
type VerifyQueue struct {
	file     *File
	agentIdx string // path of the agent index, relative to the repo
}

// OpenVerifyQueue binds the queue file next to the task file.
func OpenVerifyQueue(repoDir, name string, sync bool) *VerifyQueue {
	return &VerifyQueue{
		file:     Open(repoDir, name, sync),
		agentIdx: "agents/INDEX.md",
	}
}

// Enqueue appends a verification entry for a deployed task, deriving
// check directives from the PR's changed paths.
func (q *VerifyQueue) Enqueue(ctx context.Context, taskID, prRef string, changedPaths []string) error {
	checks := DeriveChecks(changedPaths)
	if len(checks) == 0 {
		checks = []string{CheckExists + ":" + firstOr(changedPaths, ".")}
	}

	entry := fmt.Sprintf("- [ ] %s verify deployment %s", taskID, prRef)
	for _, c := range checks {
		entry += " check:" + c
	}

	if _, err := os.Stat(q.file.path); os.IsNotExist(err) {
		header := "# Verification queue\n\nDeployed tasks awaiting post-deploy checks.\n\n"
		if err := os.WriteFile(q.file.path, []byte(header), 0644); err != nil {
			return err
		}
	}
	return q.file.mutate(ctx, fmt.Sprintf("Queue verification for %s", taskID), func(tasks []Line, raw []string) error {
		for _, t := range tasks {
			if t.ID == taskID && t.IsOpen() {
				return nil // already queued
			}
		}
		// Ride the entry on the last physical line; mutate rejoins on \n.
		last := len(raw) - 1
		if strings.TrimSpace(raw[last]) == "" {
			raw[last] = entry
		} else {
			raw[last] += "\n" + entry
		}
		return nil
	})
}

// Pending returns open queue entries with their parsed checks.
func (q *VerifyQueue) Pending() ([]VerifyEntry, error) {
	tasks, err := q.file.Tasks()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []VerifyEntry
	for _, t := range tasks {
		if !t.IsOpen() {
			continue
		}
		e := VerifyEntry{Line: t}
		for _, w := range strings.Fields(t.Raw) {
			if strings.HasPrefix(w, "check:") {
				e.Checks = append(e.Checks, strings.TrimPrefix(w, "check:"))
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Run executes one entry's checks against the checkout and marks the
// entry pass or fail in the queue file.
func (q *VerifyQueue) Run(ctx context.Context, e VerifyEntry) (bool, []string, error) {
	var failures []string
	for _, c := range e.Checks {
		kind, target, _ := strings.Cut(c, ":")
		if err := q.runCheck(ctx, kind, target); err != nil {
			failures = append(failures, fmt.Sprintf("%s:%s (%v)", kind, target, err))
		}
	}

	pass := len(failures) == 0
	mark := func(tasks []Line, raw []string) error {
		cur, err := findOpen(tasks, e.ID)
		if err != nil {
			return err
		}
		if pass {
			raw[cur.Number] = setState(raw[cur.Number], StateDone) +
				" verified:" + time.Now().Format("2006-01-02")
		} else {
			raw[cur.Number] = setState(raw[cur.Number], StateCancelled)
			raw[cur.Number] = insertNote(raw, cur, "FAILED: "+strings.Join(failures, "; "))
		}
		return nil
	}
	verb := "passed"
	if !pass {
		verb = "failed"
	}
	if err := q.file.mutate(ctx, fmt.Sprintf("Verification %s for %s", verb, e.ID), mark); err != nil {
		return pass, failures, err
	}
	return pass, failures, nil
}

func (q *VerifyQueue) runCheck(ctx context.Context, kind, target string) error {
	abs := filepath.Join(q.file.repoDir, target)
	switch kind {
	case CheckExists:
		_, err := os.Stat(abs)
		return err
	case CheckSyntax:
		cmd := exec.CommandContext(ctx, "sh", "-n", abs)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("syntax: %s", strings.TrimSpace(string(out)))
		}
		return nil
	case CheckIndex:
		idx, err := os.ReadFile(filepath.Join(q.file.repoDir, q.agentIdx))
		if err != nil {
			return fmt.Errorf("agent index unreadable: %w", err)
		}
		if !strings.Contains(string(idx), filepath.Base(target)) {
			return fmt.Errorf("%s not referenced from %s", filepath.Base(target), q.agentIdx)
		}
		return nil
	default:
		return fmt.Errorf("unknown check kind %q", kind)
	}
}

// DeriveChecks maps changed paths to check directives: scripts get a
// syntax check, agent definitions an index-reference check, everything
// else an existence check.
func DeriveChecks(paths []string) []string {
	var checks []string
	for _, p := range paths {
		switch {
		case strings.HasSuffix(p, ".sh"):
			checks = append(checks, CheckSyntax+":"+p, CheckExists+":"+p)
		case strings.HasPrefix(p, "agents/") && strings.HasSuffix(p, ".md"):
			checks = append(checks, CheckIndex+":"+p, CheckExists+":"+p)
		default:
			checks = append(checks, CheckExists+":"+p)
		}
	}
	return checks
}

func firstOr(xs []string, fallback string) string {
	if len(xs) > 0 {
		return xs[0]
	}
	return fallback
}
