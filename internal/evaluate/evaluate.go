// Package evaluate classifies finished workers into verdicts. Evidence is
// gathered in strict tier order (infrastructure, signals, backend errors,
// obsolete detection, exit-code patterns, git heuristics, AI arbitration)
// and the first conclusive tier wins.
package evaluate

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/Shepherd/internal/advisor"
	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/gh"
	"github.com/untoldecay/Shepherd/internal/gitx"
	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/types"
)

// GitHub is the PR surface the evaluator needs.
type GitHub interface {
	ValidatePRURL(ctx context.Context, url, taskID string) (*gh.PR, error)
	CreateDraftPR(ctx context.Context, worktree, title, body, base string) (string, error)
}

// Result is a verdict plus the validated PR URL backing it (empty when
// the verdict has no PR). Only validated URLs may be persisted.
type Result struct {
	Verdict types.Verdict
	PRURL   string
	Stage   string // which tier decided, for the proof log
}

// Evaluator classifies worker outcomes.
type Evaluator struct {
	github     GitHub
	advise     advisor.Advisor
	sup        *proc.Supervisor
	baseBranch string

	// injectable for tests
	commitsAhead func(ctx context.Context, worktree, base string) (int, error)
	isDirty      func(ctx context.Context, worktree string) (bool, error)
}

// New builds an Evaluator. advise may be nil; tier 3 then reports
// ambiguity instead of arbitrating.
func New(github GitHub, advise advisor.Advisor, sup *proc.Supervisor, baseBranch string) *Evaluator {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Evaluator{
		github:       github,
		advise:       advise,
		sup:          sup,
		baseBranch:   baseBranch,
		commitsAhead: gitx.CommitsAhead,
		isDirty:      gitx.IsDirty,
	}
}

// Evaluate produces exactly one verdict for a finished worker.
func (e *Evaluator) Evaluate(ctx context.Context, task *types.Task) (Result, error) {
	// Tier 0: infrastructure diagnostics.
	if task.LogFile == "" {
		return Result{Verdict: failed("no_log_path_in_db" + e.pidSuffix(task)), Stage: "tier0"}, nil
	}
	log, err := ParseLog(task.LogFile)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse log for %s: %w", task.ID, err)
	}
	if log.RawPathMissing {
		detail := "log_file_missing"
		if e.sup != nil {
			if diag := e.sup.DiagnoseWrapper(task.ID); diag != "" {
				detail += ":" + diag
			}
		}
		return Result{Verdict: failed(detail + e.pidSuffix(task)), Stage: "tier0"}, nil
	}
	if log.Empty {
		return Result{Verdict: failed("log_file_empty"), Stage: "tier0"}, nil
	}
	if !log.HasStart && log.Substantive < 5 {
		detail := "worker_never_started"
		if log.StartupError != "" {
			detail += ":" + sanitizeDetail(log.StartupError)
		} else {
			detail += ":no_sentinel"
		}
		return Result{Verdict: failed(detail), Stage: "tier0"}, nil
	}

	// Tier 1: signals in the final text output.
	if r, ok := e.tierSignals(ctx, task, log); ok {
		return r, nil
	}

	// Tier 1.5: backend errors hidden behind a clean exit.
	if r, ok := tierBackendCleanExit(log); ok {
		return r, nil
	}

	// Tier 1.75: obsolete-task detection.
	if r, ok := tierObsolete(log); ok {
		return r, nil
	}

	// Tier 2: error patterns on non-zero exit.
	if r, ok := tierErrorPatterns(log); ok {
		return r, nil
	}

	// Tier 2.5: git evidence.
	if r, ok := e.tierGitEvidence(ctx, task, log); ok {
		return r, nil
	}

	// Tier 3: AI arbitration.
	return e.tierArbitrate(ctx, task, log), nil
}

func (e *Evaluator) pidSuffix(task *types.Task) string {
	if e.sup == nil {
		return ""
	}
	pid := e.sup.SidecarPID(task.ID)
	if pid == 0 {
		return ":no_pid_file"
	}
	state := "dead"
	if proc.Alive(pid) {
		state = "alive"
	}
	return fmt.Sprintf(":worker_pid_%d_%s", pid, state)
}

func failed(detail string) types.Verdict {
	return types.Verdict{Kind: types.VerdictFailed, Detail: detail}
}
func retry(detail string) types.Verdict {
	return types.Verdict{Kind: types.VerdictRetry, Detail: detail}
}
func blocked(detail string) types.Verdict {
	return types.Verdict{Kind: types.VerdictBlocked, Detail: detail}
}
func complete(detail string) types.Verdict {
	return types.Verdict{Kind: types.VerdictComplete, Detail: detail}
}

// sanitizeDetail folds an arbitrary error line into a verdict-safe token.
func sanitizeDetail(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}

func (e *Evaluator) tierSignals(ctx context.Context, task *types.Task, log *LogInfo) (Result, bool) {
	text := log.FinalText
	prURL := gh.FindPRURL(text)

	validate := func(url string) string {
		if url == "" || e.github == nil {
			return url
		}
		if _, err := e.github.ValidatePRURL(ctx, url, task.ID); err != nil {
			// Unvalidated URLs are cleared, never attributed.
			debug.Logf("Debug: clearing unvalidated pr %s for %s: %v\n", url, task.ID, err)
			return ""
		}
		return url
	}

	has := func(sig string) bool { return strings.Contains(text, sig) }

	switch {
	case has("FULL_LOOP_COMPLETE"):
		url := validate(prURL)
		return Result{Verdict: complete(completionDetail(url, "full_loop")), PRURL: url, Stage: "tier1"}, true
	case has("VERIFY_COMPLETE"):
		url := validate(prURL)
		return Result{Verdict: complete(completionDetail(url, "verify_complete")), PRURL: url, Stage: "tier1"}, true
	case has("VERIFY_INCOMPLETE"):
		if url := validate(prURL); url != "" {
			return Result{Verdict: complete(url), PRURL: url, Stage: "tier1"}, true
		}
		return Result{Verdict: retry("verify_incomplete_no_pr"), Stage: "tier1"}, true
	case has("VERIFY_NOT_STARTED"):
		if url := validate(prURL); url != "" {
			return Result{Verdict: complete(url), PRURL: url, Stage: "tier1"}, true
		}
		// Distinct reason so the next dispatch skips verify mode.
		return Result{Verdict: retry("verify_not_started_needs_full"), Stage: "tier1"}, true
	case has("TASK_COMPLETE") && log.ExitCode == 0:
		url := validate(prURL)
		return Result{Verdict: complete(completionDetail(url, "task_complete")), PRURL: url, Stage: "tier1"}, true
	case strings.Contains(text, "BLOCKED:"):
		_, reason, _ := strings.Cut(text, "BLOCKED:")
		return Result{Verdict: blocked(sanitizeDetail(firstLine(reason))), Stage: "tier1"}, true
	}

	if prURL != "" && log.ExitCode == 0 && !negativeSignals(log) {
		if url := validate(prURL); url != "" {
			return Result{Verdict: complete(url), PRURL: url, Stage: "tier1"}, true
		}
	}
	return Result{}, false
}

func completionDetail(url, fallback string) string {
	if url != "" {
		return url
	}
	return fallback
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func negativeSignals(log *LogInfo) bool {
	return log.TailContains("fatal:", "panic:", "traceback (most recent call last)")
}

// backend-error tokens that some CLIs emit while still exiting 0.
var (
	creditTokens  = []string{"CreditsError", "credit balance", "billing"}
	backendTokens = []string{"overloaded_error", "api_error", "quota", "529", "usage limit"}
)

func tierBackendCleanExit(log *LogInfo) (Result, bool) {
	if log.ExitCode != 0 || log.Substantive > 30 {
		return Result{}, false
	}
	if log.TailContains(creditTokens...) {
		return Result{Verdict: blocked("billing_credits_exhausted"), Stage: "tier1.5"}, true
	}
	if log.TailContains(backendTokens...) {
		return Result{Verdict: retry("backend_quota_error"), Stage: "tier1.5"}, true
	}
	return Result{}, false
}

var obsoletePhrases = []string{
	"already implemented", "already complete", "already exists",
	"no changes needed", "no changes are needed", "nothing to do",
	"task is already done",
}

func tierObsolete(log *LogInfo) (Result, bool) {
	if log.ExitCode != 0 {
		return Result{}, false
	}
	final := strings.ToLower(log.FinalText)
	for _, p := range obsoletePhrases {
		if strings.Contains(final, p) {
			return Result{Verdict: complete("task_obsolete"), Stage: "tier1.75"}, true
		}
	}
	return Result{}, false
}

func tierErrorPatterns(log *LogInfo) (Result, bool) {
	if log.ExitCode == 0 {
		return Result{}, false
	}
	switch log.ExitCode {
	case 130:
		return Result{Verdict: retry("interrupted_sigint"), Stage: "tier2"}, true
	case 137:
		return Result{Verdict: retry("killed_sigkill"), Stage: "tier2"}, true
	case 143:
		return Result{Verdict: retry("terminated_sigterm"), Stage: "tier2"}, true
	}
	switch {
	case log.TailContains("permission denied", "authentication failed", "bad credentials", "403 forbidden"):
		return Result{Verdict: blocked("auth_error"), Stage: "tier2"}, true
	case log.TailContains("merge conflict", "conflict (content)", "automatic merge failed"):
		return Result{Verdict: blocked("merge_conflict"), Stage: "tier2"}, true
	case log.TailContains("out of memory", "oom-kill", "cannot allocate memory"):
		return Result{Verdict: blocked("out_of_memory"), Stage: "tier2"}, true
	case log.TailContains("rate limit", "too many requests", "429"):
		return Result{Verdict: retry("rate_limited"), Stage: "tier2"}, true
	case log.TailContains("timed out", "timeout", "deadline exceeded"):
		return Result{Verdict: retry("timeout"), Stage: "tier2"}, true
	case log.TailContains("overloaded_error", "internal server error", "502", "503", "529"):
		return Result{Verdict: retry("backend_infrastructure_error"), Stage: "tier2"}, true
	}
	return Result{}, false
}

func (e *Evaluator) tierGitEvidence(ctx context.Context, task *types.Task, log *LogInfo) (Result, bool) {
	if task.Worktree == "" || task.Branch == "" {
		return Result{}, false
	}
	ahead, err := e.commitsAhead(ctx, task.Worktree, e.baseBranch)
	if err != nil {
		debug.Logf("Debug: commits-ahead failed for %s: %v\n", task.ID, err)
		return Result{}, false
	}
	dirty, err := e.isDirty(ctx, task.Worktree)
	if err != nil {
		dirty = false
	}

	if ahead > 0 {
		// Recorded PR URL plus commits is completion, once validated.
		if task.PRURL != "" && e.github != nil {
			if _, err := e.github.ValidatePRURL(ctx, task.PRURL, task.ID); err == nil {
				return Result{Verdict: complete(task.PRURL), PRURL: task.PRURL, Stage: "tier2.5"}, true
			}
		}
		// Commits but no PR: adopt the orphaned work as a draft PR so a
		// context-exhausted worker's effort is not lost.
		if e.github != nil {
			title := fmt.Sprintf("%s: %s", task.ID, firstLine(task.Description))
			body := fmt.Sprintf("Draft opened by the supervisor for task %s; the worker committed work but exited before opening a PR.", task.ID)
			url, err := e.github.CreateDraftPR(ctx, task.Worktree, title, body, e.baseBranch)
			if err == nil && url != "" {
				return Result{Verdict: complete(url), PRURL: url, Stage: "tier2.5"}, true
			}
			debug.Logf("Debug: draft adoption failed for %s: %v\n", task.ID, err)
		}
		return Result{Verdict: complete("task_only"), Stage: "tier2.5"}, true
	}
	if dirty {
		return Result{Verdict: retry("work_in_progress"), Stage: "tier2.5"}, true
	}
	if log.ExitCode == 0 {
		// Clean exit, no signal, no PR, no commits, no uncommitted work.
		return Result{Verdict: retry("clean_exit_no_signal"), Stage: "tier2.5"}, true
	}
	return Result{}, false
}

func (e *Evaluator) tierArbitrate(ctx context.Context, task *types.Task, log *LogInfo) Result {
	if e.advise == nil {
		return Result{Verdict: retry("ambiguous_ai_unavailable"), Stage: "tier3"}
	}
	arb, err := e.advise.ArbitrateOutcome(ctx, task.Description, log.ArbTailText())
	if err != nil {
		debug.Logf("Debug: arbitration failed for %s: %v\n", task.ID, err)
		return Result{Verdict: retry("ambiguous_ai_unavailable"), Stage: "tier3"}
	}
	v, err := types.ParseVerdict(arb.Outcome + ":" + arb.Detail)
	if err != nil {
		return Result{Verdict: retry("ambiguous_ai_unavailable"), Stage: "tier3"}
	}
	return Result{Verdict: v, Stage: "tier3"}
}
