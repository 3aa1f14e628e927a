package types

import (
	"fmt"
	"strings"
)

// VerdictKind is the top-level classification of a finished worker.
type VerdictKind string

const (
	VerdictComplete VerdictKind = "complete"
	VerdictRetry    VerdictKind = "retry"
	VerdictBlocked  VerdictKind = "blocked"
	VerdictFailed   VerdictKind = "failed"
	VerdictEscalate VerdictKind = "escalate"
)

// Verdict is the evaluator's classification of a worker outcome.
// Its string form is always "kind:detail" (or bare "kind" when the
// detail is empty), which is the shape recorded in proof logs and
// matched by the retry controller.
type Verdict struct {
	Kind   VerdictKind
	Detail string
}

func (v Verdict) String() string {
	if v.Detail == "" {
		return string(v.Kind)
	}
	return string(v.Kind) + ":" + v.Detail
}

// ParseVerdict parses the "kind:detail" wire form back into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	kind, detail, _ := strings.Cut(s, ":")
	switch VerdictKind(kind) {
	case VerdictComplete, VerdictRetry, VerdictBlocked, VerdictFailed, VerdictEscalate:
		return Verdict{Kind: VerdictKind(kind), Detail: detail}, nil
	}
	return Verdict{}, fmt.Errorf("unknown verdict kind %q", kind)
}

// FailureClass tags every recorded failure for pattern tracking.
// TRANSIENT and ENVIRONMENT failures do not consume the retry counter.
type FailureClass string

const (
	FailTransient   FailureClass = "TRANSIENT"
	FailResource    FailureClass = "RESOURCE"
	FailEnvironment FailureClass = "ENVIRONMENT"
	FailLogic       FailureClass = "LOGIC"
	FailBlocked     FailureClass = "BLOCKED"
	FailAmbiguous   FailureClass = "AMBIGUOUS"
)

// ConsumesRetry reports whether a failure of this class should decrement
// the task's remaining retry budget.
func (c FailureClass) ConsumesRetry() bool {
	return c != FailTransient && c != FailEnvironment
}

// ClassifyFailure maps a retry/blocked/failed verdict detail to its
// failure class. Unknown reasons classify as AMBIGUOUS.
func ClassifyFailure(detail string) FailureClass {
	switch {
	case strings.HasPrefix(detail, "rate_limited"),
		strings.HasPrefix(detail, "backend_infrastructure_error"),
		strings.HasPrefix(detail, "backend_quota_error"),
		strings.HasPrefix(detail, "timeout"):
		return FailTransient
	case strings.HasPrefix(detail, "out_of_memory"):
		return FailResource
	case strings.HasPrefix(detail, "worker_never_started"),
		strings.HasPrefix(detail, "no_log_path_in_db"),
		strings.HasPrefix(detail, "log_file_missing"),
		strings.HasPrefix(detail, "log_file_empty"):
		return FailEnvironment
	case strings.HasPrefix(detail, "auth_error"),
		strings.HasPrefix(detail, "merge_conflict"),
		strings.HasPrefix(detail, "billing_credits_exhausted"):
		return FailBlocked
	case strings.HasPrefix(detail, "interrupted_sigint"),
		strings.HasPrefix(detail, "killed_sigkill"),
		strings.HasPrefix(detail, "terminated_sigterm"),
		strings.HasPrefix(detail, "work_in_progress"),
		strings.HasPrefix(detail, "verify_"):
		return FailLogic
	case strings.HasPrefix(detail, "ambiguous"),
		strings.HasPrefix(detail, "clean_exit_no_signal"):
		return FailAmbiguous
	}
	return FailAmbiguous
}

// ModelTier is the symbolic capability tier a task runs at.
type ModelTier string

const (
	TierHaiku  ModelTier = "haiku"
	TierSonnet ModelTier = "sonnet"
	TierOpus   ModelTier = "opus"

	// TierContest signals the dispatcher to fan the task out to multiple
	// models via the contest subsystem instead of a single worker.
	TierContest ModelTier = "CONTEST"
)

// NextTier returns the next-higher tier for quality-gate escalation, and
// false when already at the ceiling.
func NextTier(t ModelTier) (ModelTier, bool) {
	switch t {
	case TierHaiku:
		return TierSonnet, true
	case TierSonnet:
		return TierOpus, true
	}
	return t, false
}

// TierOf maps a concrete model string back to its symbolic tier. Alternate
// provider names (flash/pro) fold into the matching tier.
func TierOf(model string) ModelTier {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"), strings.Contains(m, "pro"):
		return TierOpus
	case strings.Contains(m, "haiku"), strings.Contains(m, "flash"):
		return TierHaiku
	}
	return TierSonnet
}
