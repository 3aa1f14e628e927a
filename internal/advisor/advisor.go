// Package advisor holds the AI-in-the-loop decision points: outcome
// arbitration for ambiguous workers and PR lifecycle decisions. Both run
// behind an interface with a deterministic rule-based fallback so the
// rest of the system (and its tests) never depend on a live provider.
package advisor

import (
	"context"
	"strings"
)

// PRAction is the closed grammar of PR lifecycle decisions.
type PRAction string

const (
	ActionMergePR          PRAction = "merge_pr"
	ActionUpdateBranch     PRAction = "update_branch"
	ActionRebaseBranch     PRAction = "rebase_branch"
	ActionFixCI            PRAction = "fix_ci"
	ActionResolveConflicts PRAction = "resolve_conflicts"
	ActionFixAndPush       PRAction = "fix_and_push"
	ActionPromoteDraft     PRAction = "promote_draft"
	ActionClosePR          PRAction = "close_pr"
	ActionDeploy           PRAction = "deploy"
	ActionMarkComplete     PRAction = "mark_complete"
	ActionDismissReviews   PRAction = "dismiss_reviews"
	ActionRetryCI          PRAction = "retry_ci"
	ActionWait             PRAction = "wait"
	ActionCancel           PRAction = "cancel"
)

// ValidPRAction reports membership in the decision grammar.
func ValidPRAction(a PRAction) bool {
	switch a {
	case ActionMergePR, ActionUpdateBranch, ActionRebaseBranch, ActionFixCI,
		ActionResolveConflicts, ActionFixAndPush, ActionPromoteDraft,
		ActionClosePR, ActionDeploy, ActionMarkComplete, ActionDismissReviews,
		ActionRetryCI, ActionWait, ActionCancel:
		return true
	}
	return false
}

// PRSnapshot is the structured state the decision is made from.
type PRSnapshot struct {
	TaskID           string
	Status           string
	PRURL            string
	PRState          string // OPEN, CLOSED, MERGED
	IsDraft          bool
	ReviewDecision   string
	Mergeable        string
	MergeStateStatus string
	ChecksFailing    bool
	WorkerAlive      bool
	WorktreeExists   bool
	RecentHistory    []string // last transitions, newest first
}

// Decision is a PR action plus the advisor's one-line justification.
type Decision struct {
	Action PRAction
	Reason string
}

// Arbitration is the outcome arbitration result for an ambiguous worker:
// one of complete/retry/blocked/failed plus a detail token.
type Arbitration struct {
	Outcome string // complete | retry | blocked | failed
	Detail  string
}

// Advisor is the decision surface. Implementations: Anthropic-backed
// (production) and rule-based (fallback and CI).
type Advisor interface {
	// ArbitrateOutcome classifies an ambiguous finished worker from its
	// task description and log tail.
	ArbitrateOutcome(ctx context.Context, taskDesc, logTail string) (Arbitration, error)
	// DecidePRAction picks the next lifecycle action for a PR-bearing task.
	DecidePRAction(ctx context.Context, snap PRSnapshot) (Decision, error)
	// Name identifies the decision-maker in proof logs.
	Name() string
}

// parseDecisionLine parses "action: reason" (or a bare action) emitted by
// the model under the fixed grammar.
func parseDecisionLine(line string) (Decision, bool) {
	line = strings.TrimSpace(line)
	action, reason, _ := strings.Cut(line, ":")
	d := Decision{Action: PRAction(strings.TrimSpace(strings.ToLower(action))), Reason: strings.TrimSpace(reason)}
	if !ValidPRAction(d.Action) {
		return Decision{}, false
	}
	return d, true
}

// parseArbitrationLine parses "outcome:detail" from the arbitrator.
func parseArbitrationLine(line string) (Arbitration, bool) {
	line = strings.TrimSpace(line)
	outcome, detail, _ := strings.Cut(line, ":")
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	switch outcome {
	case "complete", "retry", "blocked", "failed":
		return Arbitration{Outcome: outcome, Detail: strings.TrimSpace(detail)}, true
	}
	return Arbitration{}, false
}
