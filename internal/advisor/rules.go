package advisor

import (
	"context"
	"strings"
)

// RuleAdvisor is the deterministic fallback: conservative rules over the
// same inputs. It is also what CI exercises, so its decisions must stay
// within the grammar and never require network access.
type RuleAdvisor struct {
	// AllowUnreviewedMerge mirrors the merge gate opt-in.
	AllowUnreviewedMerge bool
}

// Name identifies the decision-maker in proof logs.
func (r *RuleAdvisor) Name() string { return "rule-advisor" }

// ArbitrateOutcome applies keyword rules over the log tail. Unknown
// shapes default to retry so ambiguous work is re-attempted rather than
// buried.
func (r *RuleAdvisor) ArbitrateOutcome(ctx context.Context, taskDesc, logTail string) (Arbitration, error) {
	tail := strings.ToLower(logTail)
	switch {
	case strings.Contains(tail, "blocked:"):
		return Arbitration{Outcome: "blocked", Detail: "worker_reported_blocked"}, nil
	case strings.Contains(tail, "already implemented"),
		strings.Contains(tail, "no changes needed"),
		strings.Contains(tail, "nothing to do"):
		return Arbitration{Outcome: "complete", Detail: "task_obsolete"}, nil
	case strings.Contains(tail, "permission denied"),
		strings.Contains(tail, "authentication failed"):
		return Arbitration{Outcome: "blocked", Detail: "auth_error"}, nil
	}
	return Arbitration{Outcome: "retry", Detail: "ambiguous_rule_fallback"}, nil
}

// DecidePRAction walks a fixed precedence over the snapshot. The order
// mirrors how a careful operator triages a PR: terminal states first,
// then blockers, then merge readiness.
func (r *RuleAdvisor) DecidePRAction(ctx context.Context, snap PRSnapshot) (Decision, error) {
	switch strings.ToUpper(snap.PRState) {
	case "MERGED":
		if snap.Status == "merged" || snap.Status == "deploying" {
			return Decision{Action: ActionDeploy, Reason: "pr merged, deploy pending"}, nil
		}
		return Decision{Action: ActionMarkComplete, Reason: "pr already merged"}, nil
	case "CLOSED":
		return Decision{Action: ActionCancel, Reason: "pr closed without merge"}, nil
	}

	if snap.WorkerAlive {
		return Decision{Action: ActionWait, Reason: "worker still running"}, nil
	}
	if strings.EqualFold(snap.Mergeable, "CONFLICTING") {
		return Decision{Action: ActionResolveConflicts, Reason: "merge conflicts present"}, nil
	}
	if snap.ChecksFailing {
		return Decision{Action: ActionFixCI, Reason: "status checks failing"}, nil
	}
	if strings.EqualFold(snap.MergeStateStatus, "BEHIND") {
		return Decision{Action: ActionUpdateBranch, Reason: "branch behind base"}, nil
	}
	if snap.IsDraft {
		return Decision{Action: ActionPromoteDraft, Reason: "work finished, still draft"}, nil
	}
	if strings.EqualFold(snap.ReviewDecision, "APPROVED") || r.AllowUnreviewedMerge {
		if strings.EqualFold(snap.MergeStateStatus, "CLEAN") ||
			strings.EqualFold(snap.Mergeable, "MERGEABLE") {
			return Decision{Action: ActionMergePR, Reason: "approved and clean"}, nil
		}
	}
	if strings.EqualFold(snap.ReviewDecision, "CHANGES_REQUESTED") {
		return Decision{Action: ActionFixAndPush, Reason: "review requested changes"}, nil
	}
	return Decision{Action: ActionWait, Reason: "awaiting review"}, nil
}
