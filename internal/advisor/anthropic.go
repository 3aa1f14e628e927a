package advisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAdvisorModel = "claude-3-5-haiku-20241022"
	maxRetries          = 3
	initialBackoff      = 1 * time.Second
)

// ErrAPIKeyRequired is returned when no API key is configured.
var ErrAPIKeyRequired = errors.New("API key required")

// AnthropicAdvisor implements Advisor against the Anthropic API using a
// cheap model. Both decision points expect a single-line answer.
type AnthropicAdvisor struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropicAdvisor creates an advisor. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit key.
func NewAnthropicAdvisor(apiKey, model string) (*AnthropicAdvisor, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide via config", ErrAPIKeyRequired)
	}
	if model == "" {
		model = defaultAdvisorModel
	}
	return &AnthropicAdvisor{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Name identifies the decision-maker in proof logs.
func (a *AnthropicAdvisor) Name() string { return string(a.model) }

const arbitrationPrompt = `You are judging the outcome of an autonomous coding worker.

Task description:
%s

Final portion of the worker's log:
%s

Answer with exactly one line of the form outcome:detail where outcome is
one of complete, retry, blocked, failed, and detail is a short
snake_case token. No other text.`

// ArbitrateOutcome ships the log tail to the model for a one-line verdict.
func (a *AnthropicAdvisor) ArbitrateOutcome(ctx context.Context, taskDesc, logTail string) (Arbitration, error) {
	resp, err := a.callWithRetry(ctx, fmt.Sprintf(arbitrationPrompt, taskDesc, logTail))
	if err != nil {
		return Arbitration{}, err
	}
	arb, ok := parseArbitrationLine(lastNonEmptyLine(resp))
	if !ok {
		return Arbitration{}, fmt.Errorf("unparseable arbitration %q", resp)
	}
	return arb, nil
}

const decisionPrompt = `You manage pull requests for an autonomous coding system.

Current state:
%s

Pick the single best next action from this exact list:
merge_pr, update_branch, rebase_branch, fix_ci, resolve_conflicts,
fix_and_push, promote_draft, close_pr, deploy, mark_complete,
dismiss_reviews, retry_ci, wait, cancel

Answer with exactly one line of the form action: reason. No other text.`

// DecidePRAction submits the snapshot under the fixed decision grammar.
func (a *AnthropicAdvisor) DecidePRAction(ctx context.Context, snap PRSnapshot) (Decision, error) {
	resp, err := a.callWithRetry(ctx, fmt.Sprintf(decisionPrompt, renderSnapshot(snap)))
	if err != nil {
		return Decision{}, err
	}
	d, ok := parseDecisionLine(lastNonEmptyLine(resp))
	if !ok {
		return Decision{}, fmt.Errorf("decision outside grammar: %q", resp)
	}
	return d, nil
}

func renderSnapshot(s PRSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\nstatus: %s\npr: %s\npr_state: %s\ndraft: %v\n",
		s.TaskID, s.Status, s.PRURL, s.PRState, s.IsDraft)
	fmt.Fprintf(&b, "review_decision: %s\nmergeable: %s\nmerge_state: %s\nchecks_failing: %v\n",
		s.ReviewDecision, s.Mergeable, s.MergeStateStatus, s.ChecksFailing)
	fmt.Fprintf(&b, "worker_alive: %v\nworktree_exists: %v\n", s.WorkerAlive, s.WorktreeExists)
	if len(s.RecentHistory) > 0 {
		fmt.Fprintf(&b, "recent_transitions: %s\n", strings.Join(s.RecentHistory, "; "))
	}
	return b.String()
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func (a *AnthropicAdvisor) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) > 0 && message.Content[0].Type == "text" {
				return message.Content[0].Text, nil
			}
			return "", fmt.Errorf("unexpected response format: no text block")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", a.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
