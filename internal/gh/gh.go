// Package gh wraps the gh CLI's JSON surface: PR inspection, merge and
// branch operations, draft-PR creation, and the word-boundary attribution
// check that guards every PR URL the supervisor persists.
package gh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/untoldecay/Shepherd/internal/debug"
)

// ErrNotAttributed means a PR failed the word-boundary attribution check
// against its task ID.
var ErrNotAttributed = errors.New("pr not attributed to task")

// PR is the subset of the GitHub PR JSON the lifecycle engine consumes.
type PR struct {
	URL              string     `json:"url"`
	Number           int        `json:"number"`
	Title            string     `json:"title"`
	State            string     `json:"state"` // OPEN, CLOSED, MERGED
	IsDraft          bool       `json:"isDraft"`
	ReviewDecision   string     `json:"reviewDecision"` // APPROVED, CHANGES_REQUESTED, ""
	Mergeable        string     `json:"mergeable"`      // MERGEABLE, CONFLICTING, UNKNOWN
	MergeStateStatus string     `json:"mergeStateStatus"`
	BaseRefName      string     `json:"baseRefName"`
	HeadRefName      string     `json:"headRefName"`
	StatusChecks     []struct { // statusCheckRollup entries
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"statusCheckRollup"`
	Files []struct {
		Path string `json:"path"`
	} `json:"files"`
}

// ChecksFailing reports whether any status check concluded FAILURE.
func (p *PR) ChecksFailing() bool {
	for _, c := range p.StatusChecks {
		if strings.EqualFold(c.Conclusion, "FAILURE") {
			return true
		}
	}
	return false
}

// ChangedPaths returns the PR's changed file paths.
func (p *PR) ChangedPaths() []string {
	paths := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// runner abstracts gh CLI execution for tests.
type runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execGH(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("gh %s: %w", args[0], err)
	}
	return out, nil
}

// Client issues gh CLI calls.
type Client struct {
	run        runner
	maxRetries int
	backoff    time.Duration
}

// NewClient returns a Client using the real gh binary.
func NewClient() *Client {
	return &Client{run: execGH, maxRetries: 3, backoff: time.Second}
}

const prJSONFields = "url,number,title,state,isDraft,reviewDecision,mergeable,mergeStateStatus,baseRefName,headRefName,statusCheckRollup,files"

// ViewPR fetches the PR behind a URL.
func (c *Client) ViewPR(ctx context.Context, url string) (*PR, error) {
	out, err := c.run(ctx, "", "pr", "view", url, "--json", prJSONFields)
	if err != nil {
		return nil, err
	}
	var pr PR
	if err := json.Unmarshal(out, &pr); err != nil {
		return nil, fmt.Errorf("unparseable pr json for %s: %w", url, err)
	}
	if pr.URL == "" {
		pr.URL = url
	}
	return &pr, nil
}

// Attributed reports whether the PR's title or head branch contains the
// task ID as a word-boundary token, so t195 never matches t1950.
func Attributed(pr *PR, taskID string) bool {
	re, err := regexp.Compile(`(^|[^a-zA-Z0-9])` + regexp.QuoteMeta(taskID) + `([^a-zA-Z0-9]|$)`)
	if err != nil {
		return false
	}
	return re.MatchString(pr.Title) || re.MatchString(pr.HeadRefName)
}

// ValidatePRURL fetches the PR and runs the attribution check, retrying
// transient GitHub errors with exponential backoff. Returns
// ErrNotAttributed when the PR exists but belongs to another task.
func (c *Client) ValidatePRURL(ctx context.Context, url, taskID string) (*PR, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		pr, err := c.ViewPR(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if !Attributed(pr, taskID) {
			return nil, fmt.Errorf("%w: %s vs %s", ErrNotAttributed, url, taskID)
		}
		return pr, nil
	}
	return nil, fmt.Errorf("pr validation failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// MergePR squash-merges and deletes the head branch.
func (c *Client) MergePR(ctx context.Context, url string) error {
	_, err := c.run(ctx, "", "pr", "merge", url, "--squash", "--delete-branch")
	return err
}

// ClosePR closes without merging.
func (c *Client) ClosePR(ctx context.Context, url, comment string) error {
	args := []string{"pr", "close", url}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	_, err := c.run(ctx, "", args...)
	return err
}

// PromoteDraft marks a draft PR ready for review.
func (c *Client) PromoteDraft(ctx context.Context, url string) error {
	_, err := c.run(ctx, "", "pr", "ready", url)
	return err
}

// UpdateBranch merges the base branch into the PR branch server-side.
func (c *Client) UpdateBranch(ctx context.Context, url string) error {
	_, err := c.run(ctx, "", "pr", "update-branch", url)
	return err
}

// DismissReviews dismisses stale change requests via the REST API.
func (c *Client) DismissReviews(ctx context.Context, url string) error {
	owner, repo, number, err := ParsePRURL(url)
	if err != nil {
		return err
	}
	out, err := c.run(ctx, "", "api",
		fmt.Sprintf("repos/%s/%s/pulls/%d/reviews", owner, repo, number),
		"--jq", `.[] | select(.state == "CHANGES_REQUESTED") | .id`)
	if err != nil {
		return err
	}
	for _, id := range strings.Fields(string(out)) {
		if _, err := c.run(ctx, "", "api", "--method", "PUT",
			fmt.Sprintf("repos/%s/%s/pulls/%d/reviews/%s/dismissals", owner, repo, number, id),
			"-f", "message=superseded by new commits"); err != nil {
			return err
		}
	}
	return nil
}

// RetryChecks re-requests failed check runs.
func (c *Client) RetryChecks(ctx context.Context, url string) error {
	_, err := c.run(ctx, "", "pr", "checks", url, "--rerun-failed")
	return err
}

// CreateDraftPR opens a draft PR from the worktree's current branch. Used
// by the evaluator to preserve orphaned work whose worker ran out of
// context before opening its own PR.
func (c *Client) CreateDraftPR(ctx context.Context, worktree, title, body, base string) (string, error) {
	out, err := c.run(ctx, worktree, "pr", "create", "--draft",
		"--title", title, "--body", body, "--base", base)
	if err != nil {
		return "", err
	}
	url := strings.TrimSpace(string(out))
	if !prURLRE.MatchString(url) {
		// gh prints the URL on the last line; tolerate preceding chatter.
		lines := strings.Split(url, "\n")
		url = strings.TrimSpace(lines[len(lines)-1])
		if !prURLRE.MatchString(url) {
			return "", fmt.Errorf("gh pr create returned no PR URL: %q", out)
		}
	}
	return url, nil
}

// CommentIssue posts a comment on an issue URL.
func (c *Client) CommentIssue(ctx context.Context, issueURL, body string) error {
	_, err := c.run(ctx, "", "issue", "comment", issueURL, "--body", body)
	return err
}

// AuthUsable reports whether gh has working credentials.
func (c *Client) AuthUsable(ctx context.Context) bool {
	_, err := c.run(ctx, "", "auth", "status")
	if err != nil {
		debug.Logf("Debug: gh auth status failed: %v\n", err)
		return false
	}
	return true
}

var prURLRE = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/pull/(\d+)$`)

// ParsePRURL splits a canonical PR URL into owner, repo, and number.
func ParsePRURL(url string) (owner, repo string, number int, err error) {
	m := prURLRE.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", "", 0, fmt.Errorf("not a pr url: %q", url)
	}
	if _, err := fmt.Sscanf(m[3], "%d", &number); err != nil {
		return "", "", 0, err
	}
	return m[1], m[2], number, nil
}

// FindPRURL extracts the first canonical PR URL in text, or "".
var prURLInTextRE = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

func FindPRURL(text string) string {
	return prURLInTextRE.FindString(text)
}
