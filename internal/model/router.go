// Package model resolves which concrete model a task runs on. The router
// walks a preference chain (task override, agent frontmatter, learned
// recommendation, complexity classification, default) and the health
// checker probes provider availability before a dispatch commits.
package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

// defaultCatalog maps symbolic tiers to concrete model strings when no
// models.toml overrides them.
var defaultCatalog = map[types.ModelTier]string{
	types.TierHaiku:  "claude-3-5-haiku-20241022",
	types.TierSonnet: "claude-sonnet-4-20250514",
	types.TierOpus:   "claude-opus-4-20250514",
}

// Catalog is the tier -> concrete model mapping, loadable from a
// models.toml file:
//
//	[tiers]
//	haiku = "claude-3-5-haiku-20241022"
//	sonnet = "claude-sonnet-4-20250514"
//	opus = "claude-opus-4-20250514"
type Catalog struct {
	Tiers map[string]string `toml:"tiers"`
}

// LoadCatalog reads a models.toml file, falling back to the built-in
// catalog for any tier the file does not name. A missing file is not an
// error.
func LoadCatalog(path string) (map[types.ModelTier]string, error) {
	out := make(map[types.ModelTier]string, len(defaultCatalog))
	for tier, m := range defaultCatalog {
		out[tier] = m
	}
	if path == "" {
		return out, nil
	}
	var cat Catalog
	if _, err := toml.DecodeFile(path, &cat); err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to parse model catalog %s: %w", path, err)
	}
	for tier, m := range cat.Tiers {
		if m != "" {
			out[types.ModelTier(tier)] = m
		}
	}
	return out, nil
}

// StatsProvider supplies historical per-model outcomes for the learned
// recommendation step. Implemented by the store.
type StatsProvider interface {
	ModelSuccessStats(ctx context.Context) ([]store.SuccessStats, error)
}

// Router resolves tasks to concrete model strings.
type Router struct {
	catalog        map[types.ModelTier]string
	defaultTier    types.ModelTier
	agentsDir      string
	stats          StatsProvider
	minSamples     int
	minSuccessRate float64
}

// Options configures a Router.
type Options struct {
	CatalogPath    string
	DefaultTier    types.ModelTier
	AgentsDir      string // directory of agent definition files with YAML frontmatter
	Stats          StatsProvider
	MinSamples     int     // learned recommendation needs at least this many samples
	MinSuccessRate float64 // and at least this first-try success rate
}

// NewRouter builds a Router. The catalog file is read once at
// construction.
func NewRouter(opts Options) (*Router, error) {
	catalog, err := LoadCatalog(opts.CatalogPath)
	if err != nil {
		return nil, err
	}
	if opts.DefaultTier == "" {
		opts.DefaultTier = types.TierSonnet
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 5
	}
	if opts.MinSuccessRate <= 0 {
		opts.MinSuccessRate = 0.8
	}
	return &Router{
		catalog:        catalog,
		defaultTier:    opts.DefaultTier,
		agentsDir:      opts.AgentsDir,
		stats:          opts.Stats,
		minSamples:     opts.MinSamples,
		minSuccessRate: opts.MinSuccessRate,
	}, nil
}

// Concrete maps a symbolic tier to its concrete model string. CONTEST
// passes through unchanged for the dispatcher to intercept.
func (r *Router) Concrete(tier types.ModelTier) string {
	if tier == types.TierContest {
		return string(types.TierContest)
	}
	if m, ok := r.catalog[tier]; ok {
		return m
	}
	return r.catalog[r.defaultTier]
}

// Resolve picks the model for a task, preferring in order: explicit
// task-level override, agent-definition frontmatter, learned
// recommendation from historical success rates, keyword complexity
// classification, hard-coded default. The returned string is a concrete
// model name except for the CONTEST sentinel.
func (r *Router) Resolve(ctx context.Context, task *types.Task) string {
	if task.Model != "" {
		// Overrides may be symbolic ("opus") or already concrete.
		if strings.EqualFold(task.Model, string(types.TierContest)) {
			return string(types.TierContest)
		}
		if m, ok := r.catalog[types.ModelTier(strings.ToLower(task.Model))]; ok {
			return m
		}
		return task.Model
	}

	if tier, ok := r.agentTier(task); ok {
		return r.Concrete(tier)
	}

	if tier, ok := r.learnedTier(ctx); ok {
		debug.Logf("Debug: learned recommendation %s for %s\n", tier, task.ID)
		return r.Concrete(tier)
	}

	return r.Concrete(ClassifyComplexity(task.Description, task.Tags))
}

// agentFrontmatter is the YAML header of an agent definition file.
type agentFrontmatter struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// agentTier looks for an agent:<name> tag on the task, reads the agent
// definition's YAML frontmatter, and returns its model tier.
func (r *Router) agentTier(task *types.Task) (types.ModelTier, bool) {
	if r.agentsDir == "" {
		return "", false
	}
	var agent string
	for _, tag := range task.Tags {
		if name, ok := strings.CutPrefix(tag, "agent:"); ok {
			agent = name
			break
		}
	}
	if agent == "" {
		return "", false
	}

	data, err := os.ReadFile(filepath.Join(r.agentsDir, agent+".md")) // #nosec G304 - agent name from task tags under a fixed dir
	if err != nil {
		debug.Logf("Debug: agent definition %s unreadable: %v\n", agent, err)
		return "", false
	}
	fm, ok := extractFrontmatter(string(data))
	if !ok {
		return "", false
	}
	var meta agentFrontmatter
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil || meta.Model == "" {
		return "", false
	}
	return types.TierOf(meta.Model), true
}

// extractFrontmatter returns the YAML block between leading "---" fences.
func extractFrontmatter(content string) (string, bool) {
	if !strings.HasPrefix(content, "---\n") {
		return "", false
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// learnedTier recommends haiku when history shows the cheap tier succeeds
// first-try often enough to trust it.
func (r *Router) learnedTier(ctx context.Context) (types.ModelTier, bool) {
	if r.stats == nil {
		return "", false
	}
	stats, err := r.stats.ModelSuccessStats(ctx)
	if err != nil {
		debug.Logf("Debug: model stats unavailable: %v\n", err)
		return "", false
	}
	for _, st := range stats {
		if types.TierOf(st.Model) != types.TierHaiku {
			continue
		}
		if st.Samples >= r.minSamples &&
			float64(st.Successes)/float64(st.Samples) >= r.minSuccessRate {
			return types.TierHaiku, true
		}
	}
	return "", false
}
