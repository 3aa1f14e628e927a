package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

func TestClassifyComplexity(t *testing.T) {
	cases := []struct {
		name string
		desc string
		tags []string
		want types.ModelTier
	}{
		{"explicit trivial tag wins", "redesign the entire architecture", []string{"#trivial"}, types.TierHaiku},
		{"explicit complex tag wins", "fix a typo", []string{"#complex"}, types.TierOpus},
		{"module refactor is complex", "refactor the auth module for clarity", nil, types.TierOpus},
		{"function refactor is medium", "refactor parseHeader to return errors", nil, types.TierSonnet},
		{"architecture keyword", "propose a new architecture for ingestion", nil, types.TierOpus},
		{"typo is trivial", "fix typo in error message", nil, types.TierHaiku},
		{"readme is trivial", "update the readme install section", nil, types.TierHaiku},
		{"plain task defaults to sonnet", "add retry to HTTP client", nil, types.TierSonnet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyComplexity(tc.desc, tc.tags); got != tc.want {
				t.Errorf("ClassifyComplexity(%q, %v) = %s, want %s", tc.desc, tc.tags, got, tc.want)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		cat, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.toml"))
		if err != nil {
			t.Fatalf("LoadCatalog failed: %v", err)
		}
		if cat[types.TierSonnet] == "" {
			t.Error("default sonnet model missing")
		}
	})

	t.Run("file overrides a tier", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "models.toml")
		content := "[tiers]\nopus = \"claude-opus-override\"\n"
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		cat, err := LoadCatalog(path)
		if err != nil {
			t.Fatalf("LoadCatalog failed: %v", err)
		}
		if cat[types.TierOpus] != "claude-opus-override" {
			t.Errorf("override not applied: %s", cat[types.TierOpus])
		}
		if cat[types.TierHaiku] != defaultCatalog[types.TierHaiku] {
			t.Errorf("unnamed tier lost its default: %s", cat[types.TierHaiku])
		}
	})
}

type fakeStats struct{ stats []store.SuccessStats }

func (f *fakeStats) ModelSuccessStats(ctx context.Context) ([]store.SuccessStats, error) {
	return f.stats, nil
}

func TestResolveChain(t *testing.T) {
	ctx := context.Background()

	newRouter := func(t *testing.T, opts Options) *Router {
		t.Helper()
		r, err := NewRouter(opts)
		if err != nil {
			t.Fatalf("NewRouter failed: %v", err)
		}
		return r
	}

	t.Run("explicit override wins", func(t *testing.T) {
		r := newRouter(t, Options{})
		task := &types.Task{ID: "t1", Model: "opus", Description: "fix typo"}
		if got := r.Resolve(ctx, task); got != defaultCatalog[types.TierOpus] {
			t.Errorf("symbolic override not mapped: %s", got)
		}
		task.Model = "claude-custom-model"
		if got := r.Resolve(ctx, task); got != "claude-custom-model" {
			t.Errorf("concrete override not passed through: %s", got)
		}
	})

	t.Run("contest sentinel passes through", func(t *testing.T) {
		r := newRouter(t, Options{})
		task := &types.Task{ID: "t1", Model: "CONTEST"}
		if got := r.Resolve(ctx, task); got != string(types.TierContest) {
			t.Errorf("CONTEST mangled: %s", got)
		}
	})

	t.Run("agent frontmatter", func(t *testing.T) {
		agentsDir := t.TempDir()
		agent := "---\nname: reviewer\nmodel: claude-3-5-haiku-20241022\n---\n\nYou review code.\n"
		if err := os.WriteFile(filepath.Join(agentsDir, "reviewer.md"), []byte(agent), 0600); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		r := newRouter(t, Options{AgentsDir: agentsDir})
		task := &types.Task{ID: "t1", Description: "redesign the architecture", Tags: []string{"agent:reviewer"}}
		if got := r.Resolve(ctx, task); got != defaultCatalog[types.TierHaiku] {
			t.Errorf("agent tier not honoured: %s", got)
		}
	})

	t.Run("learned recommendation", func(t *testing.T) {
		stats := &fakeStats{stats: []store.SuccessStats{
			{Model: "claude-3-5-haiku-20241022", Samples: 10, Successes: 9},
		}}
		r := newRouter(t, Options{Stats: stats, MinSamples: 5, MinSuccessRate: 0.8})
		task := &types.Task{ID: "t1", Description: "add retry to HTTP client"}
		if got := r.Resolve(ctx, task); got != defaultCatalog[types.TierHaiku] {
			t.Errorf("learned haiku recommendation not used: %s", got)
		}
	})

	t.Run("insufficient samples falls to classifier", func(t *testing.T) {
		stats := &fakeStats{stats: []store.SuccessStats{
			{Model: "claude-3-5-haiku-20241022", Samples: 2, Successes: 2},
		}}
		r := newRouter(t, Options{Stats: stats, MinSamples: 5, MinSuccessRate: 0.8})
		task := &types.Task{ID: "t1", Description: "add retry to HTTP client"}
		if got := r.Resolve(ctx, task); got != defaultCatalog[types.TierSonnet] {
			t.Errorf("expected classifier default, got %s", got)
		}
	})
}

func TestHealthCheckerCachesAndFastPaths(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHealthChecker("test-key", time.Minute)
	h.endpoint = srv.URL

	h.BeginPulse()
	for i := 0; i < 5; i++ {
		if got := h.Check(context.Background()); got != Healthy {
			t.Fatalf("expected healthy, got %s", got)
		}
	}
	if hits != 1 {
		t.Errorf("expected 1 probe for the pulse, got %d", hits)
	}

	// Next pulse within the TTL still reuses the cache.
	h.BeginPulse()
	if got := h.Check(context.Background()); got != Healthy {
		t.Fatalf("expected healthy, got %s", got)
	}
	if hits != 1 {
		t.Errorf("TTL cache should have absorbed the second pulse, got %d probes", hits)
	}
}

func TestHealthStatusMapping(t *testing.T) {
	cases := []struct {
		code int
		want HealthStatus
	}{
		{http.StatusOK, Healthy},
		{http.StatusTooManyRequests, RateLimited},
		{http.StatusUnauthorized, KeyInvalid},
		{http.StatusPaymentRequired, KeyInvalid},
		{http.StatusInternalServerError, Unavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}))
		h := NewHealthChecker("test-key", time.Minute)
		h.endpoint = srv.URL
		h.BeginPulse()
		if got := h.Check(context.Background()); got != tc.want {
			t.Errorf("status %d: expected %s, got %s", tc.code, tc.want, got)
		}
		srv.Close()
	}
}

func TestHealthCheckerNoKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	h := NewHealthChecker("", time.Minute)
	h.BeginPulse()
	if got := h.Check(context.Background()); got != KeyInvalid {
		t.Errorf("missing key should report key_invalid, got %s", got)
	}
}
