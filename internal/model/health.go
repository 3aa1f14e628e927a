package model

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/untoldecay/Shepherd/internal/debug"
)

// HealthStatus is the outcome of a provider health probe.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Unavailable
	RateLimited
	KeyInvalid // invalid key or credits exhausted; blocks pending human action
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unavailable:
		return "unavailable"
	case RateLimited:
		return "rate_limited"
	case KeyInvalid:
		return "key_invalid_or_credits_exhausted"
	}
	return "unknown"
}

const (
	modelsEndpoint  = "https://api.anthropic.com/v1/models"
	defaultCacheTTL = 5 * time.Minute
	probeTimeout    = 10 * time.Second
)

// HealthChecker probes provider availability. Results are cached for a
// TTL, with a pulse-lifetime fast-path bit so a pulse touching dozens of
// tasks probes at most once.
type HealthChecker struct {
	endpoint string
	apiKey   string
	cacheTTL time.Duration
	client   *http.Client

	// fallbackCmd runs a short provider command when the HTTP probe is
	// inconclusive. Empty disables the fallback.
	fallbackCmd []string

	mu         sync.Mutex
	cached     HealthStatus
	cachedAt   time.Time
	pulseCheck bool // fast-path bit, reset at pulse start
}

// NewHealthChecker builds a checker against the provider's model-listing
// endpoint. The API key comes from ANTHROPIC_API_KEY when apiKey is
// empty.
func NewHealthChecker(apiKey string, cacheTTL time.Duration) *HealthChecker {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &HealthChecker{
		endpoint:    modelsEndpoint,
		apiKey:      apiKey,
		cacheTTL:    cacheTTL,
		client:      &http.Client{Timeout: probeTimeout},
		fallbackCmd: []string{"claude", "--version"},
	}
}

// BeginPulse resets the fast-path bit; the first Check of the pulse does
// a real (or TTL-cached) probe and later Checks reuse it unconditionally.
func (h *HealthChecker) BeginPulse() {
	h.mu.Lock()
	h.pulseCheck = false
	h.mu.Unlock()
}

// Check returns the provider health, consulting the pulse fast path and
// the TTL cache before probing.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.Lock()
	if h.pulseCheck {
		status := h.cached
		h.mu.Unlock()
		return status
	}
	if !h.cachedAt.IsZero() && time.Since(h.cachedAt) < h.cacheTTL {
		h.pulseCheck = true
		status := h.cached
		h.mu.Unlock()
		return status
	}
	h.mu.Unlock()

	status := h.probe(ctx)
	h.mu.Lock()
	h.cached = status
	h.cachedAt = time.Now()
	h.pulseCheck = true
	h.mu.Unlock()
	return status
}

func (h *HealthChecker) probe(ctx context.Context) HealthStatus {
	status, conclusive := h.httpProbe(ctx)
	if conclusive {
		return status
	}
	return h.cmdProbe(ctx)
}

// httpProbe hits the model-listing endpoint. The second return is false
// when the result should not be trusted (network trouble on our side).
func (h *HealthChecker) httpProbe(ctx context.Context) (HealthStatus, bool) {
	if h.apiKey == "" {
		return KeyInvalid, true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return Unavailable, false
	}
	req.Header.Set("x-api-key", h.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := h.client.Do(req)
	if err != nil {
		debug.Logf("Debug: health probe failed: %v\n", err)
		return Unavailable, false
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return Healthy, true
	case resp.StatusCode == http.StatusTooManyRequests:
		return RateLimited, true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return KeyInvalid, true
	case resp.StatusCode == http.StatusPaymentRequired:
		return KeyInvalid, true
	case resp.StatusCode >= 500:
		return Unavailable, true
	}
	return Unavailable, false
}

// cmdProbe is the fallback: a short command execution against the
// provider CLI. A working CLI strongly implies a reachable provider.
func (h *HealthChecker) cmdProbe(ctx context.Context) HealthStatus {
	if len(h.fallbackCmd) == 0 {
		return Unavailable
	}
	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, h.fallbackCmd[0], h.fallbackCmd[1:]...) // #nosec G204 - fixed probe command
	if err := cmd.Run(); err != nil {
		debug.Logf("Debug: fallback health probe failed: %v\n", err)
		return Unavailable
	}
	return Healthy
}
