package dispatch

import (
	"math"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/untoldecay/Shepherd/internal/types"
)

// ConcurrencyPolicy computes the effective concurrency for a spawn
// attempt. It is consulted per attempt, never cached, so the budget
// tracks current load.
type ConcurrencyPolicy interface {
	Effective(batch *types.Batch, global int) int
}

// LoadAdaptivePolicy scales the batch's base budget by system load:
// effective = clamp(base * weight, 1, min(batch ceiling, global)).
// The weight decays from 1 toward 0 as the 1-minute load average
// approaches the CPU count.
type LoadAdaptivePolicy struct {
	// LoadAvg overrides the loadavg source; tests stub it. Returns the
	// 1-minute average and false when the platform cannot report one.
	LoadAvg func() (float64, bool)
}

// Effective implements ConcurrencyPolicy.
func (p *LoadAdaptivePolicy) Effective(batch *types.Batch, global int) int {
	base := global
	ceiling := global
	factor := 1.0
	if batch != nil {
		if batch.Concurrency > 0 {
			base = batch.Concurrency
		}
		if batch.MaxConcurrency > 0 && batch.MaxConcurrency < ceiling {
			ceiling = batch.MaxConcurrency
		}
		if batch.LoadFactor > 0 {
			factor = batch.LoadFactor
		}
	}

	weight := 1.0
	loadFn := p.LoadAvg
	if loadFn == nil {
		loadFn = sysLoadAvg
	}
	if load, ok := loadFn(); ok {
		cpus := float64(runtime.NumCPU())
		perCPU := load / cpus
		// Full budget up to 50% saturation, then a linear fade.
		if perCPU > 0.5 {
			weight = math.Max(0, 1.5-perCPU)
		}
	}

	effective := int(math.Round(float64(base) * factor * weight))
	if effective < 1 {
		effective = 1
	}
	if effective > ceiling {
		effective = ceiling
	}
	return effective
}

// sysLoadAvg reads the 1-minute load average.
func sysLoadAvg() (float64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	const scale = 1 << 16 // SI_LOAD_SHIFT fixed point
	return float64(info.Loads[0]) / scale, true
}

// FixedPolicy ignores load entirely; useful for tests and small hosts.
type FixedPolicy struct{ Limit int }

func (p FixedPolicy) Effective(batch *types.Batch, global int) int {
	limit := p.Limit
	if limit <= 0 {
		limit = global
	}
	if batch != nil && batch.MaxConcurrency > 0 && batch.MaxConcurrency < limit {
		limit = batch.MaxConcurrency
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
