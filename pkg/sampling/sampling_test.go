package sampling

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecide_DisabledAcceptsEverything(t *testing.T) {
	cfg := Config{Enabled: false, Strategy: StrategyDeterministic, Rate: 0}

	for i := 0; i < 100; i++ {
		d := Decide(cfg, "tenant-a", fmt.Sprintf("user-%d", i), time.Now())
		assert.True(t, d.Accept)
		assert.False(t, d.Sampled)
	}
}

func TestDecide_RateBoundaries(t *testing.T) {
	now := time.Now()

	full := Decide(Config{Enabled: true, Strategy: StrategyRandom, Rate: 1.0}, "t", "u", now)
	assert.True(t, full.Accept, "rate 1.0 must accept")

	none := Decide(Config{Enabled: true, Strategy: StrategyRandom, Rate: 0.0}, "t", "u", now)
	assert.False(t, none.Accept, "rate 0.0 must reject")
	assert.True(t, none.Sampled)
}

func TestDecide_DeterministicIsReproducible(t *testing.T) {
	cfg := Config{Enabled: true, Strategy: StrategyDeterministic, Rate: 0.5}
	now := time.Now()

	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		first := Decide(cfg, "tenant-a", user, now)
		for rep := 0; rep < 5; rep++ {
			again := Decide(cfg, "tenant-a", user, now.Add(time.Duration(rep)*time.Hour))
			assert.Equal(t, first.Accept, again.Accept, "user %s flipped decision", user)
		}
	}
}

func TestDecide_DeterministicDiffersAcrossTenants(t *testing.T) {
	// The tenant id is part of the hash input, so at rate 0.5 a large user
	// population must not get identical decisions under two tenants.
	cfg := Config{Enabled: true, Strategy: StrategyDeterministic, Rate: 0.5}
	now := time.Now()

	same := 0
	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		a := Decide(cfg, "tenant-a", user, now)
		b := Decide(cfg, "tenant-b", user, now)
		if a.Accept == b.Accept {
			same++
		}
	}
	assert.Less(t, same, 650)
	assert.Greater(t, same, 350)
}

func TestDecide_DeterministicRateApproximation(t *testing.T) {
	cfg := Config{Enabled: true, Strategy: StrategyDeterministic, Rate: 0.5}
	now := time.Now()

	accepted := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if Decide(cfg, "tenant-a", fmt.Sprintf("user-%d", i), now).Accept {
			accepted++
		}
	}
	frac := float64(accepted) / n
	assert.InDelta(t, 0.5, frac, 0.03, "accepted fraction %f", frac)
}

func TestDecide_RandomRateApproximation(t *testing.T) {
	const n = 10000
	for _, rate := range []float64{0.1, 0.5, 0.9} {
		cfg := Config{Enabled: true, Strategy: StrategyRandom, Rate: rate}

		accepted := 0
		for i := 0; i < n; i++ {
			if Decide(cfg, "tenant-a", "user", time.Now()).Accept {
				accepted++
			}
		}
		frac := float64(accepted) / n
		// 4 sigma tolerance.
		tol := 4 * math.Sqrt(rate*(1-rate)/n)
		assert.InDelta(t, rate, frac, tol, "rate %f observed %f", rate, frac)
	}
}

func TestDecide_TimeWindowStableWithinBucket(t *testing.T) {
	cfg := Config{Enabled: true, Strategy: StrategyTimeWindow, Rate: 0.5}
	base := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

	first := Decide(cfg, "tenant-a", "u1", base)
	within := Decide(cfg, "tenant-a", "u2", base.Add(30*time.Second))
	assert.Equal(t, first.Accept, within.Accept, "same minute bucket must agree")
}

func TestDecide_TimeWindowRotatesAcrossBuckets(t *testing.T) {
	cfg := Config{Enabled: true, Strategy: StrategyTimeWindow, Rate: 0.5}
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	accepted := 0
	const buckets = 2000
	for i := 0; i < buckets; i++ {
		if Decide(cfg, "tenant-a", "u", base.Add(time.Duration(i)*time.Minute)).Accept {
			accepted++
		}
	}
	frac := float64(accepted) / buckets
	assert.InDelta(t, 0.5, frac, 0.06)
}

func TestMerge(t *testing.T) {
	base := Config{Enabled: true, Strategy: StrategyRandom, Rate: 1.0}

	assert.Equal(t, base, Merge(base, nil))

	enabled := false
	assert.False(t, Merge(base, &Override{Enabled: &enabled}).Enabled)

	strat := StrategyDeterministic
	rate := 0.25
	merged := Merge(base, &Override{Strategy: &strat, Rate: &rate})
	assert.Equal(t, StrategyDeterministic, merged.Strategy)
	assert.Equal(t, 0.25, merged.Rate)
	assert.True(t, merged.Enabled, "unset field inherits")
}
