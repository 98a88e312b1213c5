package sampling

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Strategy selects how events are dropped when sampling is enabled.
type Strategy string

const (
	// StrategyRandom draws a fresh uniform value per event. Not reproducible.
	StrategyRandom Strategy = "random"

	// StrategyDeterministic hashes (user id, tenant id) so the same user
	// always gets the same decision for a fixed rate.
	StrategyDeterministic Strategy = "deterministic"

	// StrategyTimeWindow hashes a coarse time bucket so sampling is uniform
	// across time rather than across users.
	StrategyTimeWindow Strategy = "time_window"
)

// Config is the effective sampling configuration for one event, after tenant
// defaults have been merged with any source override.
type Config struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	Rate     float64  `yaml:"rate" json:"rate"`
}

// Override is a source-level partial config. Nil fields inherit from the
// tenant default.
type Override struct {
	Enabled  *bool     `yaml:"enabled" json:"enabled,omitempty"`
	Strategy *Strategy `yaml:"strategy" json:"strategy,omitempty"`
	Rate     *float64  `yaml:"rate" json:"rate,omitempty"`
}

// Merge returns base overlaid with o. A nil override returns base unchanged.
func Merge(base Config, o *Override) Config {
	if o == nil {
		return base
	}
	out := base
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.Strategy != nil {
		out.Strategy = *o.Strategy
	}
	if o.Rate != nil {
		out.Rate = *o.Rate
	}
	return out
}

// Decision is the transient outcome of a sampling check. It is never
// persisted; Sampled is surfaced back to the caller.
type Decision struct {
	Accept  bool
	Sampled bool
}

// timeWindowBucket is the granularity for StrategyTimeWindow. One minute is
// coarse enough to sample whole bursts together while still rotating the
// accepted windows many times per hour.
const timeWindowBucket = time.Minute

// Decide returns the accept/reject decision for one event. It is pure apart
// from the uniform draw used by StrategyRandom: no I/O, safe on the request
// path.
//
// Hash choice: xxhash64 scaled to [0,1). It is stable across processes and
// platforms, which StrategyDeterministic depends on; implementations in other
// languages must use the same function to reproduce decisions.
func Decide(cfg Config, tenantID, userID string, now time.Time) Decision {
	if !cfg.Enabled || cfg.Rate >= 1.0 {
		return Decision{Accept: true}
	}
	if cfg.Rate <= 0.0 {
		return Decision{Sampled: true}
	}

	switch cfg.Strategy {
	case StrategyDeterministic:
		if userID == "" {
			// No stable identity to hash; fall back to a uniform draw.
			return draw(cfg.Rate)
		}
		if hashUnit(userID+"_"+tenantID) < cfg.Rate {
			return Decision{Accept: true}
		}
		return Decision{Sampled: true}

	case StrategyTimeWindow:
		bucket := now.UTC().Truncate(timeWindowBucket).Unix()
		if hashUnit(tenantID+"@"+strconv.FormatInt(bucket, 10)) < cfg.Rate {
			return Decision{Accept: true}
		}
		return Decision{Sampled: true}

	default:
		// StrategyRandom, and the safety net for unknown strategies.
		return draw(cfg.Rate)
	}
}

func draw(rate float64) Decision {
	if rand.Float64() < rate {
		return Decision{Accept: true}
	}
	return Decision{Sampled: true}
}

// hashUnit maps s to a uniform value in [0,1).
func hashUnit(s string) float64 {
	return float64(xxhash.Sum64String(s)>>11) / float64(1<<53)
}
