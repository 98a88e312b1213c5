// Package aggregation computes time-bucketed rollups from raw events.
// Every granularity is computed independently from the raw data, never
// from a finer rollup, so a recomputed bucket always reflects exactly
// what is stored. Per-granularity watermarks guard against recomputing
// buckets that are already final.
package aggregation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tkarski/eventgate/pkg/config"
	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// Granularities in computation order, finest first.
var Granularities = []store.Granularity{
	store.GranularityFiveMinute,
	store.GranularityHourly,
	store.GranularityDaily,
}

// Engine drives rollup computation for all tenants.
type Engine struct {
	store    store.Store
	registry *tenant.Registry
	log      zerolog.Logger

	// mu admits one watermark-driven pass at a time; the scheduler ticker
	// and the ops endpoint may both trigger one.
	mu sync.Mutex

	now func() time.Time
}

// New creates an aggregation engine.
func New(st store.Store, reg *tenant.Registry, log zerolog.Logger) *Engine {
	return &Engine{store: st, registry: reg, log: log, now: time.Now}
}

func watermarkName(g store.Granularity) string { return "agg:" + string(g) }

// RunAll computes pending buckets for every granularity, finest first. A
// call that finds another pass already running returns immediately with
// zero buckets.
func (e *Engine) RunAll(ctx context.Context) (int, error) {
	if !e.mu.TryLock() {
		e.log.Debug().Msg("aggregation pass already running, skipping")
		return 0, nil
	}
	defer e.mu.Unlock()

	total := 0
	for _, g := range Granularities {
		n, err := e.runGranularity(ctx, g)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RunGranularity computes every complete bucket after the granularity's
// watermark and advances the watermark past each computed bucket. Buckets
// still in progress are left for the next run. Returns the number of
// buckets computed, or zero immediately when another pass holds the guard.
func (e *Engine) RunGranularity(ctx context.Context, g store.Granularity) (int, error) {
	if !g.Valid() {
		return 0, fmt.Errorf("unknown granularity %q", g)
	}
	if !e.mu.TryLock() {
		e.log.Debug().Str("granularity", string(g)).Msg("aggregation pass already running, skipping")
		return 0, nil
	}
	defer e.mu.Unlock()
	return e.runGranularity(ctx, g)
}

func (e *Engine) runGranularity(ctx context.Context, g store.Granularity) (int, error) {
	now := e.now().UTC()
	width := g.Duration()
	lastComplete := g.Truncate(now) // buckets before this are final

	wm, err := e.store.Watermark(ctx, watermarkName(g))
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	start := wm.UTC()
	if start.IsZero() || lastComplete.Sub(start) > time.Duration(config.AggregationMaxBackfillBuckets)*width {
		start = lastComplete.Add(-time.Duration(config.AggregationMaxBackfillBuckets) * width)
	}
	start = g.Truncate(start)

	computed := 0
	for bucket := start; bucket.Before(lastComplete); bucket = bucket.Add(width) {
		if err := ctx.Err(); err != nil {
			return computed, err
		}
		if err := e.computeBucket(ctx, g, bucket); err != nil {
			return computed, err
		}
		if err := e.store.SetWatermark(ctx, watermarkName(g), bucket.Add(width)); err != nil {
			return computed, fmt.Errorf("advance watermark: %w", err)
		}
		computed++
	}
	if computed > 0 {
		e.log.Info().Str("granularity", string(g)).Int("buckets", computed).Msg("aggregation pass complete")
	}
	return computed, nil
}

// RecomputeBucket rebuilds one bucket for one tenant regardless of the
// watermark. Operators use this after replaying dead letters.
func (e *Engine) RecomputeBucket(ctx context.Context, tenantID string, g store.Granularity, bucket time.Time) error {
	if !g.Valid() {
		return fmt.Errorf("unknown granularity %q", g)
	}
	bucket = g.Truncate(bucket)
	t, ok := e.registry.Get(tenantID)
	if !ok {
		return fmt.Errorf("unknown tenant %q", tenantID)
	}
	// Serialize with scheduled passes rather than skipping; operators
	// expect this call to run.
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computeTenantBucket(ctx, t, g, bucket)
}

func (e *Engine) computeBucket(ctx context.Context, g store.Granularity, bucket time.Time) error {
	for _, t := range e.registry.List() {
		if err := e.computeTenantBucket(ctx, t, g, bucket); err != nil {
			return fmt.Errorf("tenant %s bucket %s: %w", t.ID, bucket.Format(time.RFC3339), err)
		}
	}
	return nil
}

func (e *Engine) computeTenantBucket(ctx context.Context, t *tenant.Tenant, g store.Granularity, bucket time.Time) error {
	bucketEnd := bucket.Add(g.Duration())
	events, err := e.store.QueryEvents(ctx, store.QueryRequest{
		TenantID: t.ID,
		Start:    bucket,
		End:      bucketEnd.Add(-time.Nanosecond),
	})
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	aggs := rollup(t.ID, g, bucket, events, e.now().UTC())
	if err := e.store.ReplaceAggregates(ctx, t.ID, g, bucket, bucketEnd, aggs); err != nil {
		return fmt.Errorf("replace aggregates: %w", err)
	}

	if g == store.GranularityDaily {
		sum := summarize(t.ID, bucket, events, e.now().UTC())
		if err := e.store.WriteDailySummary(ctx, sum); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}

type pairKey struct {
	sourceID  string
	eventName string
}

func rollup(tenantID string, g store.Granularity, bucket time.Time, events []event.RawEvent, computedAt time.Time) []store.Aggregate {
	type acc struct {
		count    int64
		users    map[string]struct{}
		sessions map[string]struct{}
	}
	byPair := make(map[pairKey]*acc)
	for _, ev := range events {
		k := pairKey{sourceID: ev.SourceID, eventName: ev.Name}
		a, ok := byPair[k]
		if !ok {
			a = &acc{users: make(map[string]struct{}), sessions: make(map[string]struct{})}
			byPair[k] = a
		}
		a.count++
		if ev.UserID != "" {
			a.users[ev.UserID] = struct{}{}
		}
		if ev.SessionID != "" {
			a.sessions[ev.SessionID] = struct{}{}
		}
	}

	out := make([]store.Aggregate, 0, len(byPair))
	for k, a := range byPair {
		out = append(out, store.Aggregate{
			TenantID:       tenantID,
			SourceID:       k.sourceID,
			EventName:      k.eventName,
			Granularity:    g,
			BucketStart:    bucket,
			EventCount:     a.count,
			UniqueUsers:    int64(len(a.users)),
			UniqueSessions: int64(len(a.sessions)),
			ComputedAt:     computedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].EventName < out[j].EventName
	})
	return out
}

func summarize(tenantID string, day time.Time, events []event.RawEvent, computedAt time.Time) store.TenantDailySummary {
	users := make(map[string]struct{})
	sessions := make(map[string]struct{})
	bySource := make(map[string]int64)
	byName := make(map[string]int64)

	for _, ev := range events {
		if ev.UserID != "" {
			users[ev.UserID] = struct{}{}
		}
		if ev.SessionID != "" {
			sessions[ev.SessionID] = struct{}{}
		}
		bySource[ev.SourceID]++
		byName[ev.Name]++
	}

	top := make([]store.EventCountEntry, 0, len(byName))
	for name, count := range byName {
		top = append(top, store.EventCountEntry{Name: name, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Name < top[j].Name
	})
	if len(top) > config.SummaryTopEvents {
		top = top[:config.SummaryTopEvents]
	}

	return store.TenantDailySummary{
		TenantID:       tenantID,
		Date:           day.UTC().Format("2006-01-02"),
		TotalEvents:    int64(len(events)),
		UniqueUsers:    int64(len(users)),
		UniqueSessions: int64(len(sessions)),
		UniqueEvents:   int64(len(byName)),
		EventsBySource: bySource,
		TopEvents:      top,
		ComputedAt:     computedAt,
	}
}
