// Package retention deletes expired data in bounded batches. Raw events
// and aggregates have independent per-tenant retention windows; sweeps are
// idempotent, so an interrupted pass simply resumes on the next run.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tkarski/eventgate/pkg/config"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// Result tallies one sweep.
type Result struct {
	EventsDeleted     int
	AggregatesDeleted int
	SummariesDeleted  int
	Tenants           int
}

// Sweeper enforces retention windows.
type Sweeper struct {
	store    store.Store
	registry *tenant.Registry
	log      zerolog.Logger

	// mu admits one sweep at a time; the ticker and the ops endpoint may
	// both trigger one.
	mu sync.Mutex

	batch int
	now   func() time.Time
}

// New creates a sweeper using the standard delete batch size.
func New(st store.Store, reg *tenant.Registry, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: st, registry: reg, log: log, batch: config.RetentionDeleteBatch, now: time.Now}
}

// Sweep deletes expired events, aggregates and daily summaries for every
// tenant. Deletes run in batches until a batch comes back short, so one slow
// tenant cannot hold a transaction open across its whole backlog. A sweep
// that finds another already running returns immediately with an empty
// result.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if !s.mu.TryLock() {
		s.log.Debug().Msg("sweep already running, skipping")
		return Result{}, nil
	}
	defer s.mu.Unlock()

	var res Result
	for _, t := range s.registry.List() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		events, aggs, sums, err := s.sweepTenant(ctx, t)
		res.EventsDeleted += events
		res.AggregatesDeleted += aggs
		res.SummariesDeleted += sums
		res.Tenants++
		if err != nil {
			return res, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	if res.EventsDeleted > 0 || res.AggregatesDeleted > 0 || res.SummariesDeleted > 0 {
		s.log.Info().
			Int("events", res.EventsDeleted).
			Int("aggregates", res.AggregatesDeleted).
			Int("summaries", res.SummariesDeleted).
			Int("tenants", res.Tenants).
			Msg("retention sweep complete")
	}
	return res, nil
}

func (s *Sweeper) sweepTenant(ctx context.Context, t *tenant.Tenant) (events, aggs, sums int, err error) {
	now := s.now().UTC()
	eventCutoff := now.AddDate(0, 0, -t.RetentionDays)
	aggCutoff := now.AddDate(0, 0, -t.AggregateRetentionDays)

	for {
		n, err := s.store.DeleteEventsBefore(ctx, t.ID, eventCutoff, s.batch)
		events += n
		if err != nil {
			return events, aggs, sums, fmt.Errorf("delete events: %w", err)
		}
		if n < s.batch {
			break
		}
	}
	for {
		n, err := s.store.DeleteAggregatesBefore(ctx, t.ID, aggCutoff, s.batch)
		aggs += n
		if err != nil {
			return events, aggs, sums, fmt.Errorf("delete aggregates: %w", err)
		}
		if n < s.batch {
			break
		}
	}
	// Daily summaries live under the aggregate window. One row per day, so
	// no batching.
	sums, err = s.store.DeleteSummariesBefore(ctx, t.ID, aggCutoff)
	if err != nil {
		return events, aggs, sums, fmt.Errorf("delete summaries: %w", err)
	}
	return events, aggs, sums, nil
}
