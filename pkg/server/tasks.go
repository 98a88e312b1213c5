package server

import (
	"context"
	"sync"
	"time"

	"github.com/tkarski/eventgate/pkg/config"
)

// StartTasks launches the pipeline's background work: the store-writer
// workers, the live feed hub, the aggregation and retention schedulers,
// queue trimming and badger GC. All of it stops when ctx is cancelled;
// Wait on the returned WaitGroup before closing the pipeline.
func StartTasks(ctx context.Context, p *Pipeline) *sync.WaitGroup {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Processor.Run(ctx); err != nil {
			p.Log.Error().Err(err).Msg("processor stopped with error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runAggregation(ctx, p)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetention(ctx, p)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runQueueTrim(ctx, p)
	}()

	if p.badgerStore != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runBadgerGC(ctx, p)
		}()
	}

	return wg
}

// runAggregation recomputes rollups on the finest cadence; the engine's
// watermarks make the extra hourly and daily invocations cheap no-ops
// until their buckets complete.
func runAggregation(ctx context.Context, p *Pipeline) {
	ticker := time.NewTicker(config.FiveMinuteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Aggregator.RunAll(ctx); err != nil && ctx.Err() == nil {
				p.Log.Error().Err(err).Msg("aggregation pass failed")
			}
		}
	}
}

func runRetention(ctx context.Context, p *Pipeline) {
	ticker := time.NewTicker(config.RetentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.Log.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

// runQueueTrim drops fully consumed queue entries past the trim age.
func runQueueTrim(ctx context.Context, p *Pipeline) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Queue.Trim(ctx, config.QueueTrimAge)
			if err != nil && ctx.Err() == nil {
				p.Log.Error().Err(err).Msg("queue trim failed")
				continue
			}
			if n > 0 {
				p.Log.Info().Int("entries", n).Msg("queue trimmed")
			}
		}
	}
}

// runBadgerGC reclaims value log space. Badger returns an error when no
// rewrite was needed, which is the common case and not worth logging.
func runBadgerGC(ctx context.Context, p *Pipeline) {
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := p.badgerStore.RunGC(config.BadgerGCDiscardRatio); err == nil {
				p.Log.Info().Dur("took", time.Since(start)).Msg("badger GC reclaimed space")
			}
		}
	}
}
