// Package processor consumes queued events under the "event-store-writer"
// consumer group and persists them. Writes are retried with exponential
// backoff; an entry that keeps failing past the attempt budget is parked as
// a dead letter and acked so it cannot wedge the partition.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tkarski/eventgate/pkg/config"
	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/queue"
	"github.com/tkarski/eventgate/pkg/store"
)

// Processor moves events from the queue into the store.
type Processor struct {
	queue *queue.Queue
	store store.Store
	log   zerolog.Logger

	group        string
	workers      int
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration

	// Notify, when set, is called once per stored event. The live feed
	// hub subscribes here.
	Notify func(event.RawEvent)

	newBackOff func() backoff.BackOff
}

// New creates a processor with the standard tuning.
func New(q *queue.Queue, st store.Store, log zerolog.Logger) *Processor {
	return &Processor{
		queue:        q,
		store:        st,
		log:          log,
		group:        config.ConsumerGroupStoreWriter,
		workers:      config.ProcessorWorkers,
		batchSize:    config.ProcessorBatchSize,
		maxAttempts:  config.ProcessorMaxRetries,
		pollInterval: config.ProcessorPollInterval,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(config.ProcessorWriteRetries))
		},
	}
}

// Run polls the queue with a pool of workers until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			ticker := time.NewTicker(p.pollInterval)
			defer ticker.Stop()
			for {
				n, _, err := p.drainOnce(ctx, consumer)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					p.log.Error().Err(err).Str("consumer", consumer).Msg("processing pass failed")
				}
				if n > 0 {
					continue // keep draining while there is work
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce drains everything currently visible and returns how many entries
// were stored and how many were dead-lettered. Used by the CLI and tests.
func (p *Processor) RunOnce(ctx context.Context) (stored, dead int, err error) {
	for {
		s, d, err := p.drainOnce(ctx, "oneshot")
		stored += s
		dead += d
		if err != nil {
			return stored, dead, err
		}
		if s == 0 && d == 0 {
			return stored, dead, nil
		}
	}
}

func (p *Processor) drainOnce(ctx context.Context, consumer string) (stored, dead int, err error) {
	deliveries, err := p.queue.Dequeue(ctx, p.group, consumer, p.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("dequeue: %w", err)
	}
	for _, d := range deliveries {
		switch p.handle(ctx, d) {
		case outcomeStored:
			stored++
		case outcomeDead:
			dead++
		}
	}
	return stored, dead, nil
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeDead
	outcomeRetryLater
)

func (p *Processor) handle(ctx context.Context, d queue.Delivery) outcome {
	var e event.RawEvent
	if err := json.Unmarshal(d.Payload, &e); err != nil {
		// A payload that does not decode will never decode; park it now.
		p.log.Error().Err(err).Str("entry", d.ID).Msg("undecodable payload")
		if dlErr := p.queue.DeadLetter(ctx, p.group, d, "undecodable payload: "+err.Error()); dlErr != nil {
			p.log.Error().Err(dlErr).Str("entry", d.ID).Msg("dead letter failed")
			return outcomeRetryLater
		}
		return outcomeDead
	}
	// Entries normally arrive enriched; Enrich is a no-op then. It fills
	// the identity fields for payloads enqueued by other producers.
	e.Enrich()
	e.ProcessedAt = time.Now().UTC()

	write := func() error {
		return p.store.WriteEvents(ctx, []event.RawEvent{e})
	}
	bo := backoff.WithContext(p.newBackOff(), ctx)
	if err := backoff.Retry(write, bo); err != nil {
		if d.Attempts >= p.maxAttempts {
			p.log.Error().Err(err).Str("entry", d.ID).Int("attempts", d.Attempts).Msg("giving up on entry")
			if dlErr := p.queue.DeadLetter(ctx, p.group, d, "store write failed: "+err.Error()); dlErr != nil {
				p.log.Error().Err(dlErr).Str("entry", d.ID).Msg("dead letter failed")
			}
			return outcomeDead
		}
		// Leave unacked; the visibility timeout redelivers it.
		p.log.Warn().Err(err).Str("entry", d.ID).Int("attempts", d.Attempts).Msg("store write failed, will retry")
		return outcomeRetryLater
	}

	if err := p.queue.Ack(ctx, p.group, d.Entry); err != nil {
		// The write landed; a redelivery will upsert the same row.
		p.log.Warn().Err(err).Str("entry", d.ID).Msg("ack failed after write")
	}
	if p.Notify != nil {
		p.Notify(e)
	}
	return outcomeStored
}

// Lag reports how many entries the store writer has not acked yet.
func (p *Processor) Lag(ctx context.Context) (int, error) {
	return p.queue.Lag(ctx, p.group)
}

// DeadLetters lists parked entries for inspection.
func (p *Processor) DeadLetters(ctx context.Context, max int) ([]queue.DeadEntry, error) {
	return p.queue.DeadLetters(ctx, p.group, max)
}
