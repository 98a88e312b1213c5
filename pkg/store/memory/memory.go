package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// Storage keeps everything in process memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu         sync.RWMutex
	events     map[string]map[string]event.RawEvent // tenant -> idempotency key -> event
	sources    map[string]map[string]tenant.EventSource
	aggregates map[string][]store.Aggregate // tenant -> rows
	summaries  map[string]map[string]store.TenantDailySummary
	watermarks map[string]time.Time
}

// New creates an in-memory storage backend.
func New() *Storage {
	return &Storage{
		events:     make(map[string]map[string]event.RawEvent),
		sources:    make(map[string]map[string]tenant.EventSource),
		aggregates: make(map[string][]store.Aggregate),
		summaries:  make(map[string]map[string]store.TenantDailySummary),
		watermarks: make(map[string]time.Time),
	}
}

// WriteEvents upserts events keyed by tenant and idempotency key.
func (s *Storage) WriteEvents(ctx context.Context, events []event.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		byKey, ok := s.events[e.TenantID]
		if !ok {
			byKey = make(map[string]event.RawEvent)
			s.events[e.TenantID] = byKey
		}
		byKey[e.IdempotencyKey()] = e
	}
	return nil
}

// QueryEvents retrieves events for one tenant, newest first.
func (s *Storage) QueryEvents(ctx context.Context, req store.QueryRequest) ([]event.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []event.RawEvent
	for _, e := range s.events[req.TenantID] {
		if !matchesQuery(e, req) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	if req.Offset > 0 {
		if req.Offset >= len(results) {
			return nil, nil
		}
		results = results[req.Offset:]
	}
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// DeleteEventsBefore removes up to batch events older than before.
func (s *Storage) DeleteEventsBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, e := range s.events[tenantID] {
		if batch > 0 && deleted >= batch {
			break
		}
		if e.Timestamp.Before(before) {
			delete(s.events[tenantID], key)
			deleted++
		}
	}
	return deleted, nil
}

// EnsureSource creates the source record if absent and stamps LastEventAt.
func (s *Storage) EnsureSource(ctx context.Context, src tenant.EventSource) (tenant.EventSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sources[src.TenantID]
	if !ok {
		byID = make(map[string]tenant.EventSource)
		s.sources[src.TenantID] = byID
	}
	existing, ok := byID[src.ID]
	if !ok {
		byID[src.ID] = src
		return src, nil
	}
	if src.LastEventAt.After(existing.LastEventAt) {
		existing.LastEventAt = src.LastEventAt
		byID[src.ID] = existing
	}
	return existing, nil
}

// ListSources returns all known sources for a tenant.
func (s *Storage) ListSources(ctx context.Context, tenantID string) ([]tenant.EventSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []tenant.EventSource
	for _, src := range s.sources[tenantID] {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReplaceAggregates swaps all rows of the tenant and granularity within
// [bucketStart, bucketEnd) for the given rows.
func (s *Storage) ReplaceAggregates(ctx context.Context, tenantID string, g store.Granularity, bucketStart, bucketEnd time.Time, aggs []store.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.aggregates[tenantID][:0]
	for _, a := range s.aggregates[tenantID] {
		inRange := a.Granularity == g &&
			!a.BucketStart.Before(bucketStart) && a.BucketStart.Before(bucketEnd)
		if !inRange {
			kept = append(kept, a)
		}
	}
	s.aggregates[tenantID] = append(kept, aggs...)
	return nil
}

// QueryAggregates retrieves rollups ordered by bucket start.
func (s *Storage) QueryAggregates(ctx context.Context, req store.AggregateQuery) ([]store.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []store.Aggregate
	for _, a := range s.aggregates[req.TenantID] {
		if a.Granularity != req.Granularity {
			continue
		}
		if req.SourceID != "" && a.SourceID != req.SourceID {
			continue
		}
		if req.EventName != "" && a.EventName != req.EventName {
			continue
		}
		if !req.Start.IsZero() && a.BucketStart.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && !a.BucketStart.Before(req.End) {
			continue
		}
		results = append(results, a)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].BucketStart.Before(results[j].BucketStart)
	})
	if req.Offset > 0 {
		if req.Offset >= len(results) {
			return nil, nil
		}
		results = results[req.Offset:]
	}
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// DeleteAggregatesBefore removes up to batch rows older than before.
func (s *Storage) DeleteAggregatesBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	kept := s.aggregates[tenantID][:0]
	for _, a := range s.aggregates[tenantID] {
		if a.BucketStart.Before(before) && (batch <= 0 || deleted < batch) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	s.aggregates[tenantID] = kept
	return deleted, nil
}

// WriteDailySummary upserts a per-tenant daily summary.
func (s *Storage) WriteDailySummary(ctx context.Context, sum store.TenantDailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDate, ok := s.summaries[sum.TenantID]
	if !ok {
		byDate = make(map[string]store.TenantDailySummary)
		s.summaries[sum.TenantID] = byDate
	}
	byDate[sum.Date] = sum
	return nil
}

// QueryDailySummaries retrieves summaries, newest first.
func (s *Storage) QueryDailySummaries(ctx context.Context, tenantID string, start, end time.Time, limit int) ([]store.TenantDailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []store.TenantDailySummary
	for _, sum := range s.summaries[tenantID] {
		day, err := time.Parse("2006-01-02", sum.Date)
		if err != nil {
			continue
		}
		if !start.IsZero() && day.Before(start) {
			continue
		}
		if !end.IsZero() && day.After(end) {
			continue
		}
		results = append(results, sum)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Date > results[j].Date })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// DeleteSummariesBefore removes summaries for days older than before.
func (s *Storage) DeleteSummariesBefore(ctx context.Context, tenantID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for date := range s.summaries[tenantID] {
		day, err := time.Parse("2006-01-02", date)
		if err != nil || !day.Before(before) {
			continue
		}
		delete(s.summaries[tenantID], date)
		deleted++
	}
	return deleted, nil
}

// Watermark returns the named checkpoint, zero time when unset.
func (s *Storage) Watermark(ctx context.Context, name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[name], nil
}

// SetWatermark stores a named checkpoint.
func (s *Storage) SetWatermark(ctx context.Context, name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[name] = t
	return nil
}

// Stats returns storage statistics.
func (s *Storage) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.Stats{}
	for _, byKey := range s.events {
		for _, e := range byKey {
			stats.TotalEvents++
			if stats.OldestEvent.IsZero() || e.Timestamp.Before(stats.OldestEvent) {
				stats.OldestEvent = e.Timestamp
			}
			if e.Timestamp.After(stats.NewestEvent) {
				stats.NewestEvent = e.Timestamp
			}
		}
	}
	for _, rows := range s.aggregates {
		stats.TotalAggregates += uint64(len(rows))
	}
	for _, byID := range s.sources {
		stats.TotalSources += uint64(len(byID))
	}
	// Rough size estimate, events dominate.
	stats.SizeBytes = stats.TotalEvents * 300
	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Storage) Close() error {
	return nil
}

func matchesQuery(e event.RawEvent, req store.QueryRequest) bool {
	if req.SourceID != "" && e.SourceID != req.SourceID {
		return false
	}
	if req.EventName != "" && e.Name != req.EventName {
		return false
	}
	if req.UserID != "" && e.UserID != req.UserID {
		return false
	}
	if !req.Start.IsZero() && e.Timestamp.Before(req.Start) {
		return false
	}
	if !req.End.IsZero() && e.Timestamp.After(req.End) {
		return false
	}
	return true
}
