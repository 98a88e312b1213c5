package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

func mkEvent(tenantID, eventID, name, userID string, ts time.Time) event.RawEvent {
	return event.RawEvent{
		ID:        event.NewID(),
		EventID:   eventID,
		TenantID:  tenantID,
		SourceID:  "src-1",
		Name:      name,
		UserID:    userID,
		Timestamp: ts,
	}
}

func TestWriteEventsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	e := mkEvent("acme", "evt-1", "page_view", "u1", now)
	require.NoError(t, s.WriteEvents(ctx, []event.RawEvent{e}))
	require.NoError(t, s.WriteEvents(ctx, []event.RawEvent{e}))

	got, err := s.QueryEvents(ctx, store.QueryRequest{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, got, 1, "duplicate write must not create a second row")
}

func TestQueryEventsFiltersAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.WriteEvents(ctx, []event.RawEvent{
		mkEvent("acme", "e1", "page_view", "u1", base),
		mkEvent("acme", "e2", "click", "u2", base.Add(time.Minute)),
		mkEvent("acme", "e3", "page_view", "u1", base.Add(2*time.Minute)),
		mkEvent("other", "e4", "page_view", "u1", base),
	}))

	got, err := s.QueryEvents(ctx, store.QueryRequest{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e3", got[0].EventID, "newest first")

	got, err = s.QueryEvents(ctx, store.QueryRequest{TenantID: "acme", EventName: "page_view"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryEvents(ctx, store.QueryRequest{TenantID: "acme", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].EventID)

	got, err = s.QueryEvents(ctx, store.QueryRequest{TenantID: "acme", Start: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteEventsBefore(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.WriteEvents(ctx, []event.RawEvent{
		mkEvent("acme", "old", "page_view", "u1", base.AddDate(0, 0, -100)),
		mkEvent("acme", "new", "page_view", "u1", base),
	}))

	n, err := s.DeleteEventsBefore(ctx, "acme", base.AddDate(0, 0, -90), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.QueryEvents(ctx, store.QueryRequest{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].EventID)
}

func TestEnsureSource(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	src := tenant.EventSource{
		ID: tenant.SourceID("acme", "web"), TenantID: "acme", Name: "web",
		Active: true, FirstSeen: first, LastEventAt: first,
	}
	got, err := s.EnsureSource(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, first, got.FirstSeen)

	later := src
	later.FirstSeen = first.Add(time.Hour)
	later.LastEventAt = first.Add(time.Hour)
	got, err = s.EnsureSource(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, first, got.FirstSeen, "first seen must not advance")
	assert.Equal(t, first.Add(time.Hour), got.LastEventAt)

	list, err := s.ListSources(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReplaceAggregates(t *testing.T) {
	s := New()
	ctx := context.Background()
	bucket := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mk := func(name string, count int64) store.Aggregate {
		return store.Aggregate{
			TenantID: "acme", SourceID: "src-1", EventName: name,
			Granularity: store.GranularityHourly, BucketStart: bucket, EventCount: count,
		}
	}
	require.NoError(t, s.ReplaceAggregates(ctx, "acme", store.GranularityHourly,
		bucket, bucket.Add(time.Hour), []store.Aggregate{mk("page_view", 5), mk("click", 2)}))

	// Recompute drops the stale click row.
	require.NoError(t, s.ReplaceAggregates(ctx, "acme", store.GranularityHourly,
		bucket, bucket.Add(time.Hour), []store.Aggregate{mk("page_view", 7)}))

	got, err := s.QueryAggregates(ctx, store.AggregateQuery{TenantID: "acme", Granularity: store.GranularityHourly})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].EventCount)
}

func TestQueryAggregatesPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var aggs []store.Aggregate
	for i := 0; i < 5; i++ {
		aggs = append(aggs, store.Aggregate{
			TenantID: "acme", SourceID: "src-1", EventName: "page_view",
			Granularity: store.GranularityHourly,
			BucketStart: day.Add(time.Duration(i) * time.Hour), EventCount: 1,
		})
	}
	require.NoError(t, s.ReplaceAggregates(ctx, "acme", store.GranularityHourly,
		day, day.Add(5*time.Hour), aggs))

	got, err := s.QueryAggregates(ctx, store.AggregateQuery{
		TenantID: "acme", Granularity: store.GranularityHourly, Limit: 2, Offset: 2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day.Add(2*time.Hour), got[0].BucketStart)
	assert.Equal(t, day.Add(3*time.Hour), got[1].BucketStart)

	got, err = s.QueryAggregates(ctx, store.AggregateQuery{
		TenantID: "acme", Granularity: store.GranularityHourly, Offset: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, got, "offset past the end yields nothing")
}

func TestDailySummariesAndWatermarks(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WriteDailySummary(ctx, store.TenantDailySummary{
		TenantID: "acme", Date: "2026-03-01", TotalEvents: 10,
	}))
	require.NoError(t, s.WriteDailySummary(ctx, store.TenantDailySummary{
		TenantID: "acme", Date: "2026-03-02", TotalEvents: 20,
	}))

	got, err := s.QueryDailySummaries(ctx, "acme", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-03-02", got[0].Date, "newest first")

	wm, err := s.Watermark(ctx, "agg:hourly")
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	mark := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetWatermark(ctx, "agg:hourly", mark))
	wm, err = s.Watermark(ctx, "agg:hourly")
	require.NoError(t, err)
	assert.Equal(t, mark, wm)
}
