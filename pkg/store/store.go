package store

import (
	"context"
	"time"

	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// Store defines the persistence backend for processed events and rollups.
// Implementations: memory (testing), badger (embedded default), postgres
// (shared deployments).
type Store interface {
	// WriteEvents upserts events keyed by tenant and idempotency key.
	// Writing the same event twice leaves a single row.
	WriteEvents(ctx context.Context, events []event.RawEvent) error

	// QueryEvents retrieves events for one tenant, newest first.
	QueryEvents(ctx context.Context, req QueryRequest) ([]event.RawEvent, error)

	// DeleteEventsBefore removes up to batch events of the tenant older
	// than before and reports how many were deleted.
	DeleteEventsBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error)

	// EnsureSource creates the source record if absent and stamps
	// LastEventAt. It returns the stored record.
	EnsureSource(ctx context.Context, src tenant.EventSource) (tenant.EventSource, error)

	// ListSources returns all known sources for a tenant.
	ListSources(ctx context.Context, tenantID string) ([]tenant.EventSource, error)

	// ReplaceAggregates swaps every aggregate of the tenant and
	// granularity whose bucket falls in [bucketStart, bucketEnd) for the
	// given rows. Recomputing a bucket therefore never leaves stale rows
	// behind.
	ReplaceAggregates(ctx context.Context, tenantID string, g Granularity, bucketStart, bucketEnd time.Time, aggs []Aggregate) error

	// QueryAggregates retrieves rollups for one tenant and granularity,
	// ordered by bucket start.
	QueryAggregates(ctx context.Context, req AggregateQuery) ([]Aggregate, error)

	// DeleteAggregatesBefore removes up to batch aggregate rows of the
	// tenant older than before.
	DeleteAggregatesBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error)

	// WriteDailySummary upserts a per-tenant daily summary.
	WriteDailySummary(ctx context.Context, s TenantDailySummary) error

	// QueryDailySummaries retrieves summaries for one tenant ordered by
	// date, newest first.
	QueryDailySummaries(ctx context.Context, tenantID string, start, end time.Time, limit int) ([]TenantDailySummary, error)

	// DeleteSummariesBefore removes the tenant's daily summaries for days
	// older than before.
	DeleteSummariesBefore(ctx context.Context, tenantID string, before time.Time) (int, error)

	// Watermark returns the named checkpoint, zero time when unset.
	Watermark(ctx context.Context, name string) (time.Time, error)

	// SetWatermark stores a named checkpoint.
	SetWatermark(ctx context.Context, name string, t time.Time) error

	// Stats returns storage health and usage info.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage.
	Close() error
}

// Granularity names an aggregation resolution.
type Granularity string

const (
	GranularityFiveMinute Granularity = "5min"
	GranularityHourly     Granularity = "hourly"
	GranularityDaily      Granularity = "daily"
)

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityFiveMinute:
		return 5 * time.Minute
	case GranularityHourly:
		return time.Hour
	case GranularityDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool { return g.Duration() > 0 }

// Truncate rounds t down to the start of its bucket, in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// QueryRequest specifies which events to retrieve. TenantID is required;
// all other filters are optional.
type QueryRequest struct {
	TenantID  string
	SourceID  string
	EventName string
	UserID    string
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}

// Aggregate is one rollup row: event counts for a (source, event name)
// pair within a time bucket.
type Aggregate struct {
	TenantID       string      `json:"tenant_id"`
	SourceID       string      `json:"source_id"`
	EventName      string      `json:"event_name"`
	Granularity    Granularity `json:"granularity"`
	BucketStart    time.Time   `json:"bucket_start"`
	EventCount     int64       `json:"event_count"`
	UniqueUsers    int64       `json:"unique_users"`
	UniqueSessions int64       `json:"unique_sessions"`
	ComputedAt     time.Time   `json:"computed_at"`
}

// AggregateQuery specifies which rollups to retrieve.
type AggregateQuery struct {
	TenantID    string
	Granularity Granularity
	SourceID    string
	EventName   string
	Start       time.Time
	End         time.Time
	Limit       int
	Offset      int
}

// EventCountEntry pairs an event name with its count, used in summaries.
type EventCountEntry struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// TenantDailySummary is a per-tenant digest for one calendar day (UTC).
type TenantDailySummary struct {
	TenantID       string            `json:"tenant_id"`
	Date           string            `json:"date"` // 2006-01-02
	TotalEvents    int64             `json:"total_events"`
	UniqueUsers    int64             `json:"unique_users"`
	UniqueSessions int64             `json:"unique_sessions"`
	UniqueEvents   int64             `json:"unique_events"` // distinct event names
	EventsBySource map[string]int64  `json:"events_by_source"`
	TopEvents      []EventCountEntry `json:"top_events"`
	ComputedAt     time.Time         `json:"computed_at"`
}

// Stats provides storage health and usage info.
type Stats struct {
	TotalEvents     uint64
	TotalAggregates uint64
	TotalSources    uint64
	SizeBytes       uint64
	OldestEvent     time.Time
	NewestEvent     time.Time
}
