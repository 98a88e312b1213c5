package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/eventgate"
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Ingestion limits
const (
	MaxEventNameLength  = 255
	MaxSourceNameLength = 255
	MaxUserIDLength     = 255
	MaxEventIDLength    = 255
	MaxPropertiesBytes  = 64 * 1024
	MaxBodyBytes        = 256 * 1024

	// Client timestamps further in the future than this are rejected.
	MaxTimestampSkew = 24 * time.Hour

	IngestTimeout = 5 * time.Second
)

// Rate limiting
const (
	RateWindow              = 60 * time.Second
	DefaultTenantRatePerMin = 1000
	DefaultAddrRatePerMin   = 1000
)

// Queue and processor defaults
const (
	ConsumerGroupStoreWriter = "event-store-writer"

	QueueVisibilityTimeout = 30 * time.Second
	QueueTrimAge           = 24 * time.Hour

	ProcessorBatchSize    = 50
	ProcessorPollInterval = 1 * time.Second
	ProcessorMaxRetries   = 3
	ProcessorWorkers      = 2

	// In-handler write retries before an attempt counts as failed.
	ProcessorWriteRetries = 2
)

// Aggregation cadences
const (
	FiveMinuteInterval = 5 * time.Minute
	HourlyInterval     = 1 * time.Hour
	DailyInterval      = 24 * time.Hour

	// A fresh deployment with no watermark backfills at most this many
	// buckets per granularity per run.
	AggregationMaxBackfillBuckets = 48

	SummaryTopEvents = 10
)

// Retention defaults
const (
	DefaultRetentionDays          = 90
	DefaultAggregateRetentionDays = 365
	RetentionSweepInterval        = 6 * time.Hour
	RetentionDeleteBatch          = 1000
)

// Query endpoint defaults
const (
	QueryTimeout        = 30 * time.Second
	QueryDefaultWindow  = 24 * time.Hour
	QueryDefaultLimit   = 50
	QueryMaxLimit       = 1000
	DeadLetterListLimit = 100
)

// Storage maintenance
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Tenant registry cache
const (
	KeyCacheNumCounters = 10000
	KeyCacheMaxCost     = 1 << 20
)
