// Package ratelimit admits or rejects work against per-key budgets counted
// over a sliding window of 1-second buckets. The limiter itself is
// stateless; all counters live in a Store so every ingest instance sharing
// that store enforces one global budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tkarski/eventgate/pkg/config"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Count      int64         // window total including this request
	Remaining  int64         // budget left after this request, 0 when denied
	RetryAfter time.Duration // hint for denied requests
}

// Limiter checks request counts against limits. Store failures are treated
// as an outage of the limiter, not of ingestion: the request is admitted and
// the failure logged, so a broken counter backend degrades enforcement
// rather than availability.
type Limiter struct {
	store  Store
	window time.Duration
	log    zerolog.Logger
}

// New creates a limiter over store using the standard window.
func New(store Store, log zerolog.Logger) *Limiter {
	return &Limiter{store: store, window: config.RateWindow, log: log}
}

// TenantKey returns the counter key for a tenant's budget.
func TenantKey(tenantID string) string { return "tenant:" + tenantID }

// AddrKey returns the counter key for a client address budget.
func AddrKey(addr string) string { return "addr:" + addr }

// Allow records one request under key and reports whether it fits within
// limit over the trailing window. A non-positive limit disables the check.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	count, err := l.store.IncrWindow(ctx, key, time.Now(), l.window)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, admitting request")
		return Decision{Allowed: true, Remaining: -1}
	}

	if count > int64(limit) {
		return Decision{Allowed: false, Count: count, RetryAfter: l.window}
	}
	return Decision{Allowed: true, Count: count, Remaining: int64(limit) - count}
}
