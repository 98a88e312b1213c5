package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterExactBudget(t *testing.T) {
	l := New(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	limit := 25
	allowed := 0
	for i := 0; i < limit*2; i++ {
		if l.Allow(ctx, "tenant:acme", limit).Allowed {
			allowed++
		}
	}
	assert.Equal(t, limit, allowed, "exactly limit requests should pass within one window")

	d := l.Allow(ctx, "tenant:acme", limit)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestLimiterKeysIndependent(t *testing.T) {
	l := New(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, l.Allow(ctx, TenantKey("a"), 10).Allowed)
	}
	assert.False(t, l.Allow(ctx, TenantKey("a"), 10).Allowed)
	assert.True(t, l.Allow(ctx, TenantKey("b"), 10).Allowed)
	assert.True(t, l.Allow(ctx, AddrKey("203.0.113.9"), 10).Allowed)
}

func TestLimiterZeroLimitDisables(t *testing.T) {
	l := New(NewMemoryStore(), zerolog.Nop())
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(context.Background(), "tenant:open", 0).Allowed)
	}
}

type failingStore struct{}

func (failingStore) IncrWindow(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errors.New("backend down")
}

func TestLimiterFailsOpen(t *testing.T) {
	l := New(failingStore{}, zerolog.Nop())
	for i := 0; i < 50; i++ {
		d := l.Allow(context.Background(), "tenant:acme", 1)
		assert.True(t, d.Allowed, "store outage must not reject requests")
	}
}

func TestMemoryStoreWindowExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		_, err := s.IncrWindow(ctx, "k", base, time.Minute)
		require.NoError(t, err)
	}

	// Still inside the window 59s later.
	total, err := s.IncrWindow(ctx, "k", base.Add(59*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)

	// The first burst has aged out a minute after it happened.
	total, err = s.IncrWindow(ctx, "k", base.Add(60*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestBadgerStoreCounts(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	s := NewBadgerStore(db)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := int64(1); i <= 4; i++ {
		total, err := s.IncrWindow(ctx, "tenant:acme", now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, total)
	}

	// Counts in earlier seconds stay visible within the window.
	total, err := s.IncrWindow(ctx, "tenant:acme", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	// Other keys are untouched.
	total, err = s.IncrWindow(ctx, "tenant:other", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}
