package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/queue"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/store/memory"
)

// flakyStore fails the first n writes, then delegates.
type flakyStore struct {
	*memory.Storage
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) WriteEvents(ctx context.Context, events []event.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transient write failure")
	}
	return f.Storage.WriteEvents(ctx, events)
}

func testSetup(t *testing.T, st store.Store) (*Processor, *queue.Queue) {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := queue.Open(db).WithVisibility(5 * time.Millisecond)
	p := New(q, st, zerolog.Nop())
	p.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 0)
	}
	return p, q
}

func enqueue(t *testing.T, q *queue.Queue, e event.RawEvent) {
	t.Helper()
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), e.TenantID, e.SourceID, payload)
	require.NoError(t, err)
}

func TestProcessStoresAndAcks(t *testing.T) {
	st := memory.New()
	p, q := testSetup(t, st)
	ctx := context.Background()

	var notified []event.RawEvent
	p.Notify = func(e event.RawEvent) { notified = append(notified, e) }

	e := event.RawEvent{
		ID: event.NewID(), EventID: "e1", TenantID: "acme", SourceID: "src-1",
		Name: "page_view", UserID: "u1", Timestamp: time.Now().UTC(),
	}
	enqueue(t, q, e)

	stored, dead, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
	assert.Zero(t, dead)

	rows, err := st.QueryEvents(ctx, store.QueryRequest{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].ProcessedAt.IsZero())

	require.Len(t, notified, 1)

	lag, err := p.Lag(ctx)
	require.NoError(t, err)
	assert.Zero(t, lag)
}

func TestProcessDuplicateDeliveryIsIdempotent(t *testing.T) {
	st := memory.New()
	p, q := testSetup(t, st)
	ctx := context.Background()

	e := event.RawEvent{
		ID: event.NewID(), EventID: "dup-1", TenantID: "acme", SourceID: "src-1",
		Name: "page_view", UserID: "u1", Timestamp: time.Now().UTC(),
	}
	enqueue(t, q, e)
	enqueue(t, q, e)

	stored, _, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stored, "both deliveries process")

	rows, err := st.QueryEvents(ctx, store.QueryRequest{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "but only one row lands")
}

func TestProcessEnrichesBarePayload(t *testing.T) {
	st := memory.New()
	p, q := testSetup(t, st)
	ctx := context.Background()

	e := event.RawEvent{
		ID: event.NewID(), TenantID: "acme", SourceID: "src-1",
		Name: "page_view", RemoteAddr: "203.0.113.9", UserAgent: "test-agent",
		Timestamp: time.Now().UTC(),
	}
	enqueue(t, q, e)

	stored, _, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stored)

	rows, err := st.QueryEvents(ctx, store.QueryRequest{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, strings.HasPrefix(rows[0].UserID, "hash_"), "identity derived from address and agent")
	assert.NotEmpty(t, rows[0].SessionID)

	// A payload that arrives enriched keeps its identity.
	enriched := event.RawEvent{
		ID: event.NewID(), TenantID: "acme", SourceID: "src-1",
		Name: "click", UserID: "u1", SessionID: "u1_session_x",
		Timestamp: time.Now().UTC(),
	}
	enqueue(t, q, enriched)
	_, _, err = p.RunOnce(ctx)
	require.NoError(t, err)

	rows, err = st.QueryEvents(ctx, store.QueryRequest{TenantID: "acme", EventName: "click"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].UserID)
	assert.Equal(t, "u1_session_x", rows[0].SessionID)
}

func TestProcessUndecodablePayloadDeadLetters(t *testing.T) {
	st := memory.New()
	p, q := testSetup(t, st)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", "src-1", json.RawMessage(`{not json`))
	require.NoError(t, err)

	stored, dead, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Equal(t, 1, dead)

	parked, err := p.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Contains(t, parked[0].Reason, "undecodable")
}

func TestProcessGivesUpAfterAttemptBudget(t *testing.T) {
	st := &flakyStore{Storage: memory.New(), failures: 1000}
	p, q := testSetup(t, st)
	p.maxAttempts = 2
	ctx := context.Background()

	e := event.RawEvent{
		ID: event.NewID(), EventID: "doomed", TenantID: "acme", SourceID: "src-1",
		Name: "page_view", Timestamp: time.Now().UTC(),
	}
	enqueue(t, q, e)

	var dead int
	for i := 0; i < 10 && dead == 0; i++ {
		_, d, err := p.RunOnce(ctx)
		require.NoError(t, err)
		dead += d
		time.Sleep(10 * time.Millisecond) // let the claim become visible again
	}
	assert.Equal(t, 1, dead)

	parked, err := p.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.GreaterOrEqual(t, parked[0].Attempts, 2)

	lag, err := p.Lag(ctx)
	require.NoError(t, err)
	assert.Zero(t, lag, "dead-lettered entries no longer count as lag")
}

func TestProcessRecoversAfterTransientFailure(t *testing.T) {
	st := &flakyStore{Storage: memory.New(), failures: 1}
	p, q := testSetup(t, st)
	p.maxAttempts = 5
	ctx := context.Background()

	e := event.RawEvent{
		ID: event.NewID(), EventID: "flaky", TenantID: "acme", SourceID: "src-1",
		Name: "page_view", Timestamp: time.Now().UTC(),
	}
	enqueue(t, q, e)

	var stored int
	for i := 0; i < 10 && stored == 0; i++ {
		s, _, err := p.RunOnce(ctx)
		require.NoError(t, err)
		stored += s
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, stored)

	rows, err := st.QueryEvents(ctx, store.QueryRequest{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
