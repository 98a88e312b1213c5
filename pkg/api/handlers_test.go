package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarski/eventgate/pkg/aggregation"
	"github.com/tkarski/eventgate/pkg/gatekeeper"
	"github.com/tkarski/eventgate/pkg/processor"
	"github.com/tkarski/eventgate/pkg/queue"
	"github.com/tkarski/eventgate/pkg/ratelimit"
	"github.com/tkarski/eventgate/pkg/retention"
	"github.com/tkarski/eventgate/pkg/store/memory"
	"github.com/tkarski/eventgate/pkg/tenant"
)

const (
	testIngestKey = "eg_test_ingest"
	testQueryKey  = "eg_priv_test_query"
)

func testServer(t *testing.T, mutate func(*tenant.Tenant)) (*httptest.Server, *tenant.Registry) {
	t.Helper()

	db, err := badgerdb.Open(badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := tenant.NewRegistry()
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	tn := &tenant.Tenant{ID: "acme", Name: "Acme", IngestKey: testIngestKey, QueryKey: testQueryKey}
	if mutate != nil {
		mutate(tn)
	}
	require.NoError(t, reg.Upsert(tn))

	st := memory.New()
	q := queue.Open(db)
	gk := gatekeeper.New(reg, ratelimit.New(ratelimit.NewMemoryStore(), zerolog.Nop()), st, q, zerolog.Nop())
	proc := processor.New(q, st, zerolog.Nop())
	agg := aggregation.New(st, reg, zerolog.Nop())
	sweeper := retention.New(st, reg, zerolog.Nop())
	hub := NewLiveHub()

	h := NewHandler(gk, st, reg, proc, agg, sweeper, hub, zerolog.Nop())
	router := mux.NewRouter()
	h.SetupRoutes(router, "8080")

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, reg
}

func doJSON(t *testing.T, method, url, key string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func ingestBody(name string) map[string]any {
	return map[string]any{
		"event_name":   name,
		"event_source": "web",
		"user_id":      "u1",
	}
}

func TestIngestAccepted(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, body := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, ingestBody("page_view"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, false, body["sampled"])
}

func TestIngestRejectsBadKey(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, body := doJSON(t, "POST", srv.URL+"/v1/events", "eg_nope", ingestBody("page_view"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication_failed", body["error_code"])
}

func TestIngestValidationDetails(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, body := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, map[string]any{
		"event_source": "web",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error_code"])
	assert.NotEmpty(t, body["details"])
}

func TestIngestRateLimited(t *testing.T) {
	srv, _ := testServer(t, func(tn *tenant.Tenant) { tn.RatePerMinute = 2 })

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, ingestBody("page_view"))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, body := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, ingestBody("page_view"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error_code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestQueryRequiresQueryScope(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, body := doJSON(t, "GET", srv.URL+"/v1/events", testIngestKey, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication_failed", body["error_code"])
}

func TestIngestProcessQueryRoundTrip(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, _ := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, ingestBody("page_view"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := doJSON(t, "POST", srv.URL+"/v1/ops/process", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["stored"])

	resp, body = doJSON(t, "GET", srv.URL+"/v1/events", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	events := body["events"].([]any)
	first := events[0].(map[string]any)
	assert.Equal(t, "page_view", first["event_name"])
	assert.NotEmpty(t, first["session_id"])

	resp, body = doJSON(t, "GET", srv.URL+"/v1/sources", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestAggregatesEndpoint(t *testing.T) {
	srv, _ := testServer(t, nil)

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, ingestBody("page_view"))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := doJSON(t, "POST", srv.URL+"/v1/ops/process", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Recompute the current hour explicitly; the scheduled pass only
	// touches complete buckets.
	bucket := time.Now().UTC().Truncate(time.Hour)
	resp, _ = doJSON(t, "POST", srv.URL+"/v1/ops/aggregate", testQueryKey, map[string]any{
		"tenant_id":   "acme",
		"granularity": "hourly",
		"bucket":      bucket.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, "GET", srv.URL+"/v1/aggregates?granularity=hourly", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["count"])
	agg := body["aggregates"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(3), agg["event_count"])
	assert.Equal(t, float64(1), agg["unique_users"])

	// Pagination mirrors /v1/events: offset past the only row is empty.
	resp, body = doJSON(t, "GET", srv.URL+"/v1/aggregates?granularity=hourly&limit=1&offset=1", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
}

func TestAggregatesRejectsUnknownGranularity(t *testing.T) {
	srv, _ := testServer(t, nil)
	resp, _ := doJSON(t, "GET", srv.URL+"/v1/aggregates?granularity=weekly", testQueryKey, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpsStatus(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, _ := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, ingestBody("page_view"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := doJSON(t, "GET", srv.URL+"/v1/ops/status", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["queue_lag"])
	assert.Equal(t, float64(0), body["dead_letters"])
}

func TestOpsSweep(t *testing.T) {
	srv, _ := testServer(t, nil)
	resp, body := doJSON(t, "POST", srv.URL+"/v1/ops/sweep", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["events_deleted"])
	assert.Equal(t, float64(1), body["tenants"])
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := testServer(t, nil)
	resp, body := doJSON(t, "GET", srv.URL+"/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestTenantIsolationOnQueries(t *testing.T) {
	srv, reg := testServer(t, nil)
	require.NoError(t, reg.Upsert(&tenant.Tenant{
		ID: "beta", Name: "Beta", IngestKey: "eg_beta_ingest", QueryKey: "eg_priv_beta_query",
	}))

	resp, _ := doJSON(t, "POST", srv.URL+"/v1/events", testIngestKey, ingestBody("page_view"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = doJSON(t, "POST", srv.URL+"/v1/ops/process", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, "GET", srv.URL+"/v1/events", testQueryKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["count"])

	got := body["events"].([]any)[0].(map[string]any)
	assert.Equal(t, tenant.SourceID("acme", "web"), got["source_id"],
		fmt.Sprintf("expected source %s", tenant.SourceID("acme", "web")))

	// Beta's query key sees none of acme's events.
	resp, body = doJSON(t, "GET", srv.URL+"/v1/events", "eg_priv_beta_query", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
}
