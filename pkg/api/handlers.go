// Package api exposes the HTTP surface: event ingestion, tenant-scoped
// queries over events and rollups, a live WebSocket feed and operator
// endpoints for the pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tkarski/eventgate/pkg/aggregation"
	"github.com/tkarski/eventgate/pkg/config"
	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/gatekeeper"
	"github.com/tkarski/eventgate/pkg/httpx"
	"github.com/tkarski/eventgate/pkg/processor"
	"github.com/tkarski/eventgate/pkg/retention"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

const version = "0.1.0"

// Handler carries the wired pipeline components behind the HTTP surface.
type Handler struct {
	gk         *gatekeeper.Gatekeeper
	store      store.Store
	registry   *tenant.Registry
	processor  *processor.Processor
	aggregator *aggregation.Engine
	sweeper    *retention.Sweeper
	hub        *LiveHub
	log        zerolog.Logger
	started    time.Time
}

// NewHandler assembles the HTTP handler set.
func NewHandler(
	gk *gatekeeper.Gatekeeper,
	st store.Store,
	reg *tenant.Registry,
	proc *processor.Processor,
	agg *aggregation.Engine,
	sweeper *retention.Sweeper,
	hub *LiveHub,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		gk:         gk,
		store:      st,
		registry:   reg,
		processor:  proc,
		aggregator: agg,
		sweeper:    sweeper,
		hub:        hub,
		log:        log,
		started:    time.Now(),
	}
}

// IngestResponse acknowledges an admitted event. Sampled reports whether
// the event was dropped by sampling; either way the submission succeeded.
type IngestResponse struct {
	Status  string `json:"status"`
	Sampled bool   `json:"sampled"`
}

// handleIngest accepts one event. The 202 signals durable queueing, not
// final persistence.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxBodyBytes+1))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > config.MaxBodyBytes {
		httpx.RespondErrorCode(w, http.StatusBadRequest, "validation_failed", "request body too large", nil)
		return
	}
	var req event.IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.RespondErrorCode(w, http.StatusBadRequest, "validation_failed", "malformed JSON body", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	res, aerr := h.gk.Admit(ctx, apiKey(r), req, clientAddr(r), r.UserAgent())
	if aerr != nil {
		h.respondAdmitError(w, aerr)
		return
	}
	httpx.RespondJSON(w, http.StatusAccepted, IngestResponse{Status: "accepted", Sampled: res.Sampled})
}

func (h *Handler) respondAdmitError(w http.ResponseWriter, aerr *gatekeeper.Error) {
	switch aerr.Code {
	case gatekeeper.CodeAuthenticationFailed:
		httpx.RespondErrorCode(w, http.StatusUnauthorized, string(aerr.Code), aerr.Msg, nil)
	case gatekeeper.CodeValidationFailed:
		httpx.RespondErrorCode(w, http.StatusBadRequest, string(aerr.Code), aerr.Msg, aerr.Fields)
	case gatekeeper.CodeRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(aerr.RetryAfter.Seconds())))
		httpx.RespondErrorCode(w, http.StatusTooManyRequests, string(aerr.Code), aerr.Msg, nil)
	case gatekeeper.CodeEnqueueFailed:
		httpx.RespondErrorCode(w, http.StatusServiceUnavailable, string(aerr.Code), aerr.Msg, nil)
	default:
		httpx.RespondError(w, http.StatusInternalServerError, errors.New(aerr.Msg))
	}
}

// handleQueryEvents returns the tenant's raw events, newest first. Without
// an explicit range the last 24 hours are returned.
func (h *Handler) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	q := r.URL.Query()

	req := store.QueryRequest{
		TenantID:  t.ID,
		EventName: q.Get("event"),
		UserID:    q.Get("user_id"),
		Limit:     clampLimit(q.Get("limit")),
		Offset:    atoiDefault(q.Get("offset"), 0),
	}
	if src := q.Get("source"); src != "" {
		req.SourceID = tenant.SourceID(t.ID, src)
	}
	var err error
	if req.Start, req.End, err = parseRange(q.Get("start"), q.Get("end")); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Start.IsZero() && req.End.IsZero() {
		req.Start = time.Now().UTC().Add(-config.QueryDefaultWindow)
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	events, err := h.store.QueryEvents(ctx, req)
	if err != nil {
		h.log.Error().Err(err).Str("tenant", t.ID).Msg("event query failed")
		httpx.RespondError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleQueryAggregates returns rollups for one granularity.
func (h *Handler) handleQueryAggregates(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	q := r.URL.Query()

	g := store.Granularity(q.Get("granularity"))
	if g == "" {
		g = store.GranularityHourly
	}
	if !g.Valid() {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("unknown granularity %q", g))
		return
	}

	req := store.AggregateQuery{
		TenantID:    t.ID,
		Granularity: g,
		EventName:   q.Get("event"),
		Limit:       clampLimit(q.Get("limit")),
		Offset:      atoiDefault(q.Get("offset"), 0),
	}
	if src := q.Get("source"); src != "" {
		req.SourceID = tenant.SourceID(t.ID, src)
	}
	var err error
	if req.Start, req.End, err = parseRange(q.Get("start"), q.Get("end")); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	aggs, err := h.store.QueryAggregates(ctx, req)
	if err != nil {
		h.log.Error().Err(err).Str("tenant", t.ID).Msg("aggregate query failed")
		httpx.RespondError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"granularity": g,
		"aggregates":  aggs,
		"count":       len(aggs),
	})
}

// handleQuerySummaries returns per-day digests, newest first.
func (h *Handler) handleQuerySummaries(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)
	q := r.URL.Query()

	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	sums, err := h.store.QueryDailySummaries(ctx, t.ID, start, end, clampLimit(q.Get("limit")))
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"summaries": sums,
		"count":     len(sums),
	})
}

// handleListSources returns the tenant's auto-discovered sources.
func (h *Handler) handleListSources(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r)

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	sources, err := h.store.ListSources(ctx, t.ID)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"sources": sources,
		"count":   len(sources),
	})
}

// handleLive upgrades to a WebSocket streaming the tenant's stored events.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	h.hub.serveWS(w, r, tenantFrom(r).ID)
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version,
		Uptime:  time.Since(h.started).String(),
	})
}

// handleOpsStatus reports pipeline depth and storage usage.
func (h *Handler) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	lag, err := h.processor.Lag(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	dead, err := h.processor.DeadLetters(ctx, config.DeadLetterListLimit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"queue_lag":    lag,
		"dead_letters": len(dead),
		"events":       stats.TotalEvents,
		"aggregates":   stats.TotalAggregates,
		"sources":      stats.TotalSources,
		"size_bytes":   stats.SizeBytes,
		"uptime":       time.Since(h.started).String(),
	})
}

// handleOpsDeadLetters lists parked queue entries.
func (h *Handler) handleOpsDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	dead, err := h.processor.DeadLetters(ctx, config.DeadLetterListLimit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"dead_letters": dead,
		"count":        len(dead),
	})
}

// handleOpsProcess drains the queue once, synchronously.
func (h *Handler) handleOpsProcess(w http.ResponseWriter, r *http.Request) {
	stored, dead, err := h.processor.RunOnce(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"stored": stored, "dead_lettered": dead})
}

type opsAggregateRequest struct {
	TenantID    string `json:"tenant_id"`
	Granularity string `json:"granularity"`
	Bucket      string `json:"bucket"` // RFC3339, required with tenant_id
}

// handleOpsAggregate runs a full aggregation pass, or recomputes a single
// tenant bucket when the body names one.
func (h *Handler) handleOpsAggregate(w http.ResponseWriter, r *http.Request) {
	var req opsAggregateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body = full pass
	}

	if req.TenantID != "" {
		bucket, err := time.Parse(time.RFC3339, req.Bucket)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid bucket: %w", err))
			return
		}
		g := store.Granularity(req.Granularity)
		if err := h.aggregator.RecomputeBucket(r.Context(), req.TenantID, g, bucket); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]any{"recomputed": 1})
		return
	}

	n, err := h.aggregator.RunAll(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"buckets": n})
}

// handleOpsSweep runs a retention pass, synchronously.
func (h *Handler) handleOpsSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"events_deleted":     res.EventsDeleted,
		"aggregates_deleted": res.AggregatesDeleted,
		"summaries_deleted":  res.SummariesDeleted,
		"tenants":            res.Tenants,
	})
}

func parseRange(startStr, endStr string) (start, end time.Time, err error) {
	if startStr != "" {
		if start, err = time.Parse(time.RFC3339, startStr); err != nil {
			return start, end, fmt.Errorf("invalid start: %w", err)
		}
	}
	if endStr != "" {
		if end, err = time.Parse(time.RFC3339, endStr); err != nil {
			return start, end, fmt.Errorf("invalid end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, errors.New("end precedes start")
	}
	return start, end, nil
}

func clampLimit(s string) int {
	n := atoiDefault(s, config.QueryDefaultLimit)
	if n <= 0 {
		n = config.QueryDefaultLimit
	}
	if n > config.QueryMaxLimit {
		n = config.QueryMaxLimit
	}
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
