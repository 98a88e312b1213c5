// Package gatekeeper runs the ingest admission pipeline: authenticate the
// API key, validate the payload, check rate budgets, resolve the source,
// apply sampling, enrich identity fields and hand the event to the durable
// queue. It owns the error taxonomy the HTTP layer maps to status codes.
package gatekeeper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/queue"
	"github.com/tkarski/eventgate/pkg/ratelimit"
	"github.com/tkarski/eventgate/pkg/sampling"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// ErrorCode classifies admission failures. Codes are part of the API
// surface and map one-to-one to HTTP status codes.
type ErrorCode string

const (
	CodeAuthenticationFailed ErrorCode = "authentication_failed" // 401
	CodeValidationFailed     ErrorCode = "validation_failed"     // 400
	CodeRateLimited          ErrorCode = "rate_limited"          // 429
	CodeEnqueueFailed        ErrorCode = "enqueue_failed"        // 503, retryable
)

// Error is a rejected admission.
type Error struct {
	Code       ErrorCode
	Msg        string
	Fields     []event.FieldError // set for validation failures
	RetryAfter time.Duration      // set for rate limits
	Retryable  bool
	cause      error
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Msg }
func (e *Error) Unwrap() error { return e.cause }

// Result is a successful admission. Sampled reports whether the event was
// kept; a sampled-out event is still a success from the client's point of
// view, so retrying it would be wrong.
type Result struct {
	Sampled bool
	Event   event.RawEvent
	EntryID string
}

// Gatekeeper wires the admission pipeline together.
type Gatekeeper struct {
	registry *tenant.Registry
	limiter  *ratelimit.Limiter
	store    store.Store
	queue    *queue.Queue
	log      zerolog.Logger
}

// New assembles a gatekeeper.
func New(registry *tenant.Registry, limiter *ratelimit.Limiter, st store.Store, q *queue.Queue, log zerolog.Logger) *Gatekeeper {
	return &Gatekeeper{registry: registry, limiter: limiter, store: st, queue: q, log: log}
}

// Admit runs one event through the full pipeline. remoteAddr and userAgent
// describe the submitting client and feed both the address rate budget and
// identity enrichment.
func (g *Gatekeeper) Admit(ctx context.Context, apiKey string, req event.IngestRequest, remoteAddr, userAgent string) (Result, *Error) {
	now := time.Now().UTC()

	t, scope, ok := g.registry.Lookup(apiKey)
	if !ok || scope != tenant.ScopeIngest || t.Disabled {
		// Unknown key, wrong scope and disabled tenant are
		// indistinguishable to the caller on purpose.
		return Result{}, &Error{Code: CodeAuthenticationFailed, Msg: "invalid API key"}
	}

	if fields := req.Validate(now); len(fields) > 0 {
		return Result{}, &Error{Code: CodeValidationFailed, Msg: "invalid event payload", Fields: fields}
	}
	if !t.SourceActive(req.EventSource) {
		return Result{}, &Error{
			Code:   CodeValidationFailed,
			Msg:    "event source is deactivated",
			Fields: []event.FieldError{{Field: "event_source", Msg: "source is deactivated"}},
		}
	}

	if d := g.limiter.Allow(ctx, ratelimit.TenantKey(t.ID), t.RatePerMinute); !d.Allowed {
		return Result{}, &Error{Code: CodeRateLimited, Msg: "tenant rate limit exceeded", RetryAfter: d.RetryAfter, Retryable: true}
	}
	if remoteAddr != "" {
		if d := g.limiter.Allow(ctx, ratelimit.AddrKey(remoteAddr), t.AddrRatePerMinute); !d.Allowed {
			return Result{}, &Error{Code: CodeRateLimited, Msg: "client rate limit exceeded", RetryAfter: d.RetryAfter, Retryable: true}
		}
	}

	e := event.RawEvent{
		ID:         event.NewID(),
		EventID:    req.EventID,
		TenantID:   t.ID,
		SourceID:   tenant.SourceID(t.ID, req.EventSource),
		Name:       req.EventName,
		Properties: req.Properties,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		ReceivedAt: now,
		Timestamp:  now,
	}
	if req.Timestamp != nil {
		e.Timestamp = req.Timestamp.UTC()
	}

	// The source is recorded before sampling: a sighting counts even when
	// the event itself is dropped. The record is advisory metadata, so a
	// write failure must not reject an otherwise valid event.
	if _, err := g.store.EnsureSource(ctx, tenant.EventSource{
		ID:          e.SourceID,
		TenantID:    t.ID,
		Name:        req.EventSource,
		Active:      true,
		FirstSeen:   now,
		LastEventAt: now,
	}); err != nil {
		g.log.Warn().Err(err).Str("tenant", t.ID).Str("source", req.EventSource).Msg("source upsert failed")
	}

	decision := sampling.Decide(t.EffectiveSampling(req.EventSource), t.ID, e.UserID, e.Timestamp)
	if !decision.Accept {
		return Result{Sampled: true}, nil
	}

	e.Enrich()

	payload, err := json.Marshal(e)
	if err != nil {
		return Result{}, &Error{Code: CodeEnqueueFailed, Msg: "failed to encode event", Retryable: true, cause: err}
	}
	entry, err := g.queue.Enqueue(ctx, t.ID, e.SourceID, payload)
	if err != nil {
		g.log.Error().Err(err).Str("tenant", t.ID).Msg("enqueue failed")
		return Result{}, &Error{Code: CodeEnqueueFailed, Msg: "event could not be queued", Retryable: true, cause: err}
	}

	return Result{Event: e, EntryID: entry.ID}, nil
}
