// Package postgres implements store.Store on PostgreSQL for deployments
// where several ingest nodes share one database. Upserts lean on ON
// CONFLICT so the idempotency and recompute-and-replace semantics match
// the embedded backend exactly.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// Storage is a pgx-backed store.
type Storage struct {
	pool *pgxpool.Pool
}

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Storage{pool: pool}
	if err := s.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) bootstrap(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS events (
			tenant_id    text NOT NULL,
			event_key    text NOT NULL,
			id           text NOT NULL,
			event_id     text,
			source_id    text NOT NULL,
			event_name   text NOT NULL,
			properties   jsonb,
			user_id      text,
			session_id   text,
			remote_addr  text,
			user_agent   text,
			ts           timestamptz NOT NULL,
			received_at  timestamptz NOT NULL,
			processed_at timestamptz,
			PRIMARY KEY (tenant_id, event_key)
		)`,
		`CREATE INDEX IF NOT EXISTS events_tenant_ts_idx ON events (tenant_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS sources (
			tenant_id     text NOT NULL,
			id            text NOT NULL,
			name          text NOT NULL,
			active        boolean NOT NULL DEFAULT true,
			first_seen    timestamptz NOT NULL,
			last_event_at timestamptz NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS aggregates (
			tenant_id       text NOT NULL,
			granularity     text NOT NULL,
			bucket_start    timestamptz NOT NULL,
			source_id       text NOT NULL,
			event_name      text NOT NULL,
			event_count     bigint NOT NULL,
			unique_users    bigint NOT NULL,
			unique_sessions bigint NOT NULL,
			computed_at     timestamptz NOT NULL,
			PRIMARY KEY (tenant_id, granularity, bucket_start, source_id, event_name)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			tenant_id text NOT NULL,
			day       date NOT NULL,
			payload   jsonb NOT NULL,
			PRIMARY KEY (tenant_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			name text PRIMARY KEY,
			ts   timestamptz NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// WriteEvents upserts events in one batch round trip.
func (s *Storage) WriteEvents(ctx context.Context, events []event.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		batch.Queue(`INSERT INTO events
			(tenant_id, event_key, id, event_id, source_id, event_name, properties,
			 user_id, session_id, remote_addr, user_agent, ts, received_at, processed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (tenant_id, event_key) DO UPDATE SET
			  properties = EXCLUDED.properties,
			  processed_at = EXCLUDED.processed_at`,
			e.TenantID, e.IdempotencyKey(), e.ID, e.EventID, e.SourceID, e.Name, props,
			e.UserID, e.SessionID, e.RemoteAddr, e.UserAgent, e.Timestamp, e.ReceivedAt, e.ProcessedAt)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// QueryEvents retrieves events for one tenant, newest first.
func (s *Storage) QueryEvents(ctx context.Context, req store.QueryRequest) ([]event.RawEvent, error) {
	q := `SELECT id, event_id, source_id, event_name, properties, user_id, session_id,
	             remote_addr, user_agent, ts, received_at, processed_at
	      FROM events WHERE tenant_id = $1`
	args := []any{req.TenantID}

	add := func(clause string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if req.SourceID != "" {
		add("source_id =", req.SourceID)
	}
	if req.EventName != "" {
		add("event_name =", req.EventName)
	}
	if req.UserID != "" {
		add("user_id =", req.UserID)
	}
	if !req.Start.IsZero() {
		add("ts >=", req.Start)
	}
	if !req.End.IsZero() {
		add("ts <=", req.End)
	}
	q += " ORDER BY ts DESC"
	if req.Limit > 0 {
		args = append(args, req.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if req.Offset > 0 {
		args = append(args, req.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.RawEvent
	for rows.Next() {
		var e event.RawEvent
		var props []byte
		var processedAt *time.Time
		if err := rows.Scan(&e.ID, &e.EventID, &e.SourceID, &e.Name, &props, &e.UserID,
			&e.SessionID, &e.RemoteAddr, &e.UserAgent, &e.Timestamp, &e.ReceivedAt, &processedAt); err != nil {
			return nil, err
		}
		e.TenantID = req.TenantID
		if len(props) > 0 {
			if err := json.Unmarshal(props, &e.Properties); err != nil {
				return nil, fmt.Errorf("decode properties: %w", err)
			}
		}
		if processedAt != nil {
			e.ProcessedAt = *processedAt
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes up to batch events older than before.
func (s *Storage) DeleteEventsBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events
		WHERE (tenant_id, event_key) IN (
			SELECT tenant_id, event_key FROM events
			WHERE tenant_id = $1 AND ts < $2 LIMIT $3)`,
		tenantID, before, batch)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// EnsureSource creates the source record if absent and advances LastEventAt.
func (s *Storage) EnsureSource(ctx context.Context, src tenant.EventSource) (tenant.EventSource, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO sources
		(tenant_id, id, name, active, first_seen, last_event_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
		  last_event_at = GREATEST(sources.last_event_at, EXCLUDED.last_event_at)
		RETURNING name, active, first_seen, last_event_at`,
		src.TenantID, src.ID, src.Name, src.Active, src.FirstSeen, src.LastEventAt)

	out := src
	if err := row.Scan(&out.Name, &out.Active, &out.FirstSeen, &out.LastEventAt); err != nil {
		return tenant.EventSource{}, fmt.Errorf("ensure source: %w", err)
	}
	return out, nil
}

// ListSources returns all known sources for a tenant.
func (s *Storage) ListSources(ctx context.Context, tenantID string) ([]tenant.EventSource, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, active, first_seen, last_event_at
		FROM sources WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tenant.EventSource
	for rows.Next() {
		src := tenant.EventSource{TenantID: tenantID}
		if err := rows.Scan(&src.ID, &src.Name, &src.Active, &src.FirstSeen, &src.LastEventAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ReplaceAggregates swaps the bucket range in one transaction.
func (s *Storage) ReplaceAggregates(ctx context.Context, tenantID string, g store.Granularity, bucketStart, bucketEnd time.Time, aggs []store.Aggregate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM aggregates
		WHERE tenant_id = $1 AND granularity = $2 AND bucket_start >= $3 AND bucket_start < $4`,
		tenantID, string(g), bucketStart, bucketEnd); err != nil {
		return err
	}
	for _, a := range aggs {
		if _, err := tx.Exec(ctx, `INSERT INTO aggregates
			(tenant_id, granularity, bucket_start, source_id, event_name,
			 event_count, unique_users, unique_sessions, computed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			a.TenantID, string(a.Granularity), a.BucketStart, a.SourceID, a.EventName,
			a.EventCount, a.UniqueUsers, a.UniqueSessions, a.ComputedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// QueryAggregates retrieves rollups ordered by bucket start.
func (s *Storage) QueryAggregates(ctx context.Context, req store.AggregateQuery) ([]store.Aggregate, error) {
	q := `SELECT source_id, event_name, bucket_start, event_count, unique_users, unique_sessions, computed_at
	      FROM aggregates WHERE tenant_id = $1 AND granularity = $2`
	args := []any{req.TenantID, string(req.Granularity)}

	if req.SourceID != "" {
		args = append(args, req.SourceID)
		q += fmt.Sprintf(" AND source_id = $%d", len(args))
	}
	if req.EventName != "" {
		args = append(args, req.EventName)
		q += fmt.Sprintf(" AND event_name = $%d", len(args))
	}
	if !req.Start.IsZero() {
		args = append(args, req.Start)
		q += fmt.Sprintf(" AND bucket_start >= $%d", len(args))
	}
	if !req.End.IsZero() {
		args = append(args, req.End)
		q += fmt.Sprintf(" AND bucket_start < $%d", len(args))
	}
	q += " ORDER BY bucket_start"
	if req.Limit > 0 {
		args = append(args, req.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if req.Offset > 0 {
		args = append(args, req.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Aggregate
	for rows.Next() {
		a := store.Aggregate{TenantID: req.TenantID, Granularity: req.Granularity}
		if err := rows.Scan(&a.SourceID, &a.EventName, &a.BucketStart, &a.EventCount,
			&a.UniqueUsers, &a.UniqueSessions, &a.ComputedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAggregatesBefore removes up to batch rows older than before.
func (s *Storage) DeleteAggregatesBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM aggregates
		WHERE (tenant_id, granularity, bucket_start, source_id, event_name) IN (
			SELECT tenant_id, granularity, bucket_start, source_id, event_name
			FROM aggregates WHERE tenant_id = $1 AND bucket_start < $2 LIMIT $3)`,
		tenantID, before, batch)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// WriteDailySummary upserts the summary as a jsonb payload.
func (s *Storage) WriteDailySummary(ctx context.Context, sum store.TenantDailySummary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO daily_summaries (tenant_id, day, payload)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, day) DO UPDATE SET payload = EXCLUDED.payload`,
		sum.TenantID, sum.Date, payload)
	return err
}

// QueryDailySummaries retrieves summaries, newest first.
func (s *Storage) QueryDailySummaries(ctx context.Context, tenantID string, start, end time.Time, limit int) ([]store.TenantDailySummary, error) {
	q := `SELECT payload FROM daily_summaries WHERE tenant_id = $1`
	args := []any{tenantID}
	if !start.IsZero() {
		args = append(args, start)
		q += fmt.Sprintf(" AND day >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		q += fmt.Sprintf(" AND day <= $%d", len(args))
	}
	q += " ORDER BY day DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.TenantDailySummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var sum store.TenantDailySummary
		if err := json.Unmarshal(payload, &sum); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSummariesBefore removes summaries for days older than before.
func (s *Storage) DeleteSummariesBefore(ctx context.Context, tenantID string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM daily_summaries WHERE tenant_id = $1 AND day < $2`, tenantID, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Watermark returns the named checkpoint, zero time when unset.
func (s *Storage) Watermark(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT ts FROM watermarks WHERE name = $1`, name).Scan(&t)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	return t, err
}

// SetWatermark stores a named checkpoint.
func (s *Storage) SetWatermark(ctx context.Context, name string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO watermarks (name, ts) VALUES ($1,$2)
		ON CONFLICT (name) DO UPDATE SET ts = EXCLUDED.ts`, name, t)
	return err
}

// Stats returns coarse usage counts.
func (s *Storage) Stats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{}
	row := s.pool.QueryRow(ctx, `SELECT
		(SELECT count(*) FROM events),
		(SELECT count(*) FROM aggregates),
		(SELECT count(*) FROM sources),
		COALESCE((SELECT min(ts) FROM events), 'epoch'::timestamptz),
		COALESCE((SELECT max(ts) FROM events), 'epoch'::timestamptz)`)
	var oldest, newest time.Time
	if err := row.Scan(&stats.TotalEvents, &stats.TotalAggregates, &stats.TotalSources, &oldest, &newest); err != nil {
		return nil, err
	}
	if stats.TotalEvents > 0 {
		stats.OldestEvent = oldest
		stats.NewestEvent = newest
	}
	return stats, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}
