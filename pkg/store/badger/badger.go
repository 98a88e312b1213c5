package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/tkarski/eventgate/pkg/event"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// Storage implements store.Store on BadgerDB (LSM tree). Events are keyed
// by tenant plus a hash of their idempotency key, so writing a duplicate
// delivery overwrites the same row instead of creating a second one.
//
// Key layout:
//
//	ev|<tenant>|<idem-hash>                       event (JSON)
//	src|<tenant>|<source-id>                      source record
//	ag|<tenant>|<gran>|<bucket-unix>|<pair-hash>  aggregate row
//	sum|<tenant>|<date>                           daily summary
//	wm|<name>                                     checkpoint
type Storage struct {
	db *badger.DB

	// ownsDB is false when wrapping a database shared with other
	// components; Close then leaves it open for the owner.
	ownsDB bool
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB caps BadgerDB memory usage (0 = modest defaults).
	MaxMemoryMB int64
}

// New opens a BadgerDB storage backend with bounded memory usage.
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Badger's defaults assume a dedicated database host. Ingest nodes
	// run this next to the HTTP server, so the memtable, block cache and
	// value log are all capped well below the defaults.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Storage{db: db, ownsDB: true}, nil
}

// Wrap builds a storage backend over an already-open database. Close
// becomes a no-op; the caller owns the database lifecycle.
func Wrap(db *badger.DB) *Storage {
	return &Storage{db: db}
}

// DB exposes the underlying database so other components (queue, rate
// limit counters) can share it.
func (s *Storage) DB() *badger.DB { return s.db }

func eventKey(tenantID, idemKey string) []byte {
	return []byte(fmt.Sprintf("ev|%s|%016x", tenantID, xxhash.Sum64String(idemKey)))
}

func sourceKey(tenantID, sourceID string) []byte {
	return []byte("src|" + tenantID + "|" + sourceID)
}

func aggregateKey(a store.Aggregate) []byte {
	pair := xxhash.Sum64String(a.SourceID + "\x1f" + a.EventName)
	return []byte(fmt.Sprintf("ag|%s|%s|%016x|%016x", a.TenantID, a.Granularity, a.BucketStart.UTC().Unix(), pair))
}

func aggregatePrefix(tenantID string, g store.Granularity) []byte {
	return []byte(fmt.Sprintf("ag|%s|%s|", tenantID, g))
}

// WriteEvents upserts events in a single transaction.
func (s *Storage) WriteEvents(ctx context.Context, events []event.RawEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for i, e := range events {
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			val, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if err := txn.Set(eventKey(e.TenantID, e.IdempotencyKey()), val); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
		return nil
	})
}

// QueryEvents scans the tenant's prefix and filters by value. Results are
// sorted newest first after the scan; keys hash identity, not time.
func (s *Storage) QueryEvents(ctx context.Context, req store.QueryRequest) ([]event.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []event.RawEvent
	prefix := []byte("ev|" + req.TenantID + "|")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			if err := it.Item().Value(func(val []byte) error {
				var e event.RawEvent
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				if matchesQuery(e, req) {
					results = append(results, e)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortEventsDesc(results)
	if req.Offset > 0 {
		if req.Offset >= len(results) {
			return nil, nil
		}
		results = results[req.Offset:]
	}
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// DeleteEventsBefore removes up to batch events older than before.
func (s *Storage) DeleteEventsBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := []byte("ev|" + tenantID + "|")
	var victims [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if batch > 0 && len(victims) >= batch {
				break
			}
			item := it.Item()
			var e event.RawEvent
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.Timestamp.Before(before) {
				victims = append(victims, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range victims {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// EnsureSource creates the source record if absent and advances LastEventAt.
func (s *Storage) EnsureSource(ctx context.Context, src tenant.EventSource) (tenant.EventSource, error) {
	if err := ctx.Err(); err != nil {
		return tenant.EventSource{}, err
	}
	key := sourceKey(src.TenantID, src.ID)
	out := src

	err := s.db.Update(func(txn *badger.Txn) error {
		switch item, err := txn.Get(key); {
		case err == nil:
			var existing tenant.EventSource
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			if src.LastEventAt.After(existing.LastEventAt) {
				existing.LastEventAt = src.LastEventAt
			}
			out = existing
		case err == badger.ErrKeyNotFound:
			// First sighting, keep src as-is.
		default:
			return err
		}
		val, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return tenant.EventSource{}, fmt.Errorf("ensure source: %w", err)
	}
	return out, nil
}

// ListSources returns all known sources for a tenant.
func (s *Storage) ListSources(ctx context.Context, tenantID string) ([]tenant.EventSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []tenant.EventSource
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("src|" + tenantID + "|")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var src tenant.EventSource
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &src)
			}); err != nil {
				return err
			}
			out = append(out, src)
		}
		return nil
	})
	return out, err
}

// ReplaceAggregates deletes every row of the granularity whose bucket falls
// in [bucketStart, bucketEnd) and writes the new rows, in one transaction.
func (s *Storage) ReplaceAggregates(ctx context.Context, tenantID string, g store.Granularity, bucketStart, bucketEnd time.Time, aggs []store.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	startUnix := bucketStart.UTC().Unix()
	endUnix := bucketEnd.UTC().Unix()
	prefix := aggregatePrefix(tenantID, g)

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var victims [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			bucketUnix, ok := parseAggregateBucket(item.Key(), prefix)
			if !ok || bucketUnix < startUnix || bucketUnix >= endUnix {
				continue
			}
			victims = append(victims, item.KeyCopy(nil))
		}
		it.Close()

		for _, key := range victims {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, a := range aggs {
			val, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := txn.Set(aggregateKey(a), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueryAggregates retrieves rollups ordered by bucket start; keys encode
// the bucket so the prefix scan already yields that order.
func (s *Storage) QueryAggregates(ctx context.Context, req store.AggregateQuery) ([]store.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []store.Aggregate
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = aggregatePrefix(req.TenantID, req.Granularity)
		it := txn.NewIterator(opts)
		defer it.Close()
		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if req.Limit > 0 && len(results) >= req.Limit {
				break
			}
			var a store.Aggregate
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return err
			}
			if req.SourceID != "" && a.SourceID != req.SourceID {
				continue
			}
			if req.EventName != "" && a.EventName != req.EventName {
				continue
			}
			if !req.Start.IsZero() && a.BucketStart.Before(req.Start) {
				continue
			}
			if !req.End.IsZero() && !a.BucketStart.Before(req.End) {
				continue
			}
			if skipped < req.Offset {
				skipped++
				continue
			}
			results = append(results, a)
		}
		return nil
	})
	return results, err
}

// DeleteAggregatesBefore removes up to batch rows older than before across
// all granularities.
func (s *Storage) DeleteAggregatesBefore(ctx context.Context, tenantID string, before time.Time, batch int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("ag|" + tenantID + "|")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if batch > 0 && len(victims) >= batch {
				break
			}
			item := it.Item()
			var a store.Aggregate
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return err
			}
			if a.BucketStart.Before(before) {
				victims = append(victims, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range victims {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// WriteDailySummary upserts a per-tenant daily summary.
func (s *Storage) WriteDailySummary(ctx context.Context, sum store.TenantDailySummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("sum|"+sum.TenantID+"|"+sum.Date), val)
	})
}

// QueryDailySummaries retrieves summaries, newest first. Dates sort
// lexicographically, so a reverse scan over the prefix yields that order.
func (s *Storage) QueryDailySummaries(ctx context.Context, tenantID string, start, end time.Time, limit int) ([]store.TenantDailySummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []store.TenantDailySummary
	prefix := []byte("sum|" + tenantID + "|")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration starts past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			var sum store.TenantDailySummary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			}); err != nil {
				return err
			}
			day, err := time.Parse("2006-01-02", sum.Date)
			if err != nil {
				continue
			}
			if !start.IsZero() && day.Before(start) {
				continue
			}
			if !end.IsZero() && day.After(end) {
				continue
			}
			results = append(results, sum)
		}
		return nil
	})
	return results, err
}

// DeleteSummariesBefore removes summaries for days older than before. The
// forward scan can stop at the first surviving key since dates sort
// lexicographically.
func (s *Storage) DeleteSummariesBefore(ctx context.Context, tenantID string, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("sum|" + tenantID + "|")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			date := string(item.Key()[len(opts.Prefix):])
			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				continue
			}
			if !day.Before(before) {
				break
			}
			victims = append(victims, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range victims {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Watermark returns the named checkpoint, zero time when unset.
func (s *Storage) Watermark(ctx context.Context, name string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	var t time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("wm|" + name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := time.Parse(time.RFC3339Nano, string(val))
			if err != nil {
				return err
			}
			t = parsed
			return nil
		})
	})
	return t, err
}

// SetWatermark stores a named checkpoint.
func (s *Storage) SetWatermark(ctx context.Context, name string, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("wm|"+name), []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

// Stats returns storage statistics.
func (s *Storage) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats := &store.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			item := it.Item()
			key := string(item.Key())
			switch {
			case strings.HasPrefix(key, "ev|"):
				stats.TotalEvents++
				var e event.RawEvent
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &e)
				}); err != nil {
					return err
				}
				if stats.OldestEvent.IsZero() || e.Timestamp.Before(stats.OldestEvent) {
					stats.OldestEvent = e.Timestamp
				}
				if e.Timestamp.After(stats.NewestEvent) {
					stats.NewestEvent = e.Timestamp
				}
			case strings.HasPrefix(key, "ag|"):
				stats.TotalAggregates++
			case strings.HasPrefix(key, "src|"):
				stats.TotalSources++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// RunGC runs value log garbage collection, reclaiming space from deleted
// events. Returns badger's error when GC was not needed.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close shuts down the database when this storage owns it.
func (s *Storage) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func parseAggregateBucket(key, prefix []byte) (int64, bool) {
	rest := strings.TrimPrefix(string(key), string(prefix))
	parts := strings.SplitN(rest, "|", 2)
	if len(parts) != 2 {
		return 0, false
	}
	var bucket int64
	if _, err := fmt.Sscanf(parts[0], "%016x", &bucket); err != nil {
		return 0, false
	}
	return bucket, true
}

func matchesQuery(e event.RawEvent, req store.QueryRequest) bool {
	if req.SourceID != "" && e.SourceID != req.SourceID {
		return false
	}
	if req.EventName != "" && e.Name != req.EventName {
		return false
	}
	if req.UserID != "" && e.UserID != req.UserID {
		return false
	}
	if !req.Start.IsZero() && e.Timestamp.Before(req.Start) {
		return false
	}
	if !req.End.IsZero() && e.Timestamp.After(req.End) {
		return false
	}
	return true
}

func sortEventsDesc(events []event.RawEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
