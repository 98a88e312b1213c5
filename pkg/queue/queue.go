// Package queue is a durable append-only delivery log backed by badger.
// Entries are partitioned by tenant and consumed through named consumer
// groups with at-least-once delivery: a dequeued entry stays invisible for
// a visibility timeout and is redelivered if not acked in time.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"

	"github.com/tkarski/eventgate/pkg/config"
)

// Entry is one queued unit of work. Payload is opaque to the queue.
type Entry struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	SourceID   string          `json:"source_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is an entry handed to a consumer, annotated with claim state.
type Delivery struct {
	Entry
	Attempts int       `json:"attempts"`
	VisibleAt time.Time `json:"visible_at"`
}

// DeadEntry is an entry parked after its consumer gave up on it.
type DeadEntry struct {
	Entry
	Group    string    `json:"group"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	DeadAt   time.Time `json:"dead_at"`
}

type claim struct {
	Attempts  int       `json:"attempts"`
	VisibleAt time.Time `json:"visible_at"`
	Consumer  string    `json:"consumer"`
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue closed")

// Key layout, all tab-free pipe-delimited strings:
//
//	q|e|<partition>|<ulid>          entry body
//	q|c|<group>|<partition>|<ulid>  in-flight claim
//	q|a|<group>|<partition>|<ulid>  ack marker
//	q|d|<group>|<partition>|<ulid>  dead letter
//	q|g|<group>                     group registration
//
// ULIDs sort lexicographically by time, so iteration over e| yields
// enqueue order within a partition.
const (
	entryPrefix = "q|e|"
	claimPrefix = "q|c|"
	ackPrefix   = "q|a|"
	deadPrefix  = "q|d|"
	groupPrefix = "q|g|"
)

// Queue is the badger-backed implementation. Safe for concurrent use.
type Queue struct {
	db         *badger.DB
	visibility time.Duration

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	closed  bool
}

// Open wraps an open badger database. The queue only touches keys under
// its own prefixes and can share the database with other components.
func Open(db *badger.DB) *Queue {
	return &Queue{
		db:         db,
		visibility: config.QueueVisibilityTimeout,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

// WithVisibility overrides the redelivery timeout, mainly for tests.
func (q *Queue) WithVisibility(d time.Duration) *Queue {
	q.visibility = d
	return q
}

func (q *Queue) nextID(now time.Time) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Enqueue appends payload to the tenant's partition and returns the entry.
func (q *Queue) Enqueue(ctx context.Context, tenantID, sourceID string, payload json.RawMessage) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Entry{}, ErrClosed
	}

	now := time.Now().UTC()
	id, err := q.nextID(now)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue id: %w", err)
	}
	e := Entry{ID: id, TenantID: tenantID, SourceID: sourceID, Payload: payload, EnqueuedAt: now}
	val, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue encode: %w", err)
	}
	key := []byte(entryPrefix + tenantID + "|" + id)
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return Entry{}, fmt.Errorf("enqueue write: %w", err)
	}
	return e, nil
}

func (q *Queue) registerGroup(group string) error {
	key := []byte(groupPrefix + group)
	return q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		}
		return txn.Set(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func (q *Queue) groups() ([]string, error) {
	var out []string
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(groupPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), groupPrefix))
		}
		return nil
	})
	return out, err
}

// Dequeue claims up to max entries for group across all partitions.
// Unclaimed entries and entries whose claim's visibility timeout has lapsed
// are both eligible; redelivered entries carry an incremented attempt count.
func (q *Queue) Dequeue(ctx context.Context, group, consumer string, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.registerGroup(group); err != nil {
		return nil, fmt.Errorf("dequeue register group: %w", err)
	}

	now := time.Now().UTC()
	var out []Delivery

	err := q.db.Update(func(txn *badger.Txn) error {
		out = out[:0]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < max; it.Next() {
			item := it.Item()
			suffix := strings.TrimPrefix(string(item.Key()), entryPrefix) // <partition>|<ulid>

			if _, err := txn.Get([]byte(ackPrefix + group + "|" + suffix)); err == nil {
				continue
			}
			if _, err := txn.Get([]byte(deadPrefix + group + "|" + suffix)); err == nil {
				continue
			}

			claimKey := []byte(claimPrefix + group + "|" + suffix)
			var c claim
			switch claimItem, err := txn.Get(claimKey); {
			case err == nil:
				if err := claimItem.Value(func(val []byte) error {
					return json.Unmarshal(val, &c)
				}); err != nil {
					return err
				}
				if now.Before(c.VisibleAt) {
					continue // still in flight
				}
			case err != badger.ErrKeyNotFound:
				return err
			}

			var e Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}

			c.Attempts++
			c.VisibleAt = now.Add(q.visibility)
			c.Consumer = consumer
			claimVal, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := txn.Set(claimKey, claimVal); err != nil {
				return err
			}
			out = append(out, Delivery{Entry: e, Attempts: c.Attempts, VisibleAt: c.VisibleAt})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return out, nil
}

func entrySuffix(e Entry) string { return e.TenantID + "|" + e.ID }

// Ack marks the entry consumed by group. Acking an already-acked or
// unknown entry is a no-op, which keeps retries of the caller idempotent.
func (q *Queue) Ack(ctx context.Context, group string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	suffix := entrySuffix(e)
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(ackPrefix+group+"|"+suffix), []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		err := txn.Delete([]byte(claimPrefix + group + "|" + suffix))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// DeadLetter parks the entry for group with a reason and acks it so it is
// never redelivered to that group.
func (q *Queue) DeadLetter(ctx context.Context, group string, d Delivery, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	suffix := entrySuffix(d.Entry)
	dead := DeadEntry{Entry: d.Entry, Group: group, Reason: reason, Attempts: d.Attempts, DeadAt: time.Now().UTC()}
	val, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("dead letter encode: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(deadPrefix+group+"|"+suffix), val); err != nil {
			return err
		}
		if err := txn.Set([]byte(ackPrefix+group+"|"+suffix), []byte(dead.DeadAt.Format(time.RFC3339Nano))); err != nil {
			return err
		}
		err := txn.Delete([]byte(claimPrefix + group + "|" + suffix))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Lag counts entries not yet acked by group, across all partitions.
func (q *Queue) Lag(ctx context.Context, group string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var lag int
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			suffix := strings.TrimPrefix(string(it.Item().Key()), entryPrefix)
			if _, err := txn.Get([]byte(ackPrefix + group + "|" + suffix)); err == badger.ErrKeyNotFound {
				lag++
			}
		}
		return nil
	})
	return lag, err
}

// DeadLetters returns up to max parked entries for group.
func (q *Queue) DeadLetters(ctx context.Context, group string, max int) ([]DeadEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []DeadEntry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadPrefix + group + "|")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(out) < max; it.Next() {
			var d DeadEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// Trim deletes entries older than age that every registered consumer group
// has acked, together with their claim and ack records. Dead letters are
// kept until inspected and removed explicitly.
func (q *Queue) Trim(ctx context.Context, age time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	groups, err := q.groups()
	if err != nil {
		return 0, fmt.Errorf("trim groups: %w", err)
	}
	if len(groups) == 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-age)

	type victim struct {
		key    []byte
		suffix string
	}
	var victims []victim

	err = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var e Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.EnqueuedAt.After(cutoff) {
				continue
			}
			ackedByAll := true
			suffix := strings.TrimPrefix(string(item.Key()), entryPrefix)
			for _, g := range groups {
				if _, err := txn.Get([]byte(ackPrefix + g + "|" + suffix)); err == badger.ErrKeyNotFound {
					ackedByAll = false
					break
				}
			}
			if ackedByAll {
				victims = append(victims, victim{key: item.KeyCopy(nil), suffix: suffix})
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("trim scan: %w", err)
	}

	wb := q.db.NewWriteBatch()
	defer wb.Cancel()
	for _, v := range victims {
		if err := wb.Delete(v.key); err != nil {
			return 0, err
		}
		for _, g := range groups {
			if err := wb.Delete([]byte(ackPrefix + g + "|" + v.suffix)); err != nil {
				return 0, err
			}
			if err := wb.Delete([]byte(claimPrefix + g + "|" + v.suffix)); err != nil {
				return 0, err
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("trim flush: %w", err)
	}
	return len(victims), nil
}

// Close marks the queue closed. The underlying database is owned by the
// caller and is not closed here.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
