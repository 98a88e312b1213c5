package ratelimit

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "rl|"

// BadgerStore keeps window buckets in badger so counters survive restarts
// and can be shared between processes embedding the same database. Buckets
// carry a TTL slightly past the window so badger reclaims them without a
// sweep.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open badger database. The store only touches keys
// under its own prefix, so it can share a database with other components.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func bucketKey(key string, sec int64) []byte {
	return []byte(badgerKeyPrefix + key + "|" + strconv.FormatInt(sec, 10))
}

// IncrWindow implements Store. The increment and the window scan run in one
// transaction; badger serializes conflicting writes, so a retried conflict
// still observes its own increment.
func (s *BadgerStore) IncrWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sec := now.Unix()
	oldest := sec - int64(window/time.Second) + 1
	var total int64

	op := func(txn *badger.Txn) error {
		total = 0
		cur := bucketKey(key, sec)

		var count int64
		switch item, err := txn.Get(cur); {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					count = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			}); err != nil {
				return err
			}
		case err != badger.ErrKeyNotFound:
			return err
		}
		count++

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(count))
		entry := badger.NewEntry(cur, buf).WithTTL(window + 10*time.Second)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		total += count

		prefix := []byte(badgerKeyPrefix + key + "|")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			suffix := strings.TrimPrefix(string(item.Key()), string(prefix))
			bucketSec, err := strconv.ParseInt(suffix, 10, 64)
			if err != nil || bucketSec < oldest || bucketSec == sec {
				continue
			}
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					total += int64(binary.BigEndian.Uint64(val))
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.db.Update(op)
		if err != badger.ErrConflict {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit incr %q: %w", key, err)
	}
	return total, nil
}
