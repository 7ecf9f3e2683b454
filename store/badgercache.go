package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"toolguard/types"
)

// BadgerCache is an embedded durable cache tier backed by BadgerDB.
// Entry TTLs map onto Badger's native key TTL, so expired entries vanish
// from reads without an external sweep.
type BadgerCache struct {
	db *badger.DB
}

// OpenBadgerCache opens (or creates) a Badger cache at the given path.
func OpenBadgerCache(path string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// OpenInMemoryBadgerCache opens a non-persistent instance for testing.
func OpenInMemoryBadgerCache() (*BadgerCache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory badger cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// Close releases the database.
func (b *BadgerCache) Close() error {
	return b.db.Close()
}

// GetEntry returns a cache entry or ErrNotFound.
func (b *BadgerCache) GetEntry(ctx context.Context, cacheKey string) (*types.ToolCallCacheEntry, error) {
	var entry types.ToolCallCacheEntry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cacheKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return &entry, nil
}

// PutEntry stores an entry with a TTL derived from its expiry.
func (b *BadgerCache) PutEntry(ctx context.Context, entry *types.ToolCallCacheEntry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		// Already expired; storing it would be a no-op read-side anyway.
		return nil
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(entry.CacheKey), val).WithTTL(ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes one cache entry.
func (b *BadgerCache) DeleteEntry(ctx context.Context, cacheKey string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(cacheKey))
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeleteSession removes every entry under the sessionID: prefix.
func (b *BadgerCache) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	prefix := []byte(sessionID + ":")
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan session cache entries: %w", err)
	}
	removed := 0
	for _, key := range keys {
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return removed, fmt.Errorf("failed to delete session cache entry: %w", err)
		}
		removed++
	}
	return removed, nil
}

// DeleteExpired is a no-op for Badger: expired keys are invisible to reads
// and reclaimed by Badger's own value-log GC.
func (b *BadgerCache) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
