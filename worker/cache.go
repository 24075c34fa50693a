package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fluxproj/flux/flux"
)

var cacheBucket = []byte("task_cache")

// BoltCache is the worker-local task-output cache: a single bbolt file
// under the configured cache path. It is the only cache the worker's task
// runtime consults: the server-side store cache is neither probed nor
// filled, so entries are not shared between workers.
type BoltCache struct {
	db *bolt.DB
}

// NewBoltCache opens (creating if needed) the cache file at path.
func NewBoltCache(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCache{db: db}, nil
}

// Get implements flux.TaskCache.
func (c *BoltCache) Get(_ context.Context, taskName, fingerprint string) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(cacheBucket).Get(cacheKey(taskName, fingerprint)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Put implements flux.TaskCache. Entries are immutable: an existing key is
// left untouched.
func (c *BoltCache) Put(_ context.Context, taskName, fingerprint string, value []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(cacheBucket)
		key := cacheKey(taskName, fingerprint)
		if bucket.Get(key) != nil {
			return nil
		}
		return bucket.Put(key, value)
	})
}

// Close releases the cache file.
func (c *BoltCache) Close() error { return c.db.Close() }

func cacheKey(taskName, fingerprint string) []byte {
	return []byte(taskName + "\x00" + fingerprint)
}

var _ flux.TaskCache = (*BoltCache)(nil)
