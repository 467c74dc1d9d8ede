// Package feeds maintains the configured package sources: fetching their
// indexes, caching the parsed lists between runs, and loading them into the
// package index.
package feeds

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketFeeds = "feeds"
	bucketMeta  = "meta"

	keyLastUpdate = "last_update"
)

// Cache stores the uncompressed index of every feed in a bolt database so
// package lists survive between runs without re-fetching.
type Cache struct {
	db *bbolt.DB
}

// OpenCache opens or creates the feed cache database.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open feed cache: %w", err)
	}

	// Ensure buckets exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketFeeds)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketMeta)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Put stores the uncompressed index data for a feed and stamps it.
func (c *Cache) Put(feed string, data []byte) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketFeeds)).Put([]byte(feed), data); err != nil {
			return err
		}
		key := keyLastUpdate + ":" + feed
		stamp := time.Now().UTC().Format(time.RFC3339)
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(key), []byte(stamp))
	})
}

// Get returns the cached index data for a feed, or nil when absent.
func (c *Cache) Get(feed string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketFeeds)).Get([]byte(feed)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// LastUpdate returns when a feed was last refreshed.
func (c *Cache) LastUpdate(feed string) (time.Time, error) {
	var t time.Time
	err := c.db.View(func(tx *bbolt.Tx) error {
		key := keyLastUpdate + ":" + feed
		data := tx.Bucket([]byte(bucketMeta)).Get([]byte(key))
		if data == nil {
			return nil
		}
		var err error
		t, err = time.Parse(time.RFC3339, string(data))
		return err
	})
	return t, err
}

// Feeds lists every cached feed name.
func (c *Cache) Feeds() ([]string, error) {
	var names []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketFeeds)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
