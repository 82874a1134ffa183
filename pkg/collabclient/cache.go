package collabclient

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

type cachedSnapshot struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Cache keeps the last known snapshot per template in a local bbolt file, so
// an editor that comes up offline still has something to render.
type Cache struct {
	db *bolt.DB
}

func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("collabclient: open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("collabclient: init cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Put stores the latest snapshot for a template, overwriting any previous
// one.
func (c *Cache) Put(templateID string, data json.RawMessage, version int64) error {
	b, err := json.Marshal(cachedSnapshot{Version: version, Data: data})
	if err != nil {
		return fmt.Errorf("collabclient: marshal cached snapshot: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(templateID), b)
	})
}

// Get returns the cached snapshot for a template, or an error when there is
// none.
func (c *Cache) Get(templateID string) (json.RawMessage, int64, error) {
	var cs cachedSnapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotBucket).Get([]byte(templateID))
		if raw == nil {
			return fmt.Errorf("collabclient: no cached snapshot for %s", templateID)
		}
		return json.Unmarshal(raw, &cs)
	})
	if err != nil {
		return nil, 0, err
	}
	return cs.Data, cs.Version, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
