package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// bucketGroups is the single top-level bucket holding one nested bucket per
// entity group (keyed by e.g. a topic hash); everything RunInGroup touches
// lives under here so one bolt.Tx naturally scopes to one group.
var bucketGroups = []byte("entity_groups")

// BoltStore implements Store using an embedded bbolt database. Flat
// entities (Subscription, FeedToFetch, KnownFeed, PollingMarker) each get
// their own top-level bucket, created on demand; grouped entities
// (FeedRecord/FeedEntryRecord/EventToDeliver) live under bucketGroups.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hub.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGroups)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *BoltStore) MultiGet(bucket string, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		for _, key := range keys {
			if v := b.Get([]byte(key)); v != nil {
				result[key] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) MultiPut(bucket string, items map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		for key, value := range items {
			if err := b.Put([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ListFrom(bucket, startKey string, limit int) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek([]byte(startKey)); k != nil && len(keys) < limit; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (s *BoltStore) RunInGroup(group string, fn func(tx GroupTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		groups, err := tx.CreateBucketIfNotExists(bucketGroups)
		if err != nil {
			return err
		}
		groupBucket, err := groups.CreateBucketIfNotExists([]byte(group))
		if err != nil {
			return err
		}
		return fn(&boltGroupTx{bucket: groupBucket})
	})
}

// boltGroupTx implements GroupTx against one entity group's nested bucket,
// lazily creating one further nested bucket per `sub` name on first write.
type boltGroupTx struct {
	bucket *bolt.Bucket
}

func (g *boltGroupTx) Get(sub, key string) ([]byte, error) {
	b := g.bucket.Bucket([]byte(sub))
	if b == nil {
		return nil, ErrNotFound
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (g *boltGroupTx) Put(sub, key string, value []byte) error {
	b, err := g.bucket.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

func (g *boltGroupTx) MultiPut(sub string, items map[string][]byte) error {
	b, err := g.bucket.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return err
	}
	for key, value := range items {
		if err := b.Put([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

func (g *boltGroupTx) Delete(sub, key string) error {
	b := g.bucket.Bucket([]byte(sub))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

func (g *boltGroupTx) ListKeys(sub string) ([]string, error) {
	b := g.bucket.Bucket([]byte(sub))
	if b == nil {
		return nil, nil
	}
	var keys []string
	return keys, b.ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
}
