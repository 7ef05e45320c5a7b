// Package cache persists the most recent live fix so a daemon restart can
// warm the controller before the first provider reading arrives.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/position"
)

// Bucket names for the bbolt database.
const (
	FixBucket  = "last_fix"
	MetaBucket = "metadata"
)

const (
	liveFixKey    = "live"
	schemaKey     = "schema_version"
	schemaVersion = "1"
)

// StoredFix is the persisted form of the last live reading.
type StoredFix struct {
	Position position.Position `json:"position"`
	Source   string            `json:"source"`
	SavedAt  time.Time         `json:"saved_at"`
}

// Store is the on-disk last-fix cache.
type Store struct {
	logger *logx.Logger
	db     *bolt.DB
	path   string
}

// Open opens the cache database at path, creating the file and its parent
// directory as needed.
func Open(path string, logger *logx.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	store := &Store{logger: logger, db: db, path: path}
	if err := store.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache buckets: %w", err)
	}
	return store, nil
}

// initializeBuckets creates the buckets and stamps the schema version.
func (s *Store) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{FixBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(schemaKey), []byte(schemaVersion))
	})
}

// SaveFix persists a live reading as the most recent known fix, replacing
// any previous one.
func (s *Store) SaveFix(pos position.Position, source string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}

	data, err := json.Marshal(&StoredFix{Position: pos, Source: source, SavedAt: at})
	if err != nil {
		return fmt.Errorf("failed to marshal fix: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(FixBucket))
		if bucket == nil {
			return fmt.Errorf("fix bucket not found")
		}
		return bucket.Put([]byte(liveFixKey), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store fix: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("cache_fix_saved", "source", source, "position", pos.String())
	}
	return nil
}

// LoadFix returns the persisted fix, or nil when none has been saved yet.
func (s *Store) LoadFix() (*StoredFix, error) {
	var stored *StoredFix

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(FixBucket))
		if bucket == nil {
			return fmt.Errorf("fix bucket not found")
		}

		data := bucket.Get([]byte(liveFixKey))
		if data == nil {
			return nil
		}

		stored = &StoredFix{}
		if err := json.Unmarshal(data, stored); err != nil {
			return fmt.Errorf("failed to unmarshal fix: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
