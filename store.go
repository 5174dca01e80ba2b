package main

import (
	"fmt"
	"time"

	"github.com/Psiphon-Labs/bolt"
	"github.com/hashicorp/go-hclog"
)

var malwareBucket = []byte("malware")

// HashStore is the authoritative set of known malicious hashes, kept in a
// bolt database. Keys are normalized hashes, values are the RFC 3339 time
// the hash was first saved.
type HashStore struct {
	db     *bolt.DB
	logger hclog.Logger
}

func OpenHashStore(path string, timeout time.Duration, logger hclog.Logger) (*HashStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open hash store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(malwareBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s bucket: %w", malwareBucket, err)
	}

	return &HashStore{db: db, logger: logger.Named("store")}, nil
}

func (s *HashStore) Close() error {
	return s.db.Close()
}

// Save stores hash and reports whether it was new. Saving a known hash is
// not an error.
func (s *HashStore) Save(hash string) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(malwareBucket)
		if b.Get([]byte(hash)) != nil {
			return nil
		}
		created = true
		return b.Put([]byte(hash), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return false, fmt.Errorf("failed to save hash: %w", err)
	}
	if !created {
		s.logger.Warn("hash already stored", "hash", hash)
	}
	return created, nil
}

func (s *HashStore) Exists(hash string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(malwareBucket).Get([]byte(hash)) != nil
		return nil
	})
	return exists, err
}

// Delete removes hash and reports whether it was present.
func (s *HashStore) Delete(hash string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(malwareBucket)
		if b.Get([]byte(hash)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(hash))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete hash: %w", err)
	}
	return deleted, nil
}

func (s *HashStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(malwareBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// AllHashes returns every stored hash in key order.
func (s *HashStore) AllHashes() ([]string, error) {
	var hashes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(malwareBucket)
		hashes = make([]string, 0, b.Stats().KeyN)
		return b.ForEach(func(k, _ []byte) error {
			hashes = append(hashes, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read hashes: %w", err)
	}
	return hashes, nil
}
