// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package store persists agent state in an embedded bbolt database so
// reconciliation survives restarts and offline periods.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevice  = []byte("device")
	bucketTargets = []byte("target_state_snapshots")
	bucketCurrent = []byte("current_state_cache")
	bucketMeta    = []byte("meta")

	keyDevice  = []byte("identity")
	keyCurrent = []byte("latest")
)

// ErrCorrupt wraps any bbolt-level failure that indicates the database file
// is unusable. The supervisor maps it to exit code 2.
var ErrCorrupt = errors.New("local store corrupt")

// Store is a handle on the embedded database. Safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database under dir and ensures all buckets
// exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	path := filepath.Join(dir, "agent.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevice, bucketTargets, bucketCurrent, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveDevice persists the device identity and credentials.
func (s *Store) SaveDevice(v interface{}) error {
	return s.putJSON(bucketDevice, keyDevice, v)
}

// LoadDevice reads the device identity; found is false on first boot.
func (s *Store) LoadDevice(v interface{}) (found bool, err error) {
	return s.getJSON(bucketDevice, keyDevice, v)
}

// DeleteDevice removes the device identity (factory reset).
func (s *Store) DeleteDevice() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevice).Delete(keyDevice)
	})
}

// SaveTarget stores one versioned target snapshot in the history.
func (s *Store) SaveTarget(version int64, v interface{}) error {
	return s.putJSON(bucketTargets, versionKey(version), v)
}

// LatestTarget loads the highest-versioned snapshot.
func (s *Store) LatestTarget(v interface{}) (version int64, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		k, data := tx.Bucket(bucketTargets).Cursor().Last()
		if k == nil {
			return nil
		}
		version = int64(binary.BigEndian.Uint64(k))
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return 0, false, fmt.Errorf("reading target snapshot: %w", err)
	}
	return version, found, nil
}

// PruneTargets drops all but the most recent keep snapshots.
func (s *Store) PruneTargets(keep int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		n := b.Stats().KeyN
		c := b.Cursor()
		// c.Delete keeps the cursor valid, b.Delete mid-iteration would not
		for k, _ := c.First(); k != nil && n > keep; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			n--
		}
		return nil
	})
}

// SaveCurrent caches the most recent observed state snapshot.
func (s *Store) SaveCurrent(v interface{}) error {
	return s.putJSON(bucketCurrent, keyCurrent, v)
}

// LoadCurrent reads the cached observed state.
func (s *Store) LoadCurrent(v interface{}) (found bool, err error) {
	return s.getJSON(bucketCurrent, keyCurrent, v)
}

// SetMeta stores a small string value (ETag, last report time, ...).
func (s *Store) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})
}

// GetMeta reads a small string value; empty when unset.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(bucketMeta).Get([]byte(key)))
		return nil
	})
	return value, err
}

func (s *Store) putJSON(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *Store) getJSON(bucket, key []byte, v interface{}) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucket).Get(key); raw != nil {
			data = append(data, raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func versionKey(version int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(version))
	return k
}
