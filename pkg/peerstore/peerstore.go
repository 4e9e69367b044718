// Package peerstore is the Peer Store: a single-bucket bbolt database
// keyed on normalized hostname, durable across agent restarts.
package peerstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/scottdkey/halvor/pkg/types"
)

var bucketPeers = []byte("peers")

// Store is a bbolt-backed Peer Record table.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the peer database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "halvor-peers.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open peer store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create peers bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(hostname string) []byte {
	return []byte(strings.ToLower(hostname))
}

// Upsert writes or replaces the Peer Record keyed on its (already
// normalized) hostname.
func (s *Store) Upsert(record types.PeerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal peer record: %w", err)
		}
		return tx.Bucket(bucketPeers).Put(key(record.Hostname), data)
	})
}

// DeleteByHostname removes the Peer Record for hostname, if present.
func (s *Store) DeleteByHostname(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete(key(hostname))
	})
}

// RenameHostname performs the delete-then-insert rename an Invariant
// in §3 requires when a peer's normalized hostname changes, carrying
// every field of the existing record forward under the new key.
func (s *Store) RenameHostname(oldHostname, newHostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		data := b.Get(key(oldHostname))
		if data == nil {
			return fmt.Errorf("rename: no record for %s", oldHostname)
		}
		var record types.PeerRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("unmarshal peer record: %w", err)
		}
		record.Hostname = newHostname
		newData, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal renamed peer record: %w", err)
		}
		if err := b.Delete(key(oldHostname)); err != nil {
			return err
		}
		return b.Put(key(newHostname), newData)
	})
}

// Get returns the Peer Record for hostname.
func (s *Store) Get(hostname string) (types.PeerRecord, bool, error) {
	var record types.PeerRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get(key(hostname))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &record)
	})
	return record, found, err
}

// ActivePeers returns every Peer Record whose status is active.
func (s *Store) ActivePeers() ([]types.PeerRecord, error) {
	var records []types.PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var record types.PeerRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.Status == types.PeerStatusActive {
				records = append(records, record)
			}
			return nil
		})
	})
	return records, err
}

// All returns every Peer Record regardless of status.
func (s *Store) All() ([]types.PeerRecord, error) {
	var records []types.PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var record types.PeerRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// UpdateLastSeen bumps LastSeenAt for hostname to now, leaving every
// other field untouched.
func (s *Store) UpdateLastSeen(hostname string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		data := b.Get(key(hostname))
		if data == nil {
			return fmt.Errorf("update last seen: no record for %s", hostname)
		}
		var record types.PeerRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		record.LastSeenAt = now
		newData, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(key(hostname), newData)
	})
}
