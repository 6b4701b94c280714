package trustcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEntries    = []byte("entries")
	bucketSignatures = []byte("signatures")
)

// BoltStore is a bbolt-backed Store, for caches that should survive
// restarts. Entries are JSON values keyed by federation and session;
// a second bucket indexes certificate signatures for the global
// uniqueness check.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore returns a Store backed by the given bbolt database.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSignatures)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating trust cache buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// NewBoltStoreFromFile opens a bbolt database at path and returns a
// Store over it.
func NewBoltStoreFromFile(path string, options *bbolt.Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening trust cache db: %w", err)
	}
	return NewBoltStore(db)
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(_ context.Context, federationID, sessionID string) (Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(entryKey(federationID, sessionID)))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", federationID, sessionID, ErrNotCached)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *BoltStore) Put(_ context.Context, e Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		sigs := tx.Bucket(bucketSignatures)
		key := []byte(entryKey(e.FederationID, e.SessionID))

		if e.Signature != "" {
			if owner := sigs.Get([]byte(e.Signature)); owner != nil && string(owner) != string(key) {
				return ErrSignatureConflict
			}
		}
		if data := entries.Get(key); data != nil {
			var prev Entry
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			if prev.Signature != "" && prev.Signature != e.Signature {
				if err := sigs.Delete([]byte(prev.Signature)); err != nil {
					return err
				}
			}
			// Revocation survives a refresh.
			if prev.RevokedAt != nil {
				e.RevokedAt = prev.RevokedAt
			}
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if e.Signature != "" {
			if err := sigs.Put([]byte(e.Signature), key); err != nil {
				return err
			}
		}
		return entries.Put(key, data)
	})
}

func (s *BoltStore) MarkRevoked(_ context.Context, federationID, sessionID string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		key := []byte(entryKey(federationID, sessionID))

		e := Entry{FederationID: federationID, SessionID: sessionID}
		if data := entries.Get(key); data != nil {
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
		}
		if e.RevokedAt == nil {
			e.RevokedAt = &at
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return entries.Put(key, data)
	})
}
