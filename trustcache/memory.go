package trustcache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. Suitable for testing
// and single-process use.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	signatures map[string]string // signature -> entry key
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]Entry),
		signatures: make(map[string]string),
	}
}

func entryKey(federationID, sessionID string) string {
	return federationID + "\x00" + sessionID
}

func (s *MemoryStore) Get(_ context.Context, federationID, sessionID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryKey(federationID, sessionID)]
	if !ok {
		return Entry{}, fmt.Errorf("%s/%s: %w", federationID, sessionID, ErrNotCached)
	}
	return e, nil
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey(e.FederationID, e.SessionID)
	if e.Signature != "" {
		if owner, ok := s.signatures[e.Signature]; ok && owner != key {
			return ErrSignatureConflict
		}
	}
	if prev, ok := s.entries[key]; ok {
		if prev.Signature != "" && prev.Signature != e.Signature {
			delete(s.signatures, prev.Signature)
		}
		// Revocation survives a refresh.
		if prev.RevokedAt != nil {
			e.RevokedAt = prev.RevokedAt
		}
	}
	if e.Signature != "" {
		s.signatures[e.Signature] = key
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) MarkRevoked(_ context.Context, federationID, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey(federationID, sessionID)
	e, ok := s.entries[key]
	if !ok {
		// Marker-only entry: the revocation verdict must not be lost
		// just because nothing was cached yet.
		e = Entry{FederationID: federationID, SessionID: sessionID}
	}
	if e.RevokedAt == nil {
		e.RevokedAt = &at
	}
	s.entries[key] = e
	return nil
}
