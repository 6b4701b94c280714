// Package memory provides a thread-safe in-memory implementation of
// storage.Store. It enforces the same uniqueness, exclusion and cascade
// rules as the SQL schema, reporting collisions with the shared
// constraint names. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthfed/hearth/storage"
)

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	actors      map[uuid.UUID]storage.Actor
	algorithms  map[string]storage.AlgorithmIdentifier
	keys        map[uuid.UUID]storage.PublicKey
	requests    map[string]storage.SigningRequest
	certs       map[string]storage.Certificate
	revocations map[string]storage.Revocation
	trials      map[uuid.UUID]storage.KeyTrial
	completions map[uuid.UUID]storage.KeyTrialCompletion
	tokens      map[string]storage.SessionToken
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		actors:      make(map[uuid.UUID]storage.Actor),
		algorithms:  make(map[string]storage.AlgorithmIdentifier),
		keys:        make(map[uuid.UUID]storage.PublicKey),
		requests:    make(map[string]storage.SigningRequest),
		certs:       make(map[string]storage.Certificate),
		revocations: make(map[string]storage.Revocation),
		trials:      make(map[uuid.UUID]storage.KeyTrial),
		completions: make(map[uuid.UUID]storage.KeyTrialCompletion),
		tokens:      make(map[string]storage.SessionToken),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func cloneRequest(r storage.SigningRequest) storage.SigningRequest {
	r.Signature = cloneBytes(r.Signature)
	r.InvalidatedAt = cloneTime(r.InvalidatedAt)
	return r
}

func cloneCert(c storage.Certificate) storage.Certificate {
	c.Signature = cloneBytes(c.Signature)
	return c
}

func cloneToken(t storage.SessionToken) storage.SessionToken {
	t.Serial = cloneString(t.Serial)
	t.ExpiresAt = cloneTime(t.ExpiresAt)
	return t
}

// windowsOverlap reports whether the inclusive windows [aNB, aNA] and
// [bNB, bNA] share at least one instant.
func windowsOverlap(aNB, aNA, bNB, bNA time.Time) bool {
	return !aNB.After(bNA) && !bNB.After(aNA)
}

// ---------------------------------------------------------------------------
// Actors, algorithms and keys
// ---------------------------------------------------------------------------

func (s *Store) InsertActor(_ context.Context, a storage.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[a.ID]; ok {
		return storage.Conflict(storage.ConstraintActorID)
	}
	if a.Kind == storage.ActorLocal {
		for _, other := range s.actors {
			if other.Kind == storage.ActorLocal && other.DisplayName == a.DisplayName {
				return storage.Conflict(storage.ConstraintLocalDisplayName)
			}
		}
	}
	s.actors[a.ID] = a
	return nil
}

func (s *Store) Actor(_ context.Context, id uuid.UUID) (storage.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[id]
	if !ok {
		return storage.Actor{}, fmt.Errorf("actor %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ActorByDisplayName(_ context.Context, displayName string) (storage.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actors {
		if a.Kind == storage.ActorLocal && a.DisplayName == displayName {
			return a, nil
		}
	}
	return storage.Actor{}, fmt.Errorf("actor %q: %w", displayName, storage.ErrNotFound)
}

// DeleteActor removes the actor and everything it owns: public keys,
// signing requests (with their certificates, revocations, trials,
// completions and bound tokens) and session tokens.
func (s *Store) DeleteActor(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[id]; !ok {
		return fmt.Errorf("actor %s: %w", id, storage.ErrNotFound)
	}
	delete(s.actors, id)
	for kid, k := range s.keys {
		if k.OwnerID != nil && *k.OwnerID == id {
			delete(s.keys, kid)
		}
	}
	for serial, req := range s.requests {
		if req.ActorID == id {
			s.deleteRequestLocked(serial)
		}
	}
	for hash, tok := range s.tokens {
		if tok.ActorID == id {
			delete(s.tokens, hash)
		}
	}
	return nil
}

// deleteRequestLocked cascades a signing-request delete through the
// certificate, revocation, trials, completions and bound tokens.
func (s *Store) deleteRequestLocked(serial string) {
	delete(s.requests, serial)
	delete(s.certs, serial)
	delete(s.revocations, serial)
	for tid, trial := range s.trials {
		if trial.Serial == serial {
			delete(s.trials, tid)
			delete(s.completions, tid)
		}
	}
	for hash, tok := range s.tokens {
		if tok.Serial != nil && *tok.Serial == serial {
			delete(s.tokens, hash)
		}
	}
}

func (s *Store) InsertAlgorithm(_ context.Context, alg storage.AlgorithmIdentifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.algorithms[alg.OID]; ok {
		return storage.Conflict(storage.ConstraintAlgorithmOID)
	}
	s.algorithms[alg.OID] = alg
	return nil
}

func (s *Store) Algorithm(_ context.Context, oid string) (storage.AlgorithmIdentifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alg, ok := s.algorithms[oid]
	if !ok {
		return storage.AlgorithmIdentifier{}, fmt.Errorf("algorithm %s: %w", oid, storage.ErrNotFound)
	}
	return alg, nil
}

func (s *Store) InsertPublicKey(_ context.Context, k storage.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return storage.Conflict(storage.ConstraintPublicKeyID)
	}
	if _, ok := s.algorithms[k.AlgorithmOID]; !ok {
		return fmt.Errorf("algorithm %s: %w", k.AlgorithmOID, storage.ErrForeignKey)
	}
	if k.OwnerID != nil {
		if _, ok := s.actors[*k.OwnerID]; !ok {
			return fmt.Errorf("actor %s: %w", *k.OwnerID, storage.ErrForeignKey)
		}
	}
	for _, other := range s.keys {
		sameOwner := (other.OwnerID == nil && k.OwnerID == nil) ||
			(other.OwnerID != nil && k.OwnerID != nil && *other.OwnerID == *k.OwnerID)
		if sameOwner && other.KeyPEM == k.KeyPEM {
			return storage.Conflict(storage.ConstraintPublicKeyOwnerKey)
		}
	}
	k.OwnerID = cloneUUID(k.OwnerID)
	s.keys[k.ID] = k
	return nil
}

func (s *Store) PublicKey(_ context.Context, id uuid.UUID) (storage.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return storage.PublicKey{}, fmt.Errorf("public key %s: %w", id, storage.ErrNotFound)
	}
	k.OwnerID = cloneUUID(k.OwnerID)
	return k, nil
}

// ---------------------------------------------------------------------------
// Signing requests and certificates
// ---------------------------------------------------------------------------

func (s *Store) InsertRequestAndCertificate(_ context.Context, req storage.SigningRequest, cert storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actors[req.ActorID]; !ok {
		return fmt.Errorf("actor %s: %w", req.ActorID, storage.ErrForeignKey)
	}
	if _, ok := s.keys[req.PublicKeyID]; !ok {
		return fmt.Errorf("public key %s: %w", req.PublicKeyID, storage.ErrForeignKey)
	}
	if _, ok := s.requests[req.Serial]; ok {
		return storage.Conflict(storage.ConstraintRequestSerial)
	}
	if _, ok := s.certs[cert.Serial]; ok {
		return storage.Conflict(storage.ConstraintCertificateSerial)
	}
	for _, other := range s.requests {
		if string(other.Signature) == string(req.Signature) {
			return storage.Conflict(storage.ConstraintRequestSignature)
		}
		if other.ActorID == req.ActorID && other.SessionID == req.SessionID &&
			other.InvalidatedAt == nil &&
			windowsOverlap(other.NotBefore, other.NotAfter, req.NotBefore, req.NotAfter) {
			return storage.Conflict(storage.ConstraintActiveSession)
		}
	}
	for _, other := range s.certs {
		if string(other.Signature) == string(cert.Signature) {
			return storage.Conflict(storage.ConstraintCertificateSignature)
		}
	}

	s.requests[req.Serial] = cloneRequest(req)
	s.certs[cert.Serial] = cloneCert(cert)
	return nil
}

func (s *Store) SigningRequest(_ context.Context, serial string) (storage.SigningRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[serial]
	if !ok {
		return storage.SigningRequest{}, fmt.Errorf("signing request %s: %w", serial, storage.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (s *Store) CertificateBySerial(_ context.Context, serial string) (storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[serial]
	if !ok {
		return storage.Certificate{}, fmt.Errorf("certificate %s: %w", serial, storage.ErrNotFound)
	}
	return cloneCert(cert), nil
}

func (s *Store) CertificateBySession(_ context.Context, actorID uuid.UUID, sessionID string) (storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *storage.Certificate
	for serial, req := range s.requests {
		if req.ActorID != actorID || req.SessionID != sessionID || req.InvalidatedAt != nil {
			continue
		}
		cert, ok := s.certs[serial]
		if !ok {
			continue
		}
		if best == nil || cert.IssuedAt.After(best.IssuedAt) {
			c := cert
			best = &c
		}
	}
	if best == nil {
		return storage.Certificate{}, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return cloneCert(*best), nil
}

func (s *Store) HomeServerCertificate(_ context.Context, at time.Time) (storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *storage.Certificate
	for serial, req := range s.requests {
		key, ok := s.keys[req.PublicKeyID]
		if !ok || key.OwnerID != nil {
			continue
		}
		cert, ok := s.certs[serial]
		if !ok || at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
			continue
		}
		if best == nil || cert.IssuedAt.After(best.IssuedAt) {
			c := cert
			best = &c
		}
	}
	if best == nil {
		return storage.Certificate{}, fmt.Errorf("home server certificate: %w", storage.ErrNotFound)
	}
	return cloneCert(*best), nil
}

// ---------------------------------------------------------------------------
// Revocations
// ---------------------------------------------------------------------------

func (s *Store) InsertRevocation(_ context.Context, rev storage.Revocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[rev.Serial]; !ok {
		return fmt.Errorf("certificate %s: %w", rev.Serial, storage.ErrForeignKey)
	}
	if _, ok := s.revocations[rev.Serial]; ok {
		return storage.Conflict(storage.ConstraintRevocationSerial)
	}
	s.revocations[rev.Serial] = rev
	// Invalidation linkage is set exactly once, here.
	if req, ok := s.requests[rev.Serial]; ok && req.InvalidatedAt == nil {
		at := rev.RevokedAt
		req.InvalidatedAt = &at
		s.requests[rev.Serial] = req
	}
	return nil
}

func (s *Store) Revocation(_ context.Context, serial string) (storage.Revocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revocations[serial]
	if !ok {
		return storage.Revocation{}, fmt.Errorf("revocation %s: %w", serial, storage.ErrNotFound)
	}
	return rev, nil
}

// ---------------------------------------------------------------------------
// Key trials
// ---------------------------------------------------------------------------

func (s *Store) InsertKeyTrial(_ context.Context, trial storage.KeyTrial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[trial.Serial]; !ok {
		return fmt.Errorf("certificate %s: %w", trial.Serial, storage.ErrForeignKey)
	}
	if _, ok := s.trials[trial.ID]; ok {
		return storage.Conflict(storage.ConstraintTrialID)
	}
	for _, other := range s.trials {
		if other.Nonce == trial.Nonce {
			return storage.Conflict(storage.ConstraintTrialNonce)
		}
	}
	s.trials[trial.ID] = trial
	return nil
}

func (s *Store) KeyTrial(_ context.Context, id uuid.UUID) (storage.KeyTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trial, ok := s.trials[id]
	if !ok {
		return storage.KeyTrial{}, fmt.Errorf("key trial %s: %w", id, storage.ErrNotFound)
	}
	return trial, nil
}

func (s *Store) InsertTrialCompletion(_ context.Context, c storage.KeyTrialCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trials[c.TrialID]; !ok {
		return fmt.Errorf("key trial %s: %w", c.TrialID, storage.ErrForeignKey)
	}
	if _, ok := s.completions[c.TrialID]; ok {
		return storage.Conflict(storage.ConstraintCompletionTrial)
	}
	for _, other := range s.completions {
		if string(other.Signature) == string(c.Signature) {
			return storage.Conflict(storage.ConstraintCompletionSignature)
		}
	}
	c.Signature = cloneBytes(c.Signature)
	s.completions[c.TrialID] = c
	return nil
}

func (s *Store) TrialCompletion(_ context.Context, trialID uuid.UUID) (storage.KeyTrialCompletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.completions[trialID]
	if !ok {
		return storage.KeyTrialCompletion{}, fmt.Errorf("completion for trial %s: %w", trialID, storage.ErrNotFound)
	}
	c.Signature = cloneBytes(c.Signature)
	return c, nil
}

// ---------------------------------------------------------------------------
// Session tokens
// ---------------------------------------------------------------------------

func (s *Store) InsertSessionToken(_ context.Context, t storage.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.Hash]; ok {
		return storage.Conflict(storage.ConstraintTokenHash)
	}
	if _, ok := s.actors[t.ActorID]; !ok {
		return fmt.Errorf("actor %s: %w", t.ActorID, storage.ErrForeignKey)
	}
	if t.Serial != nil {
		if _, ok := s.certs[*t.Serial]; !ok {
			return fmt.Errorf("certificate %s: %w", *t.Serial, storage.ErrForeignKey)
		}
	}
	s.tokens[t.Hash] = cloneToken(t)
	return nil
}

func (s *Store) SessionToken(_ context.Context, hash string) (storage.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[hash]
	if !ok {
		return storage.SessionToken{}, fmt.Errorf("session token: %w", storage.ErrNotFound)
	}
	return cloneToken(t), nil
}

func (s *Store) SessionTokensForSerial(_ context.Context, serial string) ([]storage.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.SessionToken
	for _, t := range s.tokens {
		if t.Serial != nil && *t.Serial == serial {
			out = append(out, cloneToken(t))
		}
	}
	return out, nil
}

func (s *Store) DeleteExpiredSessionTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, t := range s.tokens {
		if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
			delete(s.tokens, hash)
			n++
		}
	}
	return n, nil
}
