package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthfed/hearth/storage"
)

func newStoreWithActor(t *testing.T) (*Store, storage.Actor, storage.PublicKey) {
	t.Helper()
	s := NewStore()
	ctx := t.Context()

	require.NoError(t, s.InsertAlgorithm(ctx, storage.AlgorithmIdentifier{
		OID:        "1.3.101.112",
		CommonName: "Ed25519",
	}))

	actor := storage.Actor{
		ID:          uuid.New(),
		Kind:        storage.ActorLocal,
		DisplayName: "alice",
		JoinedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.InsertActor(ctx, actor))

	owner := actor.ID
	key := storage.PublicKey{
		ID:           uuid.New(),
		OwnerID:      &owner,
		KeyPEM:       "-----BEGIN PUBLIC KEY-----\nkey\n-----END PUBLIC KEY-----\n",
		AlgorithmOID: "1.3.101.112",
	}
	require.NoError(t, s.InsertPublicKey(ctx, key))
	return s, actor, key
}

func insertPair(t *testing.T, s *Store, actor storage.Actor, key storage.PublicKey, serial, session string, sig []byte, nb, na time.Time) {
	t.Helper()
	req := storage.SigningRequest{
		Serial:      serial,
		ActorID:     actor.ID,
		PublicKeyID: key.ID,
		Signature:   sig,
		SessionID:   session,
		NotBefore:   nb,
		NotAfter:    na,
		Encoded:     "encoded-" + serial,
	}
	cert := storage.Certificate{
		Serial:      serial,
		IssuerKeyID: key.ID,
		NotBefore:   nb,
		NotAfter:    na,
		Signature:   append([]byte("issuer-"), sig...),
		Encoded:     "cert-" + serial,
		IssuedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.InsertRequestAndCertificate(t.Context(), req, cert))
}

func TestActorConstraints(t *testing.T) {
	s, actor, _ := newStoreWithActor(t)
	ctx := t.Context()

	err := s.InsertActor(ctx, actor)
	assert.Equal(t, storage.ConstraintActorID, storage.ConstraintOf(err))

	err = s.InsertActor(ctx, storage.Actor{
		ID:          uuid.New(),
		Kind:        storage.ActorLocal,
		DisplayName: "alice",
	})
	assert.Equal(t, storage.ConstraintLocalDisplayName, storage.ConstraintOf(err))

	// Foreign actors may reuse local display names.
	require.NoError(t, s.InsertActor(ctx, storage.Actor{
		ID:          uuid.New(),
		Kind:        storage.ActorForeign,
		DisplayName: "alice",
	}))
}

func TestActorByDisplayName(t *testing.T) {
	s, actor, _ := newStoreWithActor(t)
	ctx := t.Context()

	got, err := s.ActorByDisplayName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, actor.ID, got.ID)

	_, err = s.ActorByDisplayName(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeyConstraints(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	owner := actor.ID

	err := s.InsertPublicKey(ctx, key)
	assert.Equal(t, storage.ConstraintPublicKeyID, storage.ConstraintOf(err))

	dup := storage.PublicKey{ID: uuid.New(), OwnerID: &owner, KeyPEM: key.KeyPEM, AlgorithmOID: key.AlgorithmOID}
	err = s.InsertPublicKey(ctx, dup)
	assert.Equal(t, storage.ConstraintPublicKeyOwnerKey, storage.ConstraintOf(err))

	missing := uuid.New()
	err = s.InsertPublicKey(ctx, storage.PublicKey{
		ID: uuid.New(), OwnerID: &missing, KeyPEM: "other", AlgorithmOID: key.AlgorithmOID,
	})
	assert.ErrorIs(t, err, storage.ErrForeignKey)

	err = s.InsertPublicKey(ctx, storage.PublicKey{
		ID: uuid.New(), OwnerID: &owner, KeyPEM: "other", AlgorithmOID: "9.9.9",
	})
	assert.ErrorIs(t, err, storage.ErrForeignKey)
}

func TestRequestConstraints(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	now := time.Now().UTC()

	insertPair(t, s, actor, key, "serial-1", "desktop", []byte("sig-1"), now, now.Add(time.Hour))

	t.Run("DuplicateSerial", func(t *testing.T) {
		req := storage.SigningRequest{
			Serial: "serial-1", ActorID: actor.ID, PublicKeyID: key.ID,
			Signature: []byte("sig-x"), SessionID: "other",
			NotBefore: now.Add(2 * time.Hour), NotAfter: now.Add(3 * time.Hour),
		}
		cert := storage.Certificate{Serial: "serial-1", Signature: []byte("issuer-x")}
		err := s.InsertRequestAndCertificate(ctx, req, cert)
		assert.Equal(t, storage.ConstraintRequestSerial, storage.ConstraintOf(err))
	})

	t.Run("DuplicateSignature", func(t *testing.T) {
		req := storage.SigningRequest{
			Serial: "serial-2", ActorID: actor.ID, PublicKeyID: key.ID,
			Signature: []byte("sig-1"), SessionID: "other",
			NotBefore: now.Add(2 * time.Hour), NotAfter: now.Add(3 * time.Hour),
		}
		cert := storage.Certificate{Serial: "serial-2", Signature: []byte("issuer-2")}
		err := s.InsertRequestAndCertificate(ctx, req, cert)
		assert.Equal(t, storage.ConstraintRequestSignature, storage.ConstraintOf(err))
	})

	t.Run("OverlappingSession", func(t *testing.T) {
		req := storage.SigningRequest{
			Serial: "serial-3", ActorID: actor.ID, PublicKeyID: key.ID,
			Signature: []byte("sig-3"), SessionID: "desktop",
			NotBefore: now.Add(30 * time.Minute), NotAfter: now.Add(2 * time.Hour),
		}
		cert := storage.Certificate{Serial: "serial-3", Signature: []byte("issuer-3")}
		err := s.InsertRequestAndCertificate(ctx, req, cert)
		assert.Equal(t, storage.ConstraintActiveSession, storage.ConstraintOf(err))
	})

	t.Run("DisjointWindowSameSession", func(t *testing.T) {
		insertPair(t, s, actor, key, "serial-4", "desktop", []byte("sig-4"),
			now.Add(2*time.Hour), now.Add(3*time.Hour))
	})
}

func TestRevocationLinkage(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	now := time.Now().UTC()

	insertPair(t, s, actor, key, "serial-1", "desktop", []byte("sig-1"), now, now.Add(time.Hour))

	revokedAt := now.Add(10 * time.Minute)
	require.NoError(t, s.InsertRevocation(ctx, storage.Revocation{Serial: "serial-1", RevokedAt: revokedAt}))

	req, err := s.SigningRequest(ctx, "serial-1")
	require.NoError(t, err)
	require.NotNil(t, req.InvalidatedAt)
	assert.True(t, req.InvalidatedAt.Equal(revokedAt))

	// Second revocation is a conflict and the original timestamp stands.
	err = s.InsertRevocation(ctx, storage.Revocation{Serial: "serial-1", RevokedAt: now.Add(time.Hour)})
	assert.Equal(t, storage.ConstraintRevocationSerial, storage.ConstraintOf(err))

	rev, err := s.Revocation(ctx, "serial-1")
	require.NoError(t, err)
	assert.True(t, rev.RevokedAt.Equal(revokedAt))

	// An invalidated request frees the session slot.
	insertPair(t, s, actor, key, "serial-2", "desktop", []byte("sig-2"), now, now.Add(time.Hour))

	err = s.InsertRevocation(ctx, storage.Revocation{Serial: "missing", RevokedAt: now})
	assert.ErrorIs(t, err, storage.ErrForeignKey)
}

func TestCertificateBySession(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	now := time.Now().UTC()

	insertPair(t, s, actor, key, "serial-1", "desktop", []byte("sig-1"), now, now.Add(time.Hour))

	cert, err := s.CertificateBySession(ctx, actor.ID, "desktop")
	require.NoError(t, err)
	assert.Equal(t, "serial-1", cert.Serial)

	_, err = s.CertificateBySession(ctx, actor.ID, "phone")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.InsertRevocation(ctx, storage.Revocation{Serial: "serial-1", RevokedAt: now}))
	_, err = s.CertificateBySession(ctx, actor.ID, "desktop")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTrialConstraints(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	now := time.Now().UTC()

	insertPair(t, s, actor, key, "serial-1", "desktop", []byte("sig-1"), now, now.Add(time.Hour))

	trial := storage.KeyTrial{
		ID: uuid.New(), Serial: "serial-1", Nonce: "nonce-1",
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	require.NoError(t, s.InsertKeyTrial(ctx, trial))

	err := s.InsertKeyTrial(ctx, storage.KeyTrial{
		ID: uuid.New(), Serial: "serial-1", Nonce: "nonce-1",
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	})
	assert.Equal(t, storage.ConstraintTrialNonce, storage.ConstraintOf(err))

	err = s.InsertKeyTrial(ctx, storage.KeyTrial{
		ID: uuid.New(), Serial: "missing", Nonce: "nonce-2",
	})
	assert.ErrorIs(t, err, storage.ErrForeignKey)

	trial2 := storage.KeyTrial{
		ID: uuid.New(), Serial: "serial-1", Nonce: "nonce-3",
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	require.NoError(t, s.InsertKeyTrial(ctx, trial2))

	require.NoError(t, s.InsertTrialCompletion(ctx, storage.KeyTrialCompletion{
		TrialID: trial.ID, Signature: []byte("proof"), CompletedAt: now,
	}))

	err = s.InsertTrialCompletion(ctx, storage.KeyTrialCompletion{
		TrialID: trial.ID, Signature: []byte("proof-2"), CompletedAt: now,
	})
	assert.Equal(t, storage.ConstraintCompletionTrial, storage.ConstraintOf(err))

	// The same proof bytes cannot satisfy a second trial.
	err = s.InsertTrialCompletion(ctx, storage.KeyTrialCompletion{
		TrialID: trial2.ID, Signature: []byte("proof"), CompletedAt: now,
	})
	assert.Equal(t, storage.ConstraintCompletionSignature, storage.ConstraintOf(err))
}

func TestSessionTokens(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	now := time.Now().UTC()

	insertPair(t, s, actor, key, "serial-1", "desktop", []byte("sig-1"), now, now.Add(time.Hour))

	serial := "serial-1"
	exp := now.Add(time.Hour)
	require.NoError(t, s.InsertSessionToken(ctx, storage.SessionToken{
		Hash: "hash-1", ActorID: actor.ID, Serial: &serial, ExpiresAt: &exp, IssuedAt: now,
	}))
	require.NoError(t, s.InsertSessionToken(ctx, storage.SessionToken{
		Hash: "hash-2", ActorID: actor.ID, IssuedAt: now,
	}))

	err := s.InsertSessionToken(ctx, storage.SessionToken{Hash: "hash-1", ActorID: actor.ID})
	assert.Equal(t, storage.ConstraintTokenHash, storage.ConstraintOf(err))

	byHash, err := s.SessionToken(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, actor.ID, byHash.ActorID)

	bound, err := s.SessionTokensForSerial(ctx, "serial-1")
	require.NoError(t, err)
	assert.Len(t, bound, 1)

	n, err := s.DeleteExpiredSessionTokens(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.SessionToken(ctx, "hash-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	// Non-expiring token survives the sweep.
	_, err = s.SessionToken(ctx, "hash-2")
	assert.NoError(t, err)
}

func TestDeleteActorCascades(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	now := time.Now().UTC()

	insertPair(t, s, actor, key, "serial-1", "desktop", []byte("sig-1"), now, now.Add(time.Hour))

	trial := storage.KeyTrial{
		ID: uuid.New(), Serial: "serial-1", Nonce: "nonce-1",
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}
	require.NoError(t, s.InsertKeyTrial(ctx, trial))

	serial := "serial-1"
	require.NoError(t, s.InsertSessionToken(ctx, storage.SessionToken{
		Hash: "hash-1", ActorID: actor.ID, Serial: &serial, IssuedAt: now,
	}))

	require.NoError(t, s.DeleteActor(ctx, actor.ID))

	_, err := s.Actor(ctx, actor.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.PublicKey(ctx, key.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.SigningRequest(ctx, "serial-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.CertificateBySerial(ctx, "serial-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.KeyTrial(ctx, trial.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.SessionToken(ctx, "hash-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCloneIsolation(t *testing.T) {
	s, actor, key := newStoreWithActor(t)
	ctx := t.Context()
	now := time.Now().UTC()

	insertPair(t, s, actor, key, "serial-1", "desktop", []byte("sig-1"), now, now.Add(time.Hour))

	req, err := s.SigningRequest(ctx, "serial-1")
	require.NoError(t, err)
	req.Signature[0] = 'X'

	again, err := s.SigningRequest(ctx, "serial-1")
	require.NoError(t, err)
	assert.Equal(t, byte('s'), again.Signature[0], "store must return clones")
}
