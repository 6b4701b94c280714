// Package ledger implements the certificate issuance engine: actor and
// key registration, signing-request validation, serial allocation,
// issuance, revocation and the home server's own identity. All
// cross-request races resolve through store constraints; the ledger
// holds no locks of its own.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthfed/hearth/crypto"
	"github.com/hearthfed/hearth/internal/util"
	"github.com/hearthfed/hearth/storage"
)

// DefaultMaxLifetime bounds how long an issued certificate may remain
// valid, regardless of what the request asks for.
const DefaultMaxLifetime = 90 * 24 * time.Hour

// Policy carries the issuance knobs an operator may tune.
type Policy struct {
	MaxLifetime time.Duration
}

// Ledger coordinates the store and the issuer identity.
type Ledger struct {
	store  storage.Store
	issuer *crypto.Issuer
	policy Policy
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPolicy overrides the default issuance policy.
func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// New builds a Ledger over the given store and issuer identity.
func New(store storage.Store, issuer *crypto.Issuer, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		issuer: issuer,
		policy: Policy{MaxLifetime: DefaultMaxLifetime},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.policy.MaxLifetime <= 0 {
		l.policy.MaxLifetime = DefaultMaxLifetime
	}
	return l
}

// Issuer exposes the server's signing identity.
func (l *Ledger) Issuer() *crypto.Issuer { return l.issuer }

// RegisterActor creates a new identity. Local display names are
// NFKD-normalized before the uniqueness check, so visually identical
// names collide regardless of codepoint composition.
func (l *Ledger) RegisterActor(ctx context.Context, kind storage.ActorKind, displayName string) (storage.Actor, error) {
	actor := storage.Actor{
		ID:          uuid.New(),
		Kind:        kind,
		DisplayName: util.Normalize(displayName),
		JoinedAt:    l.now(),
	}
	if err := l.store.InsertActor(ctx, actor); err != nil {
		if storage.ConstraintOf(err) == storage.ConstraintLocalDisplayName {
			return storage.Actor{}, ErrDuplicateDisplayName
		}
		return storage.Actor{}, fmt.Errorf("registering actor: %w", err)
	}
	return actor, nil
}

// Actor looks up an identity by ID.
func (l *Ledger) Actor(ctx context.Context, id uuid.UUID) (storage.Actor, error) {
	actor, err := l.store.Actor(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Actor{}, ErrUnknownActor
	}
	return actor, err
}

// RegisterPublicKey stores key material for an actor. The PEM form is
// canonical: registering the same key twice for the same owner fails.
func (l *Ledger) RegisterPublicKey(ctx context.Context, ownerID uuid.UUID, keyPEM, algorithmOID string) (storage.PublicKey, error) {
	if _, err := crypto.DecodePublicKeyPEM(keyPEM); err != nil {
		return storage.PublicKey{}, fmt.Errorf("registering public key: %w", err)
	}
	if _, err := l.store.Algorithm(ctx, algorithmOID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.PublicKey{}, ErrUnknownAlgorithm
		}
		return storage.PublicKey{}, err
	}
	owner := ownerID
	key := storage.PublicKey{
		ID:           uuid.New(),
		OwnerID:      &owner,
		KeyPEM:       keyPEM,
		AlgorithmOID: algorithmOID,
	}
	if err := l.store.InsertPublicKey(ctx, key); err != nil {
		switch {
		case storage.ConstraintOf(err) == storage.ConstraintPublicKeyOwnerKey:
			return storage.PublicKey{}, ErrDuplicateKey
		case errors.Is(err, storage.ErrForeignKey):
			return storage.PublicKey{}, ErrUnknownActor
		}
		return storage.PublicKey{}, fmt.Errorf("registering public key: %w", err)
	}
	return key, nil
}

// Certificate looks up an issued certificate by serial.
func (l *Ledger) Certificate(ctx context.Context, serial string) (storage.Certificate, error) {
	cert, err := l.store.CertificateBySerial(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Certificate{}, ErrUnknownCertificate
	}
	return cert, err
}

// CertificateBySession returns the newest non-revoked certificate for
// the (actor, session) pair.
func (l *Ledger) CertificateBySession(ctx context.Context, actorID uuid.UUID, sessionID string) (storage.Certificate, error) {
	cert, err := l.store.CertificateBySession(ctx, actorID, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Certificate{}, ErrUnknownCertificate
	}
	return cert, err
}

// SigningRequest returns the stored request behind an issued serial.
func (l *Ledger) SigningRequest(ctx context.Context, serial string) (storage.SigningRequest, error) {
	req, err := l.store.SigningRequest(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.SigningRequest{}, ErrUnknownCertificate
	}
	return req, err
}

// Revoke marks the certificate permanently untrusted and invalidates
// its signing request in the same store transaction. Revocation is
// terminal: a second call reports ErrAlreadyRevoked and the original
// timestamp stands.
func (l *Ledger) Revoke(ctx context.Context, serial string) (storage.Revocation, error) {
	rev := storage.Revocation{Serial: serial, RevokedAt: l.now()}
	if err := l.store.InsertRevocation(ctx, rev); err != nil {
		switch {
		case storage.ConstraintOf(err) == storage.ConstraintRevocationSerial:
			return storage.Revocation{}, ErrAlreadyRevoked
		case errors.Is(err, storage.ErrForeignKey), errors.Is(err, storage.ErrNotFound):
			return storage.Revocation{}, ErrUnknownCertificate
		}
		return storage.Revocation{}, fmt.Errorf("revoking certificate: %w", err)
	}
	return rev, nil
}

// Revocation returns the revocation record for a serial, or
// storage.ErrNotFound when the certificate has not been revoked.
func (l *Ledger) Revocation(ctx context.Context, serial string) (storage.Revocation, error) {
	return l.store.Revocation(ctx, serial)
}
