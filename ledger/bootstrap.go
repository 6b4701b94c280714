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

// homeServerSession names the synthetic session under which the home
// server's own certificate is issued.
const homeServerSession = "home-server"

// EnsureAlgorithms registers the signature algorithms this server
// accepts. Safe to call on every startup.
func (l *Ledger) EnsureAlgorithms(ctx context.Context) error {
	alg := storage.AlgorithmIdentifier{
		OID:        crypto.AlgorithmEd25519OID,
		CommonName: "Ed25519",
		Parameters: "",
	}
	err := l.store.InsertAlgorithm(ctx, alg)
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("registering algorithms: %w", err)
	}
	return nil
}

// BootstrapHomeServer establishes the server's own identity: a server
// actor named after the domain, an ownerless public key holding the
// issuer's key material, and a self-signed certificate over it. If a
// currently valid home server certificate already exists it is
// returned unchanged.
func (l *Ledger) BootstrapHomeServer(ctx context.Context, domain string) (storage.Certificate, error) {
	now := l.now()
	if cert, err := l.store.HomeServerCertificate(ctx, now); err == nil {
		return cert, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Certificate{}, err
	}

	if err := l.EnsureAlgorithms(ctx); err != nil {
		return storage.Certificate{}, err
	}

	actorID, err := l.ensureServerActor(ctx, domain)
	if err != nil {
		return storage.Certificate{}, err
	}

	pubPEM, err := l.issuer.PublicPEM()
	if err != nil {
		return storage.Certificate{}, err
	}
	key := storage.PublicKey{
		ID:           l.issuer.KeyID(),
		OwnerID:      nil, // ownerless marks the home server key
		KeyPEM:       pubPEM,
		AlgorithmOID: crypto.AlgorithmEd25519OID,
	}
	if err := l.store.InsertPublicKey(ctx, key); err != nil && !errors.Is(err, storage.ErrConflict) {
		return storage.Certificate{}, fmt.Errorf("storing home server key: %w", err)
	}

	// The server signs its own request: the request signature is the
	// issuer's signature over the encoded request body.
	encoded := fmt.Sprintf("hearth-home-server:%s:%s", domain, now.Format(time.RFC3339Nano))
	reqSig, err := l.issuer.Sign([]byte(encoded))
	if err != nil {
		return storage.Certificate{}, fmt.Errorf("signing home server request: %w", err)
	}

	cert, err := l.issue(ctx, issuance{
		actorID:      actorID,
		publicKeyID:  l.issuer.KeyID(),
		publicKeyPEM: pubPEM,
		sessionID:    homeServerSession,
		notBefore:    now,
		notAfter:     now.Add(l.policy.MaxLifetime),
		encoded:      encoded,
		signature:    reqSig,
	})
	if err != nil {
		// A concurrent bootstrap may have won the session slot.
		if errors.Is(err, ErrDuplicateSession) {
			return l.store.HomeServerCertificate(ctx, now)
		}
		return storage.Certificate{}, err
	}
	return cert, nil
}

// ensureServerActor finds or creates the actor representing the home
// server itself.
func (l *Ledger) ensureServerActor(ctx context.Context, domain string) (uuid.UUID, error) {
	actor, err := l.RegisterActor(ctx, storage.ActorLocal, domain)
	if err == nil {
		return actor.ID, nil
	}
	if !errors.Is(err, ErrDuplicateDisplayName) {
		return uuid.Nil, err
	}
	// Re-bootstrap on an existing database: the actor row survives even
	// when the previous certificate has expired.
	existing, err := l.store.ActorByDisplayName(ctx, util.Normalize(domain))
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving home server actor: %w", err)
	}
	return existing.ID, nil
}

// HomeServerCertificate returns the home server certificate valid at
// the given time.
func (l *Ledger) HomeServerCertificate(ctx context.Context, at time.Time) (storage.Certificate, error) {
	cert, err := l.store.HomeServerCertificate(ctx, at)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Certificate{}, ErrUnknownCertificate
	}
	return cert, err
}
