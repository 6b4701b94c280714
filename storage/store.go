package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the relational persistence contract for the identity engine.
//
// Implementations must provide atomic inserts, report uniqueness and
// exclusion collisions as ConflictError values using the Constraint*
// names, report missing foreign-key parents as ErrForeignKey, and
// cascade deletes along ownership edges: deleting an actor removes its
// keys, requests and tokens; deleting a signing request removes its
// certificate, revocation, trials and bound tokens.
type Store interface {
	// Actors, algorithms and keys.
	InsertActor(ctx context.Context, a Actor) error
	Actor(ctx context.Context, id uuid.UUID) (Actor, error)
	// ActorByDisplayName resolves a local actor by its normalized
	// display name.
	ActorByDisplayName(ctx context.Context, displayName string) (Actor, error)
	DeleteActor(ctx context.Context, id uuid.UUID) error
	InsertAlgorithm(ctx context.Context, alg AlgorithmIdentifier) error
	Algorithm(ctx context.Context, oid string) (AlgorithmIdentifier, error)
	InsertPublicKey(ctx context.Context, k PublicKey) error
	PublicKey(ctx context.Context, id uuid.UUID) (PublicKey, error)

	// Signing requests and certificates. The pair insert is atomic:
	// either both rows commit or neither does.
	InsertRequestAndCertificate(ctx context.Context, req SigningRequest, cert Certificate) error
	SigningRequest(ctx context.Context, serial string) (SigningRequest, error)
	CertificateBySerial(ctx context.Context, serial string) (Certificate, error)
	// CertificateBySession returns the certificate of the newest
	// non-invalidated request for the (actor, session) pair.
	CertificateBySession(ctx context.Context, actorID uuid.UUID, sessionID string) (Certificate, error)
	// HomeServerCertificate returns the newest certificate bound to an
	// ownerless (home server) public key that is valid at the given time.
	HomeServerCertificate(ctx context.Context, at time.Time) (Certificate, error)

	// Revocations. InsertRevocation atomically writes the revocation row
	// and sets the signing request's invalidation linkage.
	InsertRevocation(ctx context.Context, rev Revocation) error
	Revocation(ctx context.Context, serial string) (Revocation, error)

	// Key trials.
	InsertKeyTrial(ctx context.Context, trial KeyTrial) error
	KeyTrial(ctx context.Context, id uuid.UUID) (KeyTrial, error)
	InsertTrialCompletion(ctx context.Context, c KeyTrialCompletion) error
	TrialCompletion(ctx context.Context, trialID uuid.UUID) (KeyTrialCompletion, error)

	// Session tokens.
	InsertSessionToken(ctx context.Context, t SessionToken) error
	SessionToken(ctx context.Context, hash string) (SessionToken, error)
	SessionTokensForSerial(ctx context.Context, serial string) ([]SessionToken, error)
	DeleteExpiredSessionTokens(ctx context.Context, now time.Time) (int, error)
}
