// Package storage defines the relational records and store contract for
// the identity engine. Cross-request invariants (unique serials, one
// completion per trial, one revocation per certificate) are enforced by
// the backing store's uniqueness guarantees rather than application
// locks; a losing concurrent writer receives a ConflictError naming the
// violated constraint.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// ActorKind distinguishes identities homed on this server from
// identities homed on a remote federation peer.
type ActorKind string

const (
	ActorLocal   ActorKind = "local"
	ActorForeign ActorKind = "foreign"
)

// Actor is an identity known to the home server. The ID is immutable
// once created.
type Actor struct {
	ID          uuid.UUID
	Kind        ActorKind
	DisplayName string // NFKD-normalized; unique among local actors
	Deactivated bool
	JoinedAt    time.Time
}

// AlgorithmIdentifier names a signature algorithm this server accepts.
type AlgorithmIdentifier struct {
	OID        string
	CommonName string
	Parameters string
}

// PublicKey binds key material to an algorithm and, optionally, an
// owning actor. Home-server keys carry no owner.
type PublicKey struct {
	ID           uuid.UUID
	OwnerID      *uuid.UUID
	KeyPEM       string
	AlgorithmOID string
}

// SigningRequest asks the server to bind a public key to an actor for a
// session. Rows are immutable after insert except for InvalidatedAt,
// which is set exactly once when the derived certificate is revoked.
type SigningRequest struct {
	Serial        string // 160 CSPRNG bits, hex encoded, globally unique
	ActorID       uuid.UUID
	PublicKeyID   uuid.UUID
	Signature     []byte // requester signature over Encoded
	SessionID     string
	NotBefore     time.Time
	NotAfter      time.Time
	Extensions    string
	Encoded       string
	InvalidatedAt *time.Time
}

// Certificate is the issued credential derived 1:1 from a
// SigningRequest; it shares the request's serial and dies only by
// cascade from it.
type Certificate struct {
	Serial      string
	IssuerKeyID uuid.UUID
	NotBefore   time.Time
	NotAfter    time.Time
	Signature   []byte // issuer signature, globally unique
	Encoded     string
	IssuedAt    time.Time
}

// Revocation marks a certificate permanently untrusted. Terminal: rows
// are never updated or deleted except by cascade from the certificate.
type Revocation struct {
	Serial    string
	RevokedAt time.Time
}

// KeyTrial is a pending challenge proving possession of the private key
// matching a certificate's public key.
type KeyTrial struct {
	ID        uuid.UUID
	Serial    string // target certificate
	Nonce     string // unguessable, unique
	ExpiresAt time.Time
	CreatedAt time.Time
}

// KeyTrialCompletion is the proof submitted for a trial. Signatures are
// unique across all completions, so the same signature bytes cannot
// satisfy two different trials.
type KeyTrialCompletion struct {
	TrialID     uuid.UUID
	Signature   []byte
	CompletedAt time.Time
}

// SessionToken is an opaque bearer credential stored only as a hash.
// A nil ExpiresAt means the token never expires.
type SessionToken struct {
	Hash      string // blake2b-256 of the secret, hex encoded
	ActorID   uuid.UUID
	Serial    *string // bound certificate, if any
	ExpiresAt *time.Time
	IssuedAt  time.Time
}
