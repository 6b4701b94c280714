package ledger

import "errors"

var (
	// ErrUnknownActor is returned when the referenced actor does not exist.
	ErrUnknownActor = errors.New("unknown actor")
	// ErrActorDeactivated is returned when the actor exists but has been
	// deactivated and may no longer receive certificates.
	ErrActorDeactivated = errors.New("actor is deactivated")
	// ErrDuplicateDisplayName is returned when a local actor registration
	// collides with an existing display name after normalization.
	ErrDuplicateDisplayName = errors.New("display name already taken")
	// ErrUnknownAlgorithm is returned when a key references an algorithm
	// this server does not accept.
	ErrUnknownAlgorithm = errors.New("unknown signature algorithm")
	// ErrUnknownKey is returned when the referenced public key does not
	// exist or is not owned by the requesting actor.
	ErrUnknownKey = errors.New("unknown public key")
	// ErrDuplicateKey is returned when an actor registers key material it
	// already holds.
	ErrDuplicateKey = errors.New("public key already registered")
	// ErrInvalidSignature is returned when a request signature does not
	// verify against the referenced key.
	ErrInvalidSignature = errors.New("invalid request signature")
	// ErrWindowMismatch is returned when the requested validity window
	// does not intersect the window this server is willing to grant.
	ErrWindowMismatch = errors.New("validity window is empty or elapsed")
	// ErrAlreadyIssued is returned when an identical signing request has
	// already produced a certificate.
	ErrAlreadyIssued = errors.New("certificate already issued for this request")
	// ErrDuplicateSession is returned when the actor already holds an
	// active certificate for the session over an overlapping window.
	ErrDuplicateSession = errors.New("session already holds an active certificate")
	// ErrSerialSpaceExhausted is returned when serial generation keeps
	// colliding, which indicates a broken entropy source.
	ErrSerialSpaceExhausted = errors.New("could not allocate a unique serial")
	// ErrUnknownCertificate is returned when no certificate exists for
	// the given serial or session.
	ErrUnknownCertificate = errors.New("unknown certificate")
	// ErrAlreadyRevoked is returned when the certificate has already been
	// revoked; the original revocation time stands.
	ErrAlreadyRevoked = errors.New("certificate already revoked")
)
