package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is the match target for ConflictError values.
	ErrConflict = errors.New("unique constraint violated")

	// ErrForeignKey is returned when a write references a record that
	// does not exist.
	ErrForeignKey = errors.New("referenced record does not exist")

	// ErrUnavailable is returned when the backing store cannot be
	// reached. It is surfaced as-is; the engine performs no retries.
	ErrUnavailable = errors.New("store unavailable")
)

// Constraint names shared by every backend. The postgres schema declares
// these exact identifiers; the memory backend reports the same names, so
// engine-level translation of constraint races is backend independent.
const (
	ConstraintActorID              = "actors_pkey"
	ConstraintLocalDisplayName     = "actors_local_display_name_key"
	ConstraintAlgorithmOID         = "algorithm_identifiers_pkey"
	ConstraintPublicKeyID          = "public_keys_pkey"
	ConstraintPublicKeyOwnerKey    = "public_keys_owner_key_key"
	ConstraintRequestSerial        = "signing_requests_pkey"
	ConstraintRequestSignature     = "signing_requests_actor_signature_key"
	ConstraintActiveSession        = "signing_requests_active_session_excl"
	ConstraintCertificateSerial    = "certificates_pkey"
	ConstraintCertificateSignature = "certificates_signature_key"
	ConstraintRevocationSerial     = "revocations_pkey"
	ConstraintTrialID              = "key_trials_pkey"
	ConstraintTrialNonce           = "key_trials_nonce_key"
	ConstraintCompletionTrial      = "key_trial_completions_pkey"
	ConstraintCompletionSignature  = "key_trial_completions_signature_key"
	ConstraintTokenHash            = "session_tokens_pkey"
)

// ConflictError reports which uniqueness or exclusion constraint a write
// collided with. The engine inspects Constraint to translate a lost race
// into a typed outcome instead of a storage failure.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %v", e.Constraint, ErrConflict)
}

// Is makes errors.Is(err, ErrConflict) match ConflictError values.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Conflict returns a ConflictError for the named constraint.
func Conflict(constraint string) error {
	return &ConflictError{Constraint: constraint}
}

// ConstraintOf extracts the violated constraint name from err, or ""
// when err does not carry one.
func ConstraintOf(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Constraint
	}
	return ""
}
