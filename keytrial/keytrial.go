// Package keytrial implements the possession challenge: the server
// hands out an unguessable nonce tied to a certificate, and the key
// holder proves possession by signing it. Each trial completes at most
// once, and a signature that satisfied one trial can never satisfy
// another.
package keytrial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthfed/hearth/crypto"
	"github.com/hearthfed/hearth/ledger"
	"github.com/hearthfed/hearth/storage"
)

// DefaultTTL is how long a trial remains answerable after issuance.
const DefaultTTL = 10 * time.Minute

var (
	// ErrTrialNotFound is returned when no trial exists for the ID.
	ErrTrialNotFound = errors.New("key trial not found")
	// ErrTrialExpired is returned when the trial's answer window has
	// elapsed.
	ErrTrialExpired = errors.New("key trial expired")
	// ErrTrialAlreadyCompleted is returned on any completion attempt
	// after the trial has been satisfied, regardless of the submitted
	// signature.
	ErrTrialAlreadyCompleted = errors.New("key trial already completed")
	// ErrInvalidSignature is returned when the signature does not verify
	// over the trial nonce with the certificate's key.
	ErrInvalidSignature = errors.New("signature does not match trial nonce")
	// ErrSignatureReplayed is returned when the signature bytes already
	// satisfied a different trial.
	ErrSignatureReplayed = errors.New("signature already used for another trial")
	// ErrUnknownCertificate is returned when the target certificate does
	// not exist.
	ErrUnknownCertificate = errors.New("unknown certificate")
)

// Protocol issues and settles key trials against the store.
type Protocol struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithTTL overrides the trial answer window.
func WithTTL(ttl time.Duration) Option {
	return func(p *Protocol) { p.ttl = ttl }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// New builds a Protocol over the given store.
func New(store storage.Store, opts ...Option) *Protocol {
	p := &Protocol{
		store: store,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ttl <= 0 {
		p.ttl = DefaultTTL
	}
	return p
}

// Issue creates a fresh trial for the certificate identified by serial.
func (p *Protocol) Issue(ctx context.Context, serial string) (storage.KeyTrial, error) {
	nonce, err := crypto.NewNonce()
	if err != nil {
		return storage.KeyTrial{}, err
	}
	now := p.now()
	trial := storage.KeyTrial{
		ID:        uuid.New(),
		Serial:    serial,
		Nonce:     nonce,
		ExpiresAt: now.Add(p.ttl),
		CreatedAt: now,
	}
	if err := p.store.InsertKeyTrial(ctx, trial); err != nil {
		if errors.Is(err, storage.ErrForeignKey) {
			return storage.KeyTrial{}, ErrUnknownCertificate
		}
		return storage.KeyTrial{}, fmt.Errorf("issuing key trial: %w", err)
	}
	return trial, nil
}

// Trial looks up a pending or completed trial by ID.
func (p *Protocol) Trial(ctx context.Context, id uuid.UUID) (storage.KeyTrial, error) {
	trial, err := p.store.KeyTrial(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.KeyTrial{}, ErrTrialNotFound
	}
	return trial, err
}

// Complete settles a trial with a signature over its nonce. Once a
// trial is completed, every further attempt reports
// ErrTrialAlreadyCompleted, even with a signature that would not
// verify. Concurrent completions race on the store's one-completion
// constraint; the loser sees ErrTrialAlreadyCompleted too.
func (p *Protocol) Complete(ctx context.Context, trialID uuid.UUID, signature []byte) (storage.KeyTrialCompletion, error) {
	trial, err := p.store.KeyTrial(ctx, trialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.KeyTrialCompletion{}, ErrTrialNotFound
		}
		return storage.KeyTrialCompletion{}, err
	}

	now := p.now()
	if now.After(trial.ExpiresAt) {
		return storage.KeyTrialCompletion{}, ErrTrialExpired
	}

	// A settled trial stays settled no matter what is submitted, so the
	// completed check precedes signature verification.
	if _, err := p.store.TrialCompletion(ctx, trialID); err == nil {
		return storage.KeyTrialCompletion{}, ErrTrialAlreadyCompleted
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.KeyTrialCompletion{}, err
	}

	keyPEM, err := p.certificateKeyPEM(ctx, trial.Serial)
	if err != nil {
		return storage.KeyTrialCompletion{}, err
	}
	if err := crypto.Verify(keyPEM, []byte(trial.Nonce), signature); err != nil {
		return storage.KeyTrialCompletion{}, ErrInvalidSignature
	}

	completion := storage.KeyTrialCompletion{
		TrialID:     trialID,
		Signature:   signature,
		CompletedAt: now,
	}
	if err := p.store.InsertTrialCompletion(ctx, completion); err != nil {
		switch storage.ConstraintOf(err) {
		case storage.ConstraintCompletionTrial:
			return storage.KeyTrialCompletion{}, ErrTrialAlreadyCompleted
		case storage.ConstraintCompletionSignature:
			return storage.KeyTrialCompletion{}, ErrSignatureReplayed
		}
		return storage.KeyTrialCompletion{}, fmt.Errorf("recording trial completion: %w", err)
	}
	return completion, nil
}

// Completion returns the completion record for a trial, or
// storage.ErrNotFound while the trial is still pending.
func (p *Protocol) Completion(ctx context.Context, trialID uuid.UUID) (storage.KeyTrialCompletion, error) {
	return p.store.TrialCompletion(ctx, trialID)
}

// certificateKeyPEM resolves the public key the certificate binds. The
// key comes out of the signed certificate body itself, so the trial
// verifies against exactly what was issued.
func (p *Protocol) certificateKeyPEM(ctx context.Context, serial string) (string, error) {
	cert, err := p.store.CertificateBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrUnknownCertificate
		}
		return "", err
	}
	payload, err := ledger.DecodeCertificatePEM(cert.Encoded)
	if err != nil {
		return "", err
	}
	return payload.PublicKeyPEM, nil
}
