// Package token manages opaque bearer session tokens. Secrets are
// handed out once and stored only as deterministic blake2b-256 hashes,
// so a presented secret resolves to its record with a single lookup.
// Expired rows are reaped synchronously on issuance rather than by a
// background sweeper.
package token

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

// secretLength is the length of generated token secrets.
const secretLength = 64

var (
	// ErrTokenUnknown is returned when no live record matches the
	// presented secret.
	ErrTokenUnknown = errors.New("unknown session token")
	// ErrTokenExpired is returned when the matching record exists but
	// its expiry has passed.
	ErrTokenExpired = errors.New("session token expired")
	// ErrNoTokens is returned when a certificate has no session tokens.
	ErrNoTokens = errors.New("no session tokens for certificate")
	// ErrNegativeTTL is returned when issuance is asked for a lifetime
	// below zero. Zero means non-expiring; anything less is a caller
	// bug that must not mint a token at all.
	ErrNegativeTTL = errors.New("negative token lifetime")
)

// Identity is the authenticated principal a validated token resolves to.
type Identity struct {
	ActorID uuid.UUID
	Serial  *string
}

// Manager issues and validates session tokens.
type Manager struct {
	store storage.Store
	now   func() time.Time
	sweep bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithoutSweep disables the synchronous reap on issuance. Used by tests
// that assert on expired rows.
func WithoutSweep() Option {
	return func(m *Manager) { m.sweep = false }
}

// NewManager builds a Manager over the given store.
func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		sweep: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue mints a fresh token for the actor, optionally bound to a
// certificate serial. A ttl of zero produces a non-expiring token. The
// returned secret is the only copy; the store keeps just its hash.
func (m *Manager) Issue(ctx context.Context, actorID uuid.UUID, serial *string, ttl time.Duration) (string, storage.SessionToken, error) {
	if ttl < 0 {
		return "", storage.SessionToken{}, ErrNegativeTTL
	}
	if m.sweep {
		if _, err := m.store.DeleteExpiredSessionTokens(ctx, m.now()); err != nil {
			return "", storage.SessionToken{}, fmt.Errorf("sweeping expired tokens: %w", err)
		}
	}

	secret, err := util.RandomChars(secretLength)
	if err != nil {
		return "", storage.SessionToken{}, fmt.Errorf("generating token secret: %w", err)
	}

	now := m.now()
	record := storage.SessionToken{
		Hash:     crypto.TokenHash(secret),
		ActorID:  actorID,
		Serial:   serial,
		IssuedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		record.ExpiresAt = &exp
	}

	if err := m.store.InsertSessionToken(ctx, record); err != nil {
		return "", storage.SessionToken{}, fmt.Errorf("storing session token: %w", err)
	}
	return secret, record, nil
}

// Validate resolves a presented secret to its identity. Expiry is
// checked at validation time, so a token that outlived its window is
// rejected even if no sweep has removed the row yet.
func (m *Manager) Validate(ctx context.Context, secret string) (Identity, error) {
	record, err := m.store.SessionToken(ctx, crypto.TokenHash(secret))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, ErrTokenUnknown
		}
		return Identity{}, err
	}
	if record.ExpiresAt != nil && m.now().After(*record.ExpiresAt) {
		return Identity{}, ErrTokenExpired
	}
	return Identity{ActorID: record.ActorID, Serial: record.Serial}, nil
}

// LatestForCertificate returns the longest-lived token record bound to
// the serial: non-expiring tokens outrank every finite expiry, later
// expiries outrank earlier ones, and exact ties resolve by hash so the
// answer is stable.
func (m *Manager) LatestForCertificate(ctx context.Context, serial string) (storage.SessionToken, error) {
	tokens, err := m.store.SessionTokensForSerial(ctx, serial)
	if err != nil {
		return storage.SessionToken{}, err
	}
	if len(tokens) == 0 {
		return storage.SessionToken{}, ErrNoTokens
	}
	best := tokens[0]
	for _, t := range tokens[1:] {
		if outlives(t, best) {
			best = t
		}
	}
	return best, nil
}

// outlives reports whether a expires strictly after b under the
// ordering used by LatestForCertificate.
func outlives(a, b storage.SessionToken) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt == nil:
		return a.Hash > b.Hash
	case a.ExpiresAt == nil:
		return true
	case b.ExpiresAt == nil:
		return false
	case a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.Hash > b.Hash
	default:
		return a.ExpiresAt.After(*b.ExpiresAt)
	}
}

// SweepExpired removes expired token rows and reports how many were
// deleted.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSessionTokens(ctx, m.now())
}
