// Package trustcache caches verdicts about certificates issued by
// remote federation peers, so not every inbound message costs a
// round-trip to the peer's home server. Entries go stale after a
// configurable age and must be refreshed; a revocation verdict is
// one-way and survives refreshes.
package trustcache

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxAge is how long a cached verdict is served before the
// caller is told to re-verify with the peer.
const DefaultMaxAge = 1 * time.Hour

var (
	// ErrSignatureConflict is returned when a cached certificate
	// signature is seen again under a different (federation, session)
	// identity.
	ErrSignatureConflict = errors.New("certificate signature cached under a different identity")
	// ErrNotCached is returned by stores when no entry exists for the
	// key.
	ErrNotCached = errors.New("not cached")
)

// Entry is one cached verdict about a remote certificate. When the
// peer's certificate body was fetched it is cached alongside the
// verdict, so a Hit can be served without another round-trip.
type Entry struct {
	FederationID       string     `json:"federation_id"`
	SessionID          string     `json:"session_id"`
	Serial             string     `json:"serial"`
	Signature          string     `json:"signature"` // hex issuer signature, globally unique in the cache
	NotAfter           time.Time  `json:"not_after"`
	CachedAt           time.Time  `json:"cached_at"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	EncodedCertificate *string    `json:"encoded_certificate,omitempty"`
}

// Result classifies a lookup.
type Result int

const (
	// Miss means no entry exists; the caller must verify with the peer.
	Miss Result = iota
	// Hit means the entry is fresh enough to act on.
	Hit
	// Stale means an entry exists but cannot be served as trusted:
	// it is older than the max age, past its cache window, or carries
	// a revocation mark. The caller must re-verify with the peer
	// before acting, checking revocation first.
	Stale
)

func (r Result) String() string {
	switch r {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Store is the persistence contract for cached verdicts. Put must
// preserve an existing RevokedAt mark, enforce global signature
// uniqueness across identities, and MarkRevoked must be one-way: the
// first marker's timestamp wins.
type Store interface {
	Get(ctx context.Context, federationID, sessionID string) (Entry, error)
	Put(ctx context.Context, e Entry) error
	MarkRevoked(ctx context.Context, federationID, sessionID string, at time.Time) error
}

// Cache layers freshness policy over a Store.
type Cache struct {
	store  Store
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxAge overrides the staleness horizon.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) { c.maxAge = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a Cache over the given store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		maxAge: DefaultMaxAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAge <= 0 {
		c.maxAge = DefaultMaxAge
	}
	return c
}

// Lookup returns the cached entry for the identity and how much to
// trust it. A revoked entry is permanently Stale no matter how fresh
// the rest of the verdict is; Miss and Stale differ because the
// refresh paths differ (plain fetch vs revocation-check first).
func (c *Cache) Lookup(ctx context.Context, federationID, sessionID string) (Entry, Result, error) {
	e, err := c.store.Get(ctx, federationID, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotCached) {
			return Entry{}, Miss, nil
		}
		return Entry{}, Miss, err
	}
	now := c.now()
	if e.RevokedAt != nil || now.After(e.NotAfter) || now.Sub(e.CachedAt) > c.maxAge {
		return e, Stale, nil
	}
	return e, Hit, nil
}

// Put records a freshly verified verdict. The entry's CachedAt is
// stamped here; an existing revocation mark on the identity survives
// the refresh.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	e.CachedAt = c.now()
	return c.store.Put(ctx, e)
}

// MarkRevoked records that the peer reported the certificate revoked.
// Marking is one-way; repeated marks keep the first timestamp. Marking
// an identity with no cached entry stores a marker-only entry so the
// verdict is not lost.
func (c *Cache) MarkRevoked(ctx context.Context, federationID, sessionID string) error {
	return c.store.MarkRevoked(ctx, federationID, sessionID, c.now())
}
