// Package postgres implements storage.Store backed by PostgreSQL.
//
// Uniqueness and exclusion constraints in schema.sql carry the names the
// engine matches on, so a unique_violation or exclusion_violation maps
// directly to a storage.ConflictError for that constraint. The
// request+certificate pair insert and the revocation insert run inside a
// single transaction each.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthfed/hearth/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// translate maps pgx errors to the storage error taxonomy. Unique and
// exclusion violations become ConflictError keyed by constraint name;
// foreign-key violations become ErrForeignKey; anything else that is not
// a missing row is a collaborator-boundary failure.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23P01": // unique_violation, exclusion_violation
			return storage.Conflict(pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, storage.ErrForeignKey)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

// ---------------------------------------------------------------------------
// Actors, algorithms and keys
// ---------------------------------------------------------------------------

func (s *Store) InsertActor(ctx context.Context, a storage.Actor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO actors (id, kind, display_name, deactivated, joined_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Kind, a.DisplayName, a.Deactivated, a.JoinedAt)
	return translate(err)
}

func (s *Store) Actor(ctx context.Context, id uuid.UUID) (storage.Actor, error) {
	var a storage.Actor
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, display_name, deactivated, joined_at
		 FROM actors WHERE id = $1`, id).
		Scan(&a.ID, &a.Kind, &a.DisplayName, &a.Deactivated, &a.JoinedAt)
	if err != nil {
		return storage.Actor{}, translate(err)
	}
	return a, nil
}

func (s *Store) ActorByDisplayName(ctx context.Context, displayName string) (storage.Actor, error) {
	var a storage.Actor
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, display_name, deactivated, joined_at
		 FROM actors WHERE kind = 'local' AND display_name = $1`, displayName).
		Scan(&a.ID, &a.Kind, &a.DisplayName, &a.Deactivated, &a.JoinedAt)
	if err != nil {
		return storage.Actor{}, translate(err)
	}
	return a, nil
}

func (s *Store) DeleteActor(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM actors WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("actor %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertAlgorithm(ctx context.Context, alg storage.AlgorithmIdentifier) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO algorithm_identifiers (oid, common_name, parameters)
		 VALUES ($1, $2, $3)`,
		alg.OID, alg.CommonName, alg.Parameters)
	return translate(err)
}

func (s *Store) Algorithm(ctx context.Context, oid string) (storage.AlgorithmIdentifier, error) {
	var alg storage.AlgorithmIdentifier
	err := s.pool.QueryRow(ctx,
		`SELECT oid, common_name, parameters
		 FROM algorithm_identifiers WHERE oid = $1`, oid).
		Scan(&alg.OID, &alg.CommonName, &alg.Parameters)
	if err != nil {
		return storage.AlgorithmIdentifier{}, translate(err)
	}
	return alg, nil
}

func (s *Store) InsertPublicKey(ctx context.Context, k storage.PublicKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO public_keys (id, owner_id, key_pem, algorithm_oid)
		 VALUES ($1, $2, $3, $4)`,
		k.ID, k.OwnerID, k.KeyPEM, k.AlgorithmOID)
	return translate(err)
}

func (s *Store) PublicKey(ctx context.Context, id uuid.UUID) (storage.PublicKey, error) {
	var k storage.PublicKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, key_pem, algorithm_oid
		 FROM public_keys WHERE id = $1`, id).
		Scan(&k.ID, &k.OwnerID, &k.KeyPEM, &k.AlgorithmOID)
	if err != nil {
		return storage.PublicKey{}, translate(err)
	}
	return k, nil
}

// ---------------------------------------------------------------------------
// Signing requests and certificates
// ---------------------------------------------------------------------------

func (s *Store) InsertRequestAndCertificate(ctx context.Context, req storage.SigningRequest, cert storage.Certificate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO signing_requests
		 (serial, actor_id, public_key_id, actor_signature, session_id,
		  valid_not_before, valid_not_after, extensions, encoded, invalidated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)`,
		req.Serial, req.ActorID, req.PublicKeyID, req.Signature, req.SessionID,
		req.NotBefore, req.NotAfter, req.Extensions, req.Encoded)
	if err != nil {
		return translate(err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO certificates
		 (serial, issuer_key_id, valid_not_before, valid_not_after,
		  issuer_signature, encoded, issued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cert.Serial, cert.IssuerKeyID, cert.NotBefore, cert.NotAfter,
		cert.Signature, cert.Encoded, cert.IssuedAt)
	if err != nil {
		return translate(err)
	}

	return translate(tx.Commit(ctx))
}

func (s *Store) SigningRequest(ctx context.Context, serial string) (storage.SigningRequest, error) {
	var req storage.SigningRequest
	err := s.pool.QueryRow(ctx,
		`SELECT serial, actor_id, public_key_id, actor_signature, session_id,
		        valid_not_before, valid_not_after, extensions, encoded, invalidated_at
		 FROM signing_requests WHERE serial = $1`, serial).
		Scan(&req.Serial, &req.ActorID, &req.PublicKeyID, &req.Signature, &req.SessionID,
			&req.NotBefore, &req.NotAfter, &req.Extensions, &req.Encoded, &req.InvalidatedAt)
	if err != nil {
		return storage.SigningRequest{}, translate(err)
	}
	return req, nil
}

const certColumns = `serial, issuer_key_id, valid_not_before, valid_not_after,
	issuer_signature, encoded, issued_at`

func scanCert(row pgx.Row) (storage.Certificate, error) {
	var c storage.Certificate
	err := row.Scan(&c.Serial, &c.IssuerKeyID, &c.NotBefore, &c.NotAfter,
		&c.Signature, &c.Encoded, &c.IssuedAt)
	if err != nil {
		return storage.Certificate{}, translate(err)
	}
	return c, nil
}

func (s *Store) CertificateBySerial(ctx context.Context, serial string) (storage.Certificate, error) {
	return scanCert(s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE serial = $1`, serial))
}

func (s *Store) CertificateBySession(ctx context.Context, actorID uuid.UUID, sessionID string) (storage.Certificate, error) {
	return scanCert(s.pool.QueryRow(ctx,
		`SELECT c.serial, c.issuer_key_id, c.valid_not_before, c.valid_not_after,
		        c.issuer_signature, c.encoded, c.issued_at
		 FROM certificates c
		 JOIN signing_requests r ON r.serial = c.serial
		 WHERE r.actor_id = $1 AND r.session_id = $2 AND r.invalidated_at IS NULL
		 ORDER BY c.issued_at DESC
		 LIMIT 1`, actorID, sessionID))
}

func (s *Store) HomeServerCertificate(ctx context.Context, at time.Time) (storage.Certificate, error) {
	return scanCert(s.pool.QueryRow(ctx,
		`SELECT c.serial, c.issuer_key_id, c.valid_not_before, c.valid_not_after,
		        c.issuer_signature, c.encoded, c.issued_at
		 FROM certificates c
		 JOIN signing_requests r ON r.serial = c.serial
		 JOIN public_keys k ON k.id = r.public_key_id
		 WHERE k.owner_id IS NULL
		   AND $1 >= c.valid_not_before AND $1 <= c.valid_not_after
		 ORDER BY c.issued_at DESC
		 LIMIT 1`, at))
}

// ---------------------------------------------------------------------------
// Revocations
// ---------------------------------------------------------------------------

func (s *Store) InsertRevocation(ctx context.Context, rev storage.Revocation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO revocations (serial, revoked_at) VALUES ($1, $2)`,
		rev.Serial, rev.RevokedAt)
	if err != nil {
		return translate(err)
	}

	// Invalidation linkage: set once, never overwritten.
	_, err = tx.Exec(ctx,
		`UPDATE signing_requests SET invalidated_at = $2
		 WHERE serial = $1 AND invalidated_at IS NULL`,
		rev.Serial, rev.RevokedAt)
	if err != nil {
		return translate(err)
	}

	return translate(tx.Commit(ctx))
}

func (s *Store) Revocation(ctx context.Context, serial string) (storage.Revocation, error) {
	var rev storage.Revocation
	err := s.pool.QueryRow(ctx,
		`SELECT serial, revoked_at FROM revocations WHERE serial = $1`, serial).
		Scan(&rev.Serial, &rev.RevokedAt)
	if err != nil {
		return storage.Revocation{}, translate(err)
	}
	return rev, nil
}

// ---------------------------------------------------------------------------
// Key trials
// ---------------------------------------------------------------------------

func (s *Store) InsertKeyTrial(ctx context.Context, trial storage.KeyTrial) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_trials (id, serial, nonce, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		trial.ID, trial.Serial, trial.Nonce, trial.ExpiresAt, trial.CreatedAt)
	return translate(err)
}

func (s *Store) KeyTrial(ctx context.Context, id uuid.UUID) (storage.KeyTrial, error) {
	var trial storage.KeyTrial
	err := s.pool.QueryRow(ctx,
		`SELECT id, serial, nonce, expires_at, created_at
		 FROM key_trials WHERE id = $1`, id).
		Scan(&trial.ID, &trial.Serial, &trial.Nonce, &trial.ExpiresAt, &trial.CreatedAt)
	if err != nil {
		return storage.KeyTrial{}, translate(err)
	}
	return trial, nil
}

func (s *Store) InsertTrialCompletion(ctx context.Context, c storage.KeyTrialCompletion) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_trial_completions (trial_id, signature, completed_at)
		 VALUES ($1, $2, $3)`,
		c.TrialID, c.Signature, c.CompletedAt)
	return translate(err)
}

func (s *Store) TrialCompletion(ctx context.Context, trialID uuid.UUID) (storage.KeyTrialCompletion, error) {
	var c storage.KeyTrialCompletion
	err := s.pool.QueryRow(ctx,
		`SELECT trial_id, signature, completed_at
		 FROM key_trial_completions WHERE trial_id = $1`, trialID).
		Scan(&c.TrialID, &c.Signature, &c.CompletedAt)
	if err != nil {
		return storage.KeyTrialCompletion{}, translate(err)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Session tokens
// ---------------------------------------------------------------------------

func (s *Store) InsertSessionToken(ctx context.Context, t storage.SessionToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_tokens (token_hash, actor_id, serial, expires_at, issued_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.Hash, t.ActorID, t.Serial, t.ExpiresAt, t.IssuedAt)
	return translate(err)
}

func (s *Store) SessionToken(ctx context.Context, hash string) (storage.SessionToken, error) {
	var t storage.SessionToken
	err := s.pool.QueryRow(ctx,
		`SELECT token_hash, actor_id, serial, expires_at, issued_at
		 FROM session_tokens WHERE token_hash = $1`, hash).
		Scan(&t.Hash, &t.ActorID, &t.Serial, &t.ExpiresAt, &t.IssuedAt)
	if err != nil {
		return storage.SessionToken{}, translate(err)
	}
	return t, nil
}

func (s *Store) SessionTokensForSerial(ctx context.Context, serial string) ([]storage.SessionToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token_hash, actor_id, serial, expires_at, issued_at
		 FROM session_tokens WHERE serial = $1`, serial)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []storage.SessionToken
	for rows.Next() {
		var t storage.SessionToken
		if err := rows.Scan(&t.Hash, &t.ActorID, &t.Serial, &t.ExpiresAt, &t.IssuedAt); err != nil {
			return nil, translate(err)
		}
		out = append(out, t)
	}
	return out, translate(rows.Err())
}

func (s *Store) DeleteExpiredSessionTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM session_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, translate(err)
	}
	return int(tag.RowsAffected()), nil
}
