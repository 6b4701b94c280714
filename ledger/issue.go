package ledger

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthfed/hearth/crypto"
	"github.com/hearthfed/hearth/storage"
)

// certificatePEMType labels the PEM envelope of issued certificates.
const certificatePEMType = "HEARTH CERTIFICATE"

// serialRetries bounds how often issuance re-draws a colliding serial
// before giving up. With 160-bit serials more than one retry already
// means the entropy source is broken.
const serialRetries = 3

// Request is a validated signing request as submitted by a client.
// Encoded is the canonical byte form the client signed; Signature must
// verify over it with the referenced key.
type Request struct {
	ActorID     uuid.UUID
	PublicKeyID uuid.UUID
	SessionID   string
	NotBefore   time.Time
	NotAfter    time.Time
	Extensions  string
	Encoded     string
	Signature   []byte
}

// Payload is the signed body of an issued certificate. The serial is
// part of the payload, so every issuance attempt produces distinct
// signature bytes.
type Payload struct {
	Serial       string    `json:"serial"`
	ActorID      uuid.UUID `json:"actor_id"`
	SessionID    string    `json:"session_id"`
	PublicKeyPEM string    `json:"public_key_pem"`
	IssuerKeyID  uuid.UUID `json:"issuer_key_id"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Extensions   string    `json:"extensions,omitempty"`
	Request      string    `json:"request"`
}

// SubmitRequest validates a signing request and, if it passes, issues a
// certificate for it. Request row and certificate row commit
// atomically. Resubmitting the same request reports ErrAlreadyIssued;
// asking for a second active certificate on the same session reports
// ErrDuplicateSession.
func (l *Ledger) SubmitRequest(ctx context.Context, req Request) (storage.Certificate, error) {
	actor, err := l.store.Actor(ctx, req.ActorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Certificate{}, ErrUnknownActor
		}
		return storage.Certificate{}, err
	}
	if actor.Deactivated {
		return storage.Certificate{}, ErrActorDeactivated
	}

	key, err := l.store.PublicKey(ctx, req.PublicKeyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Certificate{}, ErrUnknownKey
		}
		return storage.Certificate{}, err
	}
	if key.OwnerID == nil || *key.OwnerID != actor.ID {
		return storage.Certificate{}, ErrUnknownKey
	}
	if _, err := l.store.Algorithm(ctx, key.AlgorithmOID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Certificate{}, ErrUnknownAlgorithm
		}
		return storage.Certificate{}, err
	}

	if err := crypto.Verify(key.KeyPEM, []byte(req.Encoded), req.Signature); err != nil {
		return storage.Certificate{}, ErrInvalidSignature
	}

	notBefore, notAfter, err := l.grantWindow(req.NotBefore, req.NotAfter)
	if err != nil {
		return storage.Certificate{}, err
	}

	return l.issue(ctx, issuance{
		actorID:      actor.ID,
		publicKeyID:  key.ID,
		publicKeyPEM: key.KeyPEM,
		sessionID:    req.SessionID,
		notBefore:    notBefore,
		notAfter:     notAfter,
		extensions:   req.Extensions,
		encoded:      req.Encoded,
		signature:    req.Signature,
	})
}

// grantWindow intersects the requested validity window with the window
// this server is willing to grant: [now, now+MaxLifetime]. An empty
// intersection is a mismatch.
func (l *Ledger) grantWindow(reqNB, reqNA time.Time) (time.Time, time.Time, error) {
	now := l.now()
	notBefore := reqNB
	if notBefore.Before(now) {
		notBefore = now
	}
	notAfter := reqNA
	if limit := now.Add(l.policy.MaxLifetime); notAfter.After(limit) {
		notAfter = limit
	}
	if notBefore.After(notAfter) {
		return time.Time{}, time.Time{}, ErrWindowMismatch
	}
	return notBefore, notAfter, nil
}

type issuance struct {
	actorID      uuid.UUID
	publicKeyID  uuid.UUID
	publicKeyPEM string
	sessionID    string
	notBefore    time.Time
	notAfter     time.Time
	extensions   string
	encoded      string
	signature    []byte
}

// issue allocates a serial, signs the certificate payload and commits
// the request/certificate pair. Serial collisions re-draw; every other
// constraint collision maps to a caller-visible sentinel.
func (l *Ledger) issue(ctx context.Context, in issuance) (storage.Certificate, error) {
	for attempt := 0; attempt < serialRetries; attempt++ {
		serial, err := crypto.NewSerial()
		if err != nil {
			return storage.Certificate{}, err
		}

		payload := Payload{
			Serial:       serial,
			ActorID:      in.actorID,
			SessionID:    in.sessionID,
			PublicKeyPEM: in.publicKeyPEM,
			IssuerKeyID:  l.issuer.KeyID(),
			NotBefore:    in.notBefore,
			NotAfter:     in.notAfter,
			Extensions:   in.extensions,
			Request:      in.encoded,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return storage.Certificate{}, fmt.Errorf("encoding certificate payload: %w", err)
		}
		sig, err := l.issuer.Sign(body)
		if err != nil {
			return storage.Certificate{}, fmt.Errorf("signing certificate: %w", err)
		}

		req := storage.SigningRequest{
			Serial:      serial,
			ActorID:     in.actorID,
			PublicKeyID: in.publicKeyID,
			Signature:   in.signature,
			SessionID:   in.sessionID,
			NotBefore:   in.notBefore,
			NotAfter:    in.notAfter,
			Extensions:  in.extensions,
			Encoded:     in.encoded,
		}
		cert := storage.Certificate{
			Serial:      serial,
			IssuerKeyID: l.issuer.KeyID(),
			NotBefore:   in.notBefore,
			NotAfter:    in.notAfter,
			Signature:   sig,
			Encoded:     encodeCertificatePEM(body),
			IssuedAt:    l.now(),
		}

		err = l.store.InsertRequestAndCertificate(ctx, req, cert)
		if err == nil {
			return cert, nil
		}
		switch storage.ConstraintOf(err) {
		case storage.ConstraintRequestSerial, storage.ConstraintCertificateSerial:
			continue
		case storage.ConstraintRequestSignature, storage.ConstraintCertificateSignature:
			return storage.Certificate{}, ErrAlreadyIssued
		case storage.ConstraintActiveSession:
			return storage.Certificate{}, ErrDuplicateSession
		}
		return storage.Certificate{}, fmt.Errorf("committing issuance: %w", err)
	}
	return storage.Certificate{}, ErrSerialSpaceExhausted
}

func encodeCertificatePEM(body []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: body}))
}

// DecodeCertificatePEM parses an issued certificate's Encoded form back
// into its payload.
func DecodeCertificatePEM(encoded string) (Payload, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil || block.Type != certificatePEMType {
		return Payload{}, crypto.ErrInvalidPEM
	}
	var payload Payload
	if err := json.Unmarshal(block.Bytes, &payload); err != nil {
		return Payload{}, fmt.Errorf("decoding certificate payload: %w", err)
	}
	return payload, nil
}

// VerifyCertificate checks the issuer signature on an issued
// certificate against the issuer's public key.
func (l *Ledger) VerifyCertificate(cert storage.Certificate) error {
	block, _ := pem.Decode([]byte(cert.Encoded))
	if block == nil || block.Type != certificatePEMType {
		return crypto.ErrInvalidPEM
	}
	pubPEM, err := l.issuer.PublicPEM()
	if err != nil {
		return err
	}
	return crypto.Verify(pubPEM, block.Bytes, cert.Signature)
}
