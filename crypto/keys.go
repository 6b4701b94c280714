// Package crypto provides key handling, serial generation and the
// signing identity of the home server. Private key material lives in
// memguard enclaves and is only opened for the duration of a single
// operation.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/hearthfed/hearth/internal/util"
)

// AlgorithmEd25519OID is the dotted OID for Ed25519 (RFC 8410).
const AlgorithmEd25519OID = "1.3.101.112"

const publicKeyPEMType = "PUBLIC KEY"

var (
	ErrInvalidPEM       = errors.New("invalid PEM block")
	ErrNotEd25519       = errors.New("key is not an Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// GenerateKeypair produces a fresh Ed25519 keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating keypair: %w", err)
	}
	return pub, priv, nil
}

// EncodePublicKeyPEM renders pub as a PKIX PEM block. The output is
// the canonical form stored and deduplicated by the ledger.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	block := &pem.Block{Type: publicKeyPEMType, Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePublicKeyPEM parses a PKIX PEM block into an Ed25519 public key.
func DecodePublicKeyPEM(keyPEM string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil || block.Type != publicKeyPEMType {
		return nil, ErrInvalidPEM
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return pub, nil
}

// Verify checks sig over msg against the PEM-encoded public key.
func Verify(keyPEM string, msg, sig []byte) error {
	pub, err := DecodePublicKeyPEM(keyPEM)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// TokenHash computes the storage key for a session token secret. The
// hash is deterministic so a presented secret can be looked up
// directly; the secret itself is never persisted.
func TokenHash(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return util.HexEncode(sum[:])
}

// Fingerprint returns a short blake2b digest of arbitrary material,
// used for log-safe identifiers.
func Fingerprint(b []byte) string {
	sum := blake2b.Sum256(b)
	return util.HexEncode(sum[:8])
}
