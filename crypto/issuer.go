package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/hearthfed/hearth/internal/util"
)

const privateKeyPEMType = "PRIVATE KEY"

var ErrNoIssuerKey = errors.New("issuer key not found")

// Issuer holds the home server's signing identity. The Ed25519 seed
// lives in a memguard Enclave (encrypted at rest in memory) and is
// opened only for the duration of each Sign call.
type Issuer struct {
	keyID   uuid.UUID
	pub     ed25519.PublicKey
	enclave *memguard.Enclave
}

// NewIssuer seals priv into an enclave and wipes the caller's copy.
// keyID is the storage identifier of the corresponding public key row.
func NewIssuer(keyID uuid.UUID, priv ed25519.PrivateKey) *Issuer {
	seed := priv.Seed()
	pub := priv.Public().(ed25519.PublicKey)
	iss := &Issuer{
		keyID:   keyID,
		pub:     pub,
		enclave: memguard.NewEnclave(seed),
	}
	util.WipeBytes(priv)
	return iss
}

// KeyID returns the storage identifier of the issuer's public key.
func (i *Issuer) KeyID() uuid.UUID { return i.keyID }

// Public returns the issuer's public key.
func (i *Issuer) Public() ed25519.PublicKey { return i.pub }

// PublicPEM returns the issuer's public key in canonical PEM form.
func (i *Issuer) PublicPEM() (string, error) {
	return EncodePublicKeyPEM(i.pub)
}

// Sign signs msg with the issuer key. The private key is rehydrated
// from the enclave for this call only and destroyed on return.
func (i *Issuer) Sign(msg []byte) ([]byte, error) {
	buf, err := i.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening issuer key enclave: %w", err)
	}
	defer buf.Destroy()

	priv := ed25519.NewKeyFromSeed(buf.Bytes())
	sig := ed25519.Sign(priv, msg)
	util.WipeBytes(priv)
	return sig, nil
}

// SaveIssuerKey writes priv to path as a PKCS#8 PEM file with owner-only
// permissions.
func SaveIssuerKey(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshaling issuer key: %w", err)
	}
	block := &pem.Block{Type: privateKeyPEMType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing issuer key: %w", err)
	}
	return nil
}

// LoadIssuerKey reads a PKCS#8 PEM issuer key from path. A missing
// file is reported as ErrNoIssuerKey so callers can fall back to
// generating a fresh key.
func LoadIssuerKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIssuerKey
		}
		return nil, fmt.Errorf("reading issuer key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privateKeyPEMType {
		return nil, ErrInvalidPEM
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing issuer key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return priv, nil
}
