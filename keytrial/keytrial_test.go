package keytrial_test

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthfed/hearth/crypto"
	"github.com/hearthfed/hearth/keytrial"
	"github.com/hearthfed/hearth/ledger"
	"github.com/hearthfed/hearth/storage"
	"github.com/hearthfed/hearth/storage/memory"
)

type fixture struct {
	store  *memory.Store
	trials *keytrial.Protocol
	serial string
	priv   ed25519.PrivateKey
	now    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()

	_, issuerPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	led := ledger.New(store, crypto.NewIssuer(uuid.New(), issuerPriv))
	require.NoError(t, led.EnsureAlgorithms(t.Context()))

	actor, err := led.RegisterActor(t.Context(), storage.ActorLocal, "alice")
	require.NoError(t, err)

	pub, priv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	keyPEM, err := crypto.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	key, err := led.RegisterPublicKey(t.Context(), actor.ID, keyPEM, crypto.AlgorithmEd25519OID)
	require.NoError(t, err)

	encoded := "csr-trial-test"
	now := time.Now().UTC()
	cert, err := led.SubmitRequest(t.Context(), ledger.Request{
		ActorID:     actor.ID,
		PublicKeyID: key.ID,
		SessionID:   "desktop",
		NotBefore:   now,
		NotAfter:    now.Add(24 * time.Hour),
		Encoded:     encoded,
		Signature:   ed25519.Sign(priv, []byte(encoded)),
	})
	require.NoError(t, err)

	clock := now
	trials := keytrial.New(store,
		keytrial.WithTTL(10*time.Minute),
		keytrial.WithClock(func() time.Time { return clock }))

	return &fixture{store: store, trials: trials, serial: cert.Serial, priv: priv, now: &clock}
}

func TestTrialRoundtrip(t *testing.T) {
	f := newFixture(t)

	trial, err := f.trials.Issue(t.Context(), f.serial)
	require.NoError(t, err)
	assert.Equal(t, f.serial, trial.Serial)
	assert.NotEmpty(t, trial.Nonce)

	completion, err := f.trials.Complete(t.Context(), trial.ID,
		ed25519.Sign(f.priv, []byte(trial.Nonce)))
	require.NoError(t, err)
	assert.Equal(t, trial.ID, completion.TrialID)

	stored, err := f.trials.Completion(t.Context(), trial.ID)
	require.NoError(t, err)
	assert.Equal(t, completion.Signature, stored.Signature)
}

func TestTrialUnknownCertificate(t *testing.T) {
	f := newFixture(t)

	_, err := f.trials.Issue(t.Context(), "no-such-serial")
	assert.ErrorIs(t, err, keytrial.ErrUnknownCertificate)
}

func TestTrialNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.trials.Complete(t.Context(), uuid.New(), []byte("sig"))
	assert.ErrorIs(t, err, keytrial.ErrTrialNotFound)
}

func TestTrialExpiry(t *testing.T) {
	f := newFixture(t)

	trial, err := f.trials.Issue(t.Context(), f.serial)
	require.NoError(t, err)

	*f.now = f.now.Add(11 * time.Minute)
	_, err = f.trials.Complete(t.Context(), trial.ID,
		ed25519.Sign(f.priv, []byte(trial.Nonce)))
	assert.ErrorIs(t, err, keytrial.ErrTrialExpired)
}

func TestTrialInvalidSignature(t *testing.T) {
	f := newFixture(t)

	trial, err := f.trials.Issue(t.Context(), f.serial)
	require.NoError(t, err)

	_, err = f.trials.Complete(t.Context(), trial.ID,
		ed25519.Sign(f.priv, []byte("wrong payload")))
	assert.ErrorIs(t, err, keytrial.ErrInvalidSignature)

	// A failed attempt does not settle the trial.
	_, err = f.trials.Complete(t.Context(), trial.ID,
		ed25519.Sign(f.priv, []byte(trial.Nonce)))
	assert.NoError(t, err)
}

func TestTrialCompletesOnce(t *testing.T) {
	f := newFixture(t)

	trial, err := f.trials.Issue(t.Context(), f.serial)
	require.NoError(t, err)

	sig := ed25519.Sign(f.priv, []byte(trial.Nonce))
	_, err = f.trials.Complete(t.Context(), trial.ID, sig)
	require.NoError(t, err)

	// Any further attempt reports completion, valid signature or not.
	_, err = f.trials.Complete(t.Context(), trial.ID, sig)
	assert.ErrorIs(t, err, keytrial.ErrTrialAlreadyCompleted)

	_, err = f.trials.Complete(t.Context(), trial.ID, []byte("garbage"))
	assert.ErrorIs(t, err, keytrial.ErrTrialAlreadyCompleted)
}

func TestParallelTrialsIndependent(t *testing.T) {
	f := newFixture(t)

	trial1, err := f.trials.Issue(t.Context(), f.serial)
	require.NoError(t, err)
	trial2, err := f.trials.Issue(t.Context(), f.serial)
	require.NoError(t, err)
	assert.NotEqual(t, trial1.Nonce, trial2.Nonce)

	_, err = f.trials.Complete(t.Context(), trial1.ID,
		ed25519.Sign(f.priv, []byte(trial1.Nonce)))
	require.NoError(t, err)

	// Completing one trial leaves the other answerable.
	_, err = f.trials.Complete(t.Context(), trial2.ID,
		ed25519.Sign(f.priv, []byte(trial2.Nonce)))
	assert.NoError(t, err)
}
