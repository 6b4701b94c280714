package api_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthfed/hearth/api"
	"github.com/hearthfed/hearth/crypto"
	"github.com/hearthfed/hearth/keytrial"
	"github.com/hearthfed/hearth/ledger"
	"github.com/hearthfed/hearth/storage/memory"
	"github.com/hearthfed/hearth/token"
	"github.com/hearthfed/hearth/trustcache"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.NewStore()

	_, issuerPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	issuerID := uuid.NewSHA1(uuid.NameSpaceOID, issuerPriv.Public().(ed25519.PublicKey))
	led := ledger.New(store, crypto.NewIssuer(issuerID, issuerPriv))

	_, err = led.BootstrapHomeServer(t.Context(), "test.example")
	require.NoError(t, err)

	a := api.New(led,
		keytrial.New(store),
		token.NewManager(store),
		trustcache.New(trustcache.NewMemoryStore()))

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, bearer string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// enroll registers an actor with a fresh keypair and returns the actor
// ID, key ID and private key.
func enroll(t *testing.T, baseURL, name string) (string, string, ed25519.PrivateKey) {
	t.Helper()

	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/actors", "", api.RegisterActorRequest{
		DisplayName: name,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	actor := decode[api.RegisterActorResponse](t, resp)

	pub, priv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	keyPEM, err := crypto.EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	resp = doJSON(t, http.MethodPost, baseURL+"/api/v1/keys", "", api.RegisterKeyRequest{
		ActorID:      actor.ActorID,
		KeyPEM:       keyPEM,
		AlgorithmOID: crypto.AlgorithmEd25519OID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	key := decode[api.RegisterKeyResponse](t, resp)

	return actor.ActorID, key.KeyID, priv
}

func submitCSR(t *testing.T, baseURL, actorID, keyID, session string, priv ed25519.PrivateKey) api.SubmitRequestResponse {
	t.Helper()
	encoded := fmt.Sprintf("csr:%s:%s", actorID, session)
	now := time.Now().UTC()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/csr", "", api.SubmitRequestRequest{
		ActorID:     actorID,
		PublicKeyID: keyID,
		SessionID:   session,
		NotBefore:   now,
		NotAfter:    now.Add(24 * time.Hour),
		Encoded:     encoded,
		Signature:   base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(encoded))),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.SubmitRequestResponse](t, resp)
}

func TestHealth(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/health", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssuanceFlow(t *testing.T) {
	srv := setupServer(t)
	actorID, keyID, priv := enroll(t, srv.URL, "alice")

	issued := submitCSR(t, srv.URL, actorID, keyID, "desktop", priv)
	require.NotEmpty(t, issued.Certificate.Serial)
	require.NotEmpty(t, issued.Token)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/"+issued.Certificate.Serial, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decode[api.CertificateResponse](t, resp)
	assert.Equal(t, issued.Certificate.Serial, cert.Serial)
	assert.Nil(t, cert.RevokedAt)

	// The bound token authenticates.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/whoami", issued.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	who := decode[api.WhoamiResponse](t, resp)
	assert.Equal(t, actorID, who.ActorID)
	require.NotNil(t, who.Serial)
	assert.Equal(t, issued.Certificate.Serial, *who.Serial)
}

func TestUnauthenticatedWhoami(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/whoami", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/whoami", "bogus-token", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDuplicateDisplayName(t *testing.T) {
	srv := setupServer(t)
	enroll(t, srv.URL, "alice")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/actors", "", api.RegisterActorRequest{
		DisplayName: "alice",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRevokeFlow(t *testing.T) {
	srv := setupServer(t)
	actorID, keyID, priv := enroll(t, srv.URL, "alice")
	issued := submitCSR(t, srv.URL, actorID, keyID, "desktop", priv)
	serial := issued.Certificate.Serial

	// Another actor's token cannot revoke it.
	otherID, otherKey, otherPriv := enroll(t, srv.URL, "mallory")
	otherIssued := submitCSR(t, srv.URL, otherID, otherKey, "desktop", otherPriv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+serial+"/revoke", otherIssued.Token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+serial+"/revoke", issued.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	revoked := decode[api.RevokeResponse](t, resp)
	assert.Equal(t, serial, revoked.Serial)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+serial+"/revoke", issued.Token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/"+serial, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decode[api.CertificateResponse](t, resp)
	assert.NotNil(t, cert.RevokedAt)
}

func TestKeyTrialFlow(t *testing.T) {
	srv := setupServer(t)
	actorID, keyID, priv := enroll(t, srv.URL, "alice")
	issued := submitCSR(t, srv.URL, actorID, keyID, "desktop", priv)
	serial := issued.Certificate.Serial

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/certs/"+serial+"/trials", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	trial := decode[api.TrialResponse](t, resp)
	require.NotEmpty(t, trial.Nonce)

	// A wrong signature is rejected without settling the trial.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/trials/"+trial.TrialID, "", api.CompleteTrialRequest{
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("wrong"))),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	good := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(trial.Nonce)))
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/trials/"+trial.TrialID, "", api.CompleteTrialRequest{
		Signature: good,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decode[api.CompleteTrialResponse](t, resp)
	assert.Equal(t, trial.TrialID, completed.TrialID)

	// Replays report completion.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/trials/"+trial.TrialID, "", api.CompleteTrialRequest{
		Signature: good,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTokenEndpoints(t *testing.T) {
	srv := setupServer(t)
	actorID, keyID, priv := enroll(t, srv.URL, "alice")
	issued := submitCSR(t, srv.URL, actorID, keyID, "desktop", priv)
	serial := issued.Certificate.Serial

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/tokens", issued.Token, api.IssueTokenRequest{
		Serial:     serial,
		TTLSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	minted := decode[api.IssueTokenResponse](t, resp)
	require.NotEmpty(t, minted.Token)
	assert.NotEqual(t, issued.Token, minted.Token)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/"+serial+"/tokens/latest", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	latest := decode[api.TokenInfoResponse](t, resp)
	assert.Equal(t, actorID, latest.ActorID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/certs/no-such-serial/tokens/latest", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHomeServerCert(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/server/cert", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decode[api.CertificateResponse](t, resp)
	assert.NotEmpty(t, cert.Serial)
}

func TestTrustEndpoints(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1/trust/remote.example/s1"

	resp := doJSON(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lookup := decode[api.TrustEntryResponse](t, resp)
	assert.Equal(t, "miss", lookup.Result)

	body := "-----BEGIN HEARTH CERTIFICATE-----\nZmFrZQ==\n-----END HEARTH CERTIFICATE-----\n"
	resp = doJSON(t, http.MethodPut, base, "", api.TrustEntryRequest{
		Serial:             "serial-1",
		Signature:          "aabbcc",
		NotAfter:           time.Now().UTC().Add(24 * time.Hour),
		EncodedCertificate: &body,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lookup = decode[api.TrustEntryResponse](t, resp)
	assert.Equal(t, "hit", lookup.Result)
	assert.Equal(t, "serial-1", lookup.Serial)
	require.NotNil(t, lookup.EncodedCertificate)
	assert.Equal(t, body, *lookup.EncodedCertificate)

	// The same issuer signature under another identity conflicts.
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/trust/other.example/s9", "", api.TrustEntryRequest{
		Serial:    "serial-9",
		Signature: "aabbcc",
		NotAfter:  time.Now().UTC().Add(24 * time.Hour),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base+"/revoke", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lookup = decode[api.TrustEntryResponse](t, resp)
	assert.Equal(t, "stale", lookup.Result)
	assert.NotNil(t, lookup.RevokedAt)
}
