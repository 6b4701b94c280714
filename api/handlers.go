package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hearthfed/hearth/crypto"
	"github.com/hearthfed/hearth/ledger"
	"github.com/hearthfed/hearth/storage"
	"github.com/hearthfed/hearth/trustcache"
)

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterActor handles POST /actors.
func (a *API) RegisterActor(w http.ResponseWriter, r *http.Request) {
	var req RegisterActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	kind := storage.ActorLocal
	switch req.Kind {
	case "", string(storage.ActorLocal):
	case string(storage.ActorForeign):
		kind = storage.ActorForeign
	default:
		writeError(w, http.StatusBadRequest, "kind must be local or foreign")
		return
	}

	actor, err := a.ledger.RegisterActor(r.Context(), kind, req.DisplayName)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditActorRegistered, r,
		slog.String("actor_id", actor.ID.String()),
		slog.String("kind", string(actor.Kind)))
	writeJSON(w, http.StatusCreated, RegisterActorResponse{
		ActorID:     actor.ID.String(),
		Kind:        string(actor.Kind),
		DisplayName: actor.DisplayName,
		JoinedAt:    actor.JoinedAt.Format(time.RFC3339),
	})
}

// RegisterKey handles POST /keys.
func (a *API) RegisterKey(w http.ResponseWriter, r *http.Request) {
	var req RegisterKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ownerID, err := uuid.Parse(req.ActorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid actor_id")
		return
	}

	key, err := a.ledger.RegisterPublicKey(r.Context(), ownerID, req.KeyPEM, req.AlgorithmOID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditKeyRegistered, r,
		slog.String("actor_id", ownerID.String()),
		slog.String("key_id", key.ID.String()),
		slog.String("fingerprint", crypto.Fingerprint([]byte(key.KeyPEM))))
	writeJSON(w, http.StatusCreated, RegisterKeyResponse{KeyID: key.ID.String()})
}

// SubmitRequest handles POST /csr: validates the signing request,
// issues a certificate and mints a session token bound to it. The
// token secret is returned once and never stored.
func (a *API) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid actor_id")
		return
	}
	keyID, err := uuid.Parse(req.PublicKeyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid public_key_id")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	cert, err := a.ledger.SubmitRequest(r.Context(), ledger.Request{
		ActorID:     actorID,
		PublicKeyID: keyID,
		SessionID:   req.SessionID,
		NotBefore:   req.NotBefore,
		NotAfter:    req.NotAfter,
		Extensions:  req.Extensions,
		Encoded:     req.Encoded,
		Signature:   sig,
	})
	if err != nil {
		a.audit.logFailure(AuditIssueRejected, r, err.Error(),
			slog.String("actor_id", actorID.String()),
			slog.String("session_id", req.SessionID))
		mapError(w, err)
		return
	}

	serial := cert.Serial
	ttl := time.Until(cert.NotAfter)
	secret, record, err := a.tokens.Issue(r.Context(), actorID, &serial, ttl)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertIssued, r,
		slog.String("actor_id", actorID.String()),
		slog.String("serial", cert.Serial),
		slog.String("session_id", req.SessionID))
	writeJSON(w, http.StatusCreated, SubmitRequestResponse{
		Certificate: certResponse(cert, nil),
		Token:       secret,
		TokenExpiry: record.ExpiresAt,
	})
}

// GetCertificate handles GET /certs/{serial}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	cert, err := a.ledger.Certificate(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	var revokedAt *time.Time
	if rev, err := a.ledger.Revocation(r.Context(), serial); err == nil {
		revokedAt = &rev.RevokedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certResponse(cert, revokedAt))
}

// RevokeCertificate handles POST /certs/{serial}/revoke. Only the
// actor the certificate was issued to may revoke it.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	req, err := a.ledger.SigningRequest(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	if req.ActorID != identity.ActorID {
		writeError(w, http.StatusForbidden, "certificate belongs to another actor")
		return
	}

	rev, err := a.ledger.Revoke(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCertRevoked, r,
		slog.String("actor_id", identity.ActorID.String()),
		slog.String("serial", serial))
	writeJSON(w, http.StatusOK, RevokeResponse{Serial: rev.Serial, RevokedAt: rev.RevokedAt})
}

// HomeServerCert handles GET /server/cert.
func (a *API) HomeServerCert(w http.ResponseWriter, r *http.Request) {
	cert, err := a.ledger.HomeServerCertificate(r.Context(), time.Now().UTC())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certResponse(cert, nil))
}

// IssueTrial handles POST /certs/{serial}/trials.
func (a *API) IssueTrial(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	trial, err := a.trials.Issue(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditTrialIssued, r,
		slog.String("serial", serial),
		slog.String("trial_id", trial.ID.String()))
	writeJSON(w, http.StatusCreated, TrialResponse{
		TrialID:   trial.ID.String(),
		Serial:    trial.Serial,
		Nonce:     trial.Nonce,
		ExpiresAt: trial.ExpiresAt,
	})
}

// CompleteTrial handles POST /trials/{trialID}.
func (a *API) CompleteTrial(w http.ResponseWriter, r *http.Request) {
	trialID, err := uuid.Parse(chi.URLParam(r, "trialID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trial ID")
		return
	}
	var req CompleteTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding")
		return
	}

	completion, err := a.trials.Complete(r.Context(), trialID, sig)
	if err != nil {
		a.audit.logFailure(AuditTrialFailed, r, err.Error(),
			slog.String("trial_id", trialID.String()))
		mapError(w, err)
		return
	}
	a.audit.log(AuditTrialCompleted, r, slog.String("trial_id", trialID.String()))
	writeJSON(w, http.StatusOK, CompleteTrialResponse{
		TrialID:     completion.TrialID.String(),
		CompletedAt: completion.CompletedAt,
	})
}

// IssueToken handles POST /tokens: mints a fresh token for the
// authenticated actor, optionally bound to one of its certificates.
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var serial *string
	if req.Serial != "" {
		signing, err := a.ledger.SigningRequest(r.Context(), req.Serial)
		if err != nil {
			mapError(w, err)
			return
		}
		if signing.ActorID != identity.ActorID {
			writeError(w, http.StatusForbidden, "certificate belongs to another actor")
			return
		}
		serial = &req.Serial
	}

	secret, record, err := a.tokens.Issue(r.Context(), identity.ActorID, serial, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditTokenIssued, r, slog.String("actor_id", identity.ActorID.String()))
	writeJSON(w, http.StatusCreated, IssueTokenResponse{Token: secret, ExpiresAt: record.ExpiresAt})
}

// Whoami handles GET /whoami.
func (a *API) Whoami(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, WhoamiResponse{
		ActorID: identity.ActorID.String(),
		Serial:  identity.Serial,
	})
}

// LatestToken handles GET /certs/{serial}/tokens/latest: token metadata
// only, never the secret.
func (a *API) LatestToken(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	record, err := a.tokens.LatestForCertificate(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenInfoResponse{
		ActorID:   record.ActorID.String(),
		Serial:    record.Serial,
		ExpiresAt: record.ExpiresAt,
		IssuedAt:  record.IssuedAt,
	})
}

// TrustLookup handles GET /trust/{federationID}/{sessionID}.
func (a *API) TrustLookup(w http.ResponseWriter, r *http.Request) {
	federationID := chi.URLParam(r, "federationID")
	sessionID := chi.URLParam(r, "sessionID")

	entry, result, err := a.trust.Lookup(r.Context(), federationID, sessionID)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := TrustEntryResponse{Result: result.String()}
	if result != trustcache.Miss {
		resp.FederationID = entry.FederationID
		resp.SessionID = entry.SessionID
		resp.Serial = entry.Serial
		resp.NotAfter = &entry.NotAfter
		resp.CachedAt = &entry.CachedAt
		resp.RevokedAt = entry.RevokedAt
		resp.EncodedCertificate = entry.EncodedCertificate
	}
	writeJSON(w, http.StatusOK, resp)
}

// TrustPut handles PUT /trust/{federationID}/{sessionID}: records a
// freshly verified verdict about a remote certificate.
func (a *API) TrustPut(w http.ResponseWriter, r *http.Request) {
	federationID := chi.URLParam(r, "federationID")
	sessionID := chi.URLParam(r, "sessionID")

	var req TrustEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := a.trust.Put(r.Context(), trustcache.Entry{
		FederationID:       federationID,
		SessionID:          sessionID,
		Serial:             req.Serial,
		Signature:          req.Signature,
		NotAfter:           req.NotAfter,
		EncodedCertificate: req.EncodedCertificate,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditTrustCached, r,
		slog.String("federation_id", federationID),
		slog.String("session_id", sessionID))
	w.WriteHeader(http.StatusNoContent)
}

// TrustRevoke handles POST /trust/{federationID}/{sessionID}/revoke.
func (a *API) TrustRevoke(w http.ResponseWriter, r *http.Request) {
	federationID := chi.URLParam(r, "federationID")
	sessionID := chi.URLParam(r, "sessionID")

	if err := a.trust.MarkRevoked(r.Context(), federationID, sessionID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditTrustRevoked, r,
		slog.String("federation_id", federationID),
		slog.String("session_id", sessionID))
	w.WriteHeader(http.StatusNoContent)
}

func certResponse(cert storage.Certificate, revokedAt *time.Time) CertificateResponse {
	return CertificateResponse{
		Serial:    cert.Serial,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		Signature: base64.StdEncoding.EncodeToString(cert.Signature),
		Encoded:   cert.Encoded,
		IssuedAt:  cert.IssuedAt,
		RevokedAt: revokedAt,
	}
}
