package api

import "time"

// RegisterActorRequest is the JSON body for POST /actors.
type RegisterActorRequest struct {
	Kind        string `json:"kind,omitempty"` // "local" (default) or "foreign"
	DisplayName string `json:"display_name"`
}

// RegisterActorResponse is returned from POST /actors.
type RegisterActorResponse struct {
	ActorID     string `json:"actor_id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	JoinedAt    string `json:"joined_at"`
}

// RegisterKeyRequest is the JSON body for POST /keys.
type RegisterKeyRequest struct {
	ActorID      string `json:"actor_id"`
	KeyPEM       string `json:"key_pem"`
	AlgorithmOID string `json:"algorithm_oid"`
}

// RegisterKeyResponse is returned from POST /keys.
type RegisterKeyResponse struct {
	KeyID string `json:"key_id"`
}

// SubmitRequestRequest is the JSON body for POST /csr.
type SubmitRequestRequest struct {
	ActorID     string    `json:"actor_id"`
	PublicKeyID string    `json:"public_key_id"`
	SessionID   string    `json:"session_id"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Extensions  string    `json:"extensions,omitempty"`
	Encoded     string    `json:"encoded"`
	Signature   string    `json:"signature"` // base64
}

// CertificateResponse describes an issued certificate.
type CertificateResponse struct {
	Serial    string     `json:"serial"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`
	Signature string     `json:"signature"` // base64 issuer signature
	Encoded   string     `json:"encoded"`
	IssuedAt  time.Time  `json:"issued_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// SubmitRequestResponse is returned from POST /csr: the certificate
// plus a session token bound to it. The token secret appears only
// here.
type SubmitRequestResponse struct {
	Certificate CertificateResponse `json:"certificate"`
	Token       string              `json:"token"`
	TokenExpiry *time.Time          `json:"token_expiry,omitempty"`
}

// RevokeResponse is returned from POST /certs/{serial}/revoke.
type RevokeResponse struct {
	Serial    string    `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
}

// TrialResponse is returned from POST /certs/{serial}/trials.
type TrialResponse struct {
	TrialID   string    `json:"trial_id"`
	Serial    string    `json:"serial"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CompleteTrialRequest is the JSON body for POST /trials/{trialID}.
type CompleteTrialRequest struct {
	Signature string `json:"signature"` // base64
}

// CompleteTrialResponse is returned from POST /trials/{trialID}.
type CompleteTrialResponse struct {
	TrialID     string    `json:"trial_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// IssueTokenRequest is the JSON body for POST /tokens.
type IssueTokenRequest struct {
	Serial     string `json:"serial,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"` // 0 means non-expiring
}

// IssueTokenResponse is returned from POST /tokens.
type IssueTokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// TokenInfoResponse describes a stored token without its secret.
type TokenInfoResponse struct {
	ActorID   string     `json:"actor_id"`
	Serial    *string    `json:"serial,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
}

// WhoamiResponse is returned from GET /whoami.
type WhoamiResponse struct {
	ActorID string  `json:"actor_id"`
	Serial  *string `json:"serial,omitempty"`
}

// TrustEntryRequest is the JSON body for PUT /trust/{fed}/{session}.
type TrustEntryRequest struct {
	Serial             string    `json:"serial"`
	Signature          string    `json:"signature"` // hex issuer signature
	NotAfter           time.Time `json:"not_after"`
	EncodedCertificate *string   `json:"encoded_certificate,omitempty"`
}

// TrustEntryResponse is returned from GET /trust/{fed}/{session}.
type TrustEntryResponse struct {
	Result             string     `json:"result"` // miss, hit or stale
	FederationID       string     `json:"federation_id,omitempty"`
	SessionID          string     `json:"session_id,omitempty"`
	Serial             string     `json:"serial,omitempty"`
	NotAfter           *time.Time `json:"not_after,omitempty"`
	CachedAt           *time.Time `json:"cached_at,omitempty"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	EncodedCertificate *string    `json:"encoded_certificate,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
