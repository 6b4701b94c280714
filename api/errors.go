package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hearthfed/hearth/keytrial"
	"github.com/hearthfed/hearth/ledger"
	"github.com/hearthfed/hearth/storage"
	"github.com/hearthfed/hearth/token"
	"github.com/hearthfed/hearth/trustcache"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrDuplicateDisplayName),
		errors.Is(err, ledger.ErrDuplicateKey),
		errors.Is(err, ledger.ErrAlreadyIssued),
		errors.Is(err, ledger.ErrDuplicateSession),
		errors.Is(err, ledger.ErrAlreadyRevoked),
		errors.Is(err, keytrial.ErrTrialAlreadyCompleted),
		errors.Is(err, keytrial.ErrSignatureReplayed),
		errors.Is(err, trustcache.ErrSignatureConflict),
		errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrUnknownActor),
		errors.Is(err, ledger.ErrUnknownKey),
		errors.Is(err, ledger.ErrUnknownAlgorithm),
		errors.Is(err, ledger.ErrUnknownCertificate),
		errors.Is(err, keytrial.ErrUnknownCertificate),
		errors.Is(err, keytrial.ErrTrialNotFound),
		errors.Is(err, token.ErrNoTokens),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, keytrial.ErrTrialExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, ledger.ErrInvalidSignature),
		errors.Is(err, keytrial.ErrInvalidSignature),
		errors.Is(err, token.ErrTokenUnknown),
		errors.Is(err, token.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ledger.ErrActorDeactivated):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrWindowMismatch),
		errors.Is(err, token.ErrNegativeTTL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
