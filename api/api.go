// Package api exposes the home server's REST surface: actor and key
// registration, certificate issuance and revocation, key trials,
// session tokens and the federated trust cache.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/hearthfed/hearth/keytrial"
	"github.com/hearthfed/hearth/ledger"
	"github.com/hearthfed/hearth/token"
	"github.com/hearthfed/hearth/trustcache"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	ledger *ledger.Ledger
	trials *keytrial.Protocol
	tokens *token.Manager
	trust  *trustcache.Cache
	audit  *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance.
func New(l *ledger.Ledger, trials *keytrial.Protocol, tokens *token.Manager, trust *trustcache.Cache, opts ...Option) *API {
	a := &API{
		ledger: l,
		trials: trials,
		tokens: tokens,
		trust:  trust,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/health", a.Health)

	r.Post("/actors", a.RegisterActor)
	r.Post("/keys", a.RegisterKey)
	r.Post("/csr", a.SubmitRequest)

	r.Get("/server/cert", a.HomeServerCert)

	r.Route("/certs/{serial}", func(r chi.Router) {
		r.Get("/", a.GetCertificate)
		r.With(a.AuthMiddleware).Post("/revoke", a.RevokeCertificate)
		r.Post("/trials", a.IssueTrial)
		r.Get("/tokens/latest", a.LatestToken)
	})

	r.Post("/trials/{trialID}", a.CompleteTrial)

	r.With(a.AuthMiddleware).Post("/tokens", a.IssueToken)
	r.With(a.AuthMiddleware).Get("/whoami", a.Whoami)

	r.Route("/trust/{federationID}/{sessionID}", func(r chi.Router) {
		r.Get("/", a.TrustLookup)
		r.Put("/", a.TrustPut)
		r.Post("/revoke", a.TrustRevoke)
	})

	return r
}
