package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hearthfed/hearth/api"
	"github.com/hearthfed/hearth/crypto"
	"github.com/hearthfed/hearth/internal/util"
	"github.com/hearthfed/hearth/keytrial"
	"github.com/hearthfed/hearth/ledger"
	"github.com/hearthfed/hearth/storage"
	memorystorage "github.com/hearthfed/hearth/storage/memory"
	postgresstorage "github.com/hearthfed/hearth/storage/postgres"
	"github.com/hearthfed/hearth/token"
	"github.com/hearthfed/hearth/trustcache"
)

var (
	port        int
	dataDir     string
	domain      string
	postgresDSN string
	issuerKey   string
	maxLifetime time.Duration
	trialTTL    time.Duration
	trustMaxAge time.Duration
	tlsCert     string
	tlsKey      string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the identity home server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, cleanup, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		issuer, err := loadOrCreateIssuer()
		if err != nil {
			return err
		}

		trustStore, err := trustcache.NewBoltStoreFromFile(dataDir+"/trust.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open trust cache: %w", err)
		}
		defer trustStore.Close()

		led := ledger.New(store, issuer,
			ledger.WithPolicy(ledger.Policy{MaxLifetime: maxLifetime}))
		trials := keytrial.New(store, keytrial.WithTTL(trialTTL))
		tokens := token.NewManager(store)
		trust := trustcache.New(trustStore, trustcache.WithMaxAge(trustMaxAge))

		cert, err := led.BootstrapHomeServer(ctx, domain)
		if err != nil {
			return fmt.Errorf("failed to bootstrap home server identity: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		a := api.New(led, trials, tokens, trust, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		tlsConfig, err := buildTLSConfig()
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Serving %s on port %d (home server cert %s)\n", domain, port, cert.Serial)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// openStore picks the persistence backend: Postgres when a DSN is
// configured, otherwise in-memory.
func openStore(ctx context.Context) (storage.Store, func(), error) {
	if postgresDSN == "" {
		fmt.Println("No Postgres DSN configured, using in-memory storage")
		return memorystorage.NewStore(), func() {}, nil
	}
	// NewStoreFromDSN applies the schema as part of connecting.
	store, err := postgresstorage.NewStoreFromDSN(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return store, store.Close, nil
}

// loadOrCreateIssuer loads the issuer key from disk, generating and
// persisting a fresh one on first start. The key's storage ID is
// derived from the public key so it is stable across restarts.
func loadOrCreateIssuer() (*crypto.Issuer, error) {
	priv, err := crypto.LoadIssuerKey(issuerKey)
	if errors.Is(err, crypto.ErrNoIssuerKey) {
		_, priv, err = crypto.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveIssuerKey(issuerKey, priv); err != nil {
			return nil, err
		}
		fmt.Printf("Generated new issuer key at %s\n", issuerKey)
	} else if err != nil {
		return nil, err
	}

	keyID := uuid.NewSHA1(uuid.NameSpaceOID, priv.Public().(ed25519.PublicKey))
	return crypto.NewIssuer(keyID, priv), nil
}

func buildTLSConfig() (*tls.Config, error) {
	if tlsCert != "" && tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}
	cert, err := util.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	fmt.Println("Using self-signed runtime generated certificate for TLS")
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&domain, "domain", "localhost", "Domain this home server answers for")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres DSN (in-memory storage if empty)")
	serverCmd.Flags().StringVar(&issuerKey, "issuer-key", "./data/issuer.pem", "Path to the issuer signing key")
	serverCmd.Flags().DurationVar(&maxLifetime, "max-lifetime", ledger.DefaultMaxLifetime, "Maximum certificate lifetime")
	serverCmd.Flags().DurationVar(&trialTTL, "trial-ttl", keytrial.DefaultTTL, "Key trial answer window")
	serverCmd.Flags().DurationVar(&trustMaxAge, "trust-max-age", trustcache.DefaultMaxAge, "Trust cache staleness horizon")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
