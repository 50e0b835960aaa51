package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/keygate/api"
	"github.com/jmcleod/keygate/auth"
	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
	bboltstore "github.com/jmcleod/keygate/store/bbolt"
	"github.com/jmcleod/keygate/store/memory"
	"github.com/jmcleod/keygate/store/postgres"
	"github.com/jmcleod/keygate/webauthn"
)

var (
	port           int
	dataDir        string
	backend        string
	postgresDSN    string
	rpID           string
	rpOrigin       string
	keyFile        string
	trustedProxies []string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication service server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		secretKey, err := loadOrCreateSecretKey(keyFile)
		if err != nil {
			return err
		}

		st, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		svc := auth.New(st, secretKey,
			auth.WithLogger(logger),
			auth.WithRelyingParty(webauthn.RelyingParty{ID: rpID, Origin: rpOrigin}),
		)

		sweeperStop := make(chan struct{})
		svc.Challenges().StartSweeper(time.Minute, sweeperStop)
		defer close(sweeperStop)

		prefixes, err := parseTrustedProxies(trustedProxies)
		if err != nil {
			return err
		}
		a := api.New(svc,
			api.WithLogger(logger),
			api.WithTrustedProxies(prefixes),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (backend: %s, rp: %s)...\n", port, backend, rpID)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func openStore(ctx context.Context) (store.Store, func(), error) {
	switch backend {
	case "memory":
		return memory.New(), func() {}, nil
	case "bbolt":
		st, err := bboltstore.NewFromFile(dataDir+"/keygate.db", nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return st, func() { st.Close() }, nil
	case "postgres":
		if postgresDSN == "" {
			return nil, nil, fmt.Errorf("--dsn is required for the postgres backend")
		}
		st, err := postgres.NewFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return st, func() { st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want memory, bbolt, or postgres)", backend)
	}
}

// loadOrCreateSecretKey reads the hex-encoded AES key from path,
// generating and persisting a fresh one on first run. The key only
// lives in plain memory long enough to build the enclave.
func loadOrCreateSecretKey(path string) (*memguard.Enclave, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse secret key file: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
		}
		return memguard.NewEnclave(key), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read secret key file: %w", err)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write secret key file: %w", err)
	}
	fmt.Printf("Generated new secret key at %s\n", path)
	return memguard.NewEnclave(key), nil
}

func parseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", c, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&backend, "backend", "bbolt", "Storage backend: memory, bbolt, or postgres")
	serverCmd.Flags().StringVar(&postgresDSN, "dsn", "", "Postgres connection string (postgres backend only)")
	serverCmd.Flags().StringVar(&rpID, "rp-id", "localhost", "WebAuthn relying party id")
	serverCmd.Flags().StringVar(&rpOrigin, "rp-origin", "http://localhost:8080", "WebAuthn relying party origin")
	serverCmd.Flags().StringVar(&keyFile, "key-file", "./data/secret.key", "Path to the hex-encoded AES-256 secret key")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxy", nil, "CIDR range of proxies allowed to set client IP headers (repeatable)")
}
