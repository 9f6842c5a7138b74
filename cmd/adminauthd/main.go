// adminauthd is a single-operator admin console daemon. It runs the
// browser half of the login flow (redirects to and from the identity
// provider) and proxies the backend API with bearer tokens attached, so
// the operator's browser never handles tokens itself.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
	bolt "go.etcd.io/bbolt"

	"github.com/quillhq/adminauth/apiclient"
	"github.com/quillhq/adminauth/auth"
	"github.com/quillhq/adminauth/flowstore"
	"github.com/quillhq/adminauth/internal/config"
	"github.com/quillhq/adminauth/internal/logging"
	"github.com/quillhq/adminauth/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := bolt.Open(cfg.StatePath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		log.Fatalf("open state file %s: %v", cfg.StatePath, err)
	}
	defer func() { _ = db.Close() }()

	var primitive tink.AEAD
	if cfg.SessionKeysetPath != "" {
		if primitive, err = loadAEAD(cfg.SessionKeysetPath); err != nil {
			log.Fatalf("load session keyset: %v", err)
		}
	}

	store, err := session.NewBoltStore(db, primitive)
	if err != nil {
		log.Fatalf("init session store: %v", err)
	}

	flow := flowstore.NewMemStore()
	provider := auth.New(auth.Config{
		ClientID:              cfg.KeycloakClientID,
		RedirectURI:           cfg.RedirectURI,
		PostLogoutRedirectURI: cfg.PostLogoutRedirectURI,
		Endpoints:             auth.KeycloakEndpoints(cfg.KeycloakURL, cfg.KeycloakInternalURL, cfg.KeycloakRealm),
	}, flow, store)
	provider.Init(ctx)

	api := apiclient.New(cfg.APIBaseURL, &apiclient.Transport{
		Tokens: provider,
		OnAuthError: func(status int) {
			logger.Warn("api rejected credentials", "status", status)
		},
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newServer(provider, flow, api.Users()).routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// loadAEAD reads a cleartext Tink keyset JSON file. The keyset is expected
// to be protected by filesystem permissions; a KMS-wrapped keyset is out of
// scope for a single-operator daemon.
func loadAEAD(path string) (tink.AEAD, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	kh, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, err
	}

	return aead.New(kh)
}
