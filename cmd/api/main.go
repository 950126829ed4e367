package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tessera.org/internal/config"
	"tessera.org/internal/federated"
	"tessera.org/internal/httpapi"
	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
	"tessera.org/internal/push"
	"tessera.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Storage: PostgreSQL when a DSN is set, in-memory otherwise. The
	// in-memory store is for local development only.
	var (
		db    *sql.DB
		store identity.Store
	)
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = identity.NewPGStore(db)
	} else {
		log.Println("TESSERA_PG_DSN not set, using in-memory store")
		store = identity.NewInMemory()
	}

	// Notifications fan out to SSE subscribers and, when a gateway is
	// configured, to registered devices.
	events := stream.New()
	notifier := identity.Notifier(events)
	if cfg.PushGatewayURL != "" {
		sender := push.NewHTTPSender(cfg.PushGatewayURL, cfg.PushGatewayTimeout)
		dispatcher := push.NewDispatcher(store.PushTokens(), sender, cfg.PushGatewayTimeout)
		notifier = identity.NotifierFunc(func(n identity.Notification) {
			events.Notify(n)
			dispatcher.Notify(n)
		})
	}

	hasher := identity.NewPasswordHasher(cfg.HashIterations)
	keyring := identity.NewKeyring(store.Signatures())
	permissions := identity.NewPermissionModel(store.PermittableGroups(), store.Roles(), cfg.Application)
	provisioner := identity.NewProvisioner(store, keyring, permissions, hasher,
		identity.WithPasswordPolicy(cfg.PasswordExpiresInDays, cfg.PasswordChangeWindow),
		identity.WithProvisionerNotifier(notifier),
	)

	serviceOpts := []identity.ServiceOption{
		identity.WithIssuer(cfg.TokenIssuer),
		identity.WithAccessTTL(cfg.AccessTTL),
		identity.WithRefreshTTL(cfg.RefreshTTL),
		identity.WithVerifierTimeout(cfg.VerifierTimeout),
		identity.WithFederatedRole(cfg.FederatedRole),
		identity.WithNotifier(notifier),
	}
	if cfg.FederatedJWKSURL != "" {
		verifier := federated.NewVerifier(cfg.FederatedJWKSURL,
			federated.WithIssuer(cfg.FederatedIssuer))
		serviceOpts = append(serviceOpts, identity.WithFederatedVerifier(verifier))
	}
	service := identity.NewService(store, keyring, hasher, serviceOpts...)
	users := identity.NewUserService(store, hasher, identity.WithUserNotifier(notifier))

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, httpapi.Deps{
		Provisioner: provisioner,
		Service:     service,
		Users:       users,
		Permissions: permissions,
		Keyring:     keyring,
		Store:       store,
		Stream:      events,
	})

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.RateLimit(
					httpapi.MaxBodyBytes(api.Handler(), cfg.MaxBodyBytes),
					cfg.RateLimitBurst, cfg.RateLimitRPS,
				),
			),
		),
	)

	// No WriteTimeout: the event stream holds connections open.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tessera %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
