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
	"github.com/sirupsen/logrus"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/auth"
	"authgate.dev/internal/cache"
	"authgate.dev/internal/config"
	"authgate.dev/internal/gateway"
	"authgate.dev/internal/httpapi"
	"authgate.dev/internal/ids"
	"authgate.dev/internal/login"
	"authgate.dev/internal/obs"
	"authgate.dev/internal/session"
)

var version = "0.3.0"

func main() {
	cfg := config.MustLoad()
	logger := obs.InitLogger(obs.LogOptions{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	obs.Init()

	var (
		store auth.Store
		db    *sql.DB
	)
	if cfg.Database.DSN != "" {
		var err error
		db, err = sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = auth.NewPGStore(db)
	} else {
		logger.Warn("no database DSN configured, using in-memory store")
		mem := auth.NewMemStore()
		seedDev(mem, logger)
		store = mem
	}

	roleCache := cache.New(cfg.Cache.TTL)
	resolver := auth.NewResolver(store, roleCache)

	sessions := session.NewManager(store,
		session.WithTokenTTL(cfg.Auth.TokenTTL),
		session.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	flow := login.NewFlow(store, sessions,
		login.WithStateTTL(cfg.Auth.StateTTL),
		login.WithCodeTTL(cfg.Auth.CodeTTL),
		login.WithAttemptLimit(cfg.Auth.AttemptLimit),
		login.WithCodeSender(logCodeSender(logger)),
	)
	defer flow.Stop()

	signer, err := gateway.NewIdentitySigner(cfg.Identity.Secret, cfg.Identity.Issuer, cfg.Identity.TTL)
	if err != nil {
		log.Fatalf("identity signer: %v", err)
	}
	services := make([]gateway.Service, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		services = append(services, gateway.Service{Name: svc.Name, Prefix: svc.Prefix, URL: svc.URL})
	}
	dispatcher := gateway.NewDispatcher(services, signer, logger)

	limiter := httpapi.NewLimiter(cfg.RateLimit.Default, cfg.RateLimit.Burst)
	defer limiter.Stop()

	api := httpapi.New(httpapi.Options{
		Store:      store,
		Sessions:   sessions,
		Flow:       flow,
		Resolver:   resolver,
		Limiter:    limiter,
		Audit:      audit.NewRecorder(store, logger),
		Dispatcher: dispatcher,
		Log:        logger,
		Ready: func(ctx context.Context) error {
			if db == nil {
				return nil
			}
			return db.PingContext(ctx)
		},
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address + ":" + cfg.Server.Port,
		Handler:           api.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Infof("starting authgate %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	logger.Info("stopped")
}

// logCodeSender stands in for a mail integration: the one-time code goes to
// the log at debug level. Development only; real deployments configure SMTP
// downstream of the gateway.
func logCodeSender(logger *logrus.Logger) login.CodeSender {
	return func(_ context.Context, user *auth.User, code string) error {
		logger.Debugf("login code for %s: %s", user.Email, code)
		return nil
	}
}

// seedDev plants the same bootstrap records the SQL seed creates, so the
// in-memory mode is reachable with known dev credentials.
func seedDev(store auth.Store, logger *logrus.Logger) {
	ctx := context.Background()
	now := time.Now().UTC()

	org := &auth.Organization{ID: "org-bootstrap", Name: "Bootstrap", CreatedAt: now, UpdatedAt: now}
	if err := store.Organizations(ctx).Create(ctx, org); err != nil {
		logger.Warnf("seed org: %v", err)
	}

	client := &auth.Client{
		ID:             "client-bootstrap",
		OrganizationID: org.ID,
		Name:           "bootstrap",
		SecretHash:     auth.HashSecret("dev-secret-change-me"),
		Roles:          []auth.ClientRole{auth.ClientRoleTrusted},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Clients(ctx).Create(ctx, client); err != nil {
		logger.Warnf("seed client: %v", err)
	}

	hash, err := auth.HashPassword("admin-password")
	if err != nil {
		logger.Warnf("seed admin password: %v", err)
		return
	}
	admin := &auth.User{
		ID:           ids.New(),
		Email:        "admin@localhost",
		PasswordHash: hash,
		Roles:        []auth.Role{auth.RoleAdmin},
		Status:       auth.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.Users(ctx).Create(ctx, admin); err != nil {
		logger.Warnf("seed admin: %v", err)
	}
}
