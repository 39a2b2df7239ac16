// Package httpapi is the transport layer: routing, authentication
// middleware, rate limiting and the mapping of error kinds onto HTTP status
// codes. Everything below it speaks sentinel errors, not statuses.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/auth"
	"authgate.dev/internal/login"
	"authgate.dev/internal/obs"
	"authgate.dev/internal/session"
)

// API aggregates the gateway's request handling dependencies.
type API struct {
	store      auth.Store
	sessions   *session.Manager
	flow       *login.Flow
	resolver   *auth.Resolver
	authn      *Authenticator
	limiter    *Limiter
	audit      *audit.Recorder
	dispatcher http.Handler
	log        *logrus.Logger
	ready      func(ctx context.Context) error
}

// Options carries API construction parameters.
type Options struct {
	Store      auth.Store
	Sessions   *session.Manager
	Flow       *login.Flow
	Resolver   *auth.Resolver
	Limiter    *Limiter
	Audit      *audit.Recorder
	Dispatcher http.Handler
	Log        *logrus.Logger
	// Ready reports backend health for the readiness probe. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

func New(opts Options) *API {
	log := opts.Log
	if log == nil {
		log = obs.Logger()
	}
	return &API{
		store:      opts.Store,
		sessions:   opts.Sessions,
		flow:       opts.Flow,
		resolver:   opts.Resolver,
		authn:      NewAuthenticator(opts.Store, opts.Sessions, opts.Resolver),
		limiter:    opts.Limiter,
		audit:      opts.Audit,
		dispatcher: opts.Dispatcher,
		log:        log,
		ready:      opts.Ready,
	}
}

// Routes builds the full router. Unmatched paths fall through to the
// dispatcher, which forwards them downstream with the identity envelope.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(a.log))
	r.Use(obs.Instrument)
	r.Use(secureHeaders)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		wrapped := a.authn.Middleware(a.limiter.Middleware(h))
		return wrapped.ServeHTTP
	}

	r.Route("/accounts/v1", func(r chi.Router) {
		r.Post("/sessions/login/{step}", authed(a.handleLoginStep))
		r.Post("/sessions/refresh", authed(a.handleRefresh))
		r.Post("/sessions/logout", authed(a.handleLogout))
		r.Get("/sessions", authed(a.handleListSessions))

		r.Post("/orgs", authed(a.handleCreateOrg))
		r.Get("/orgs", authed(a.handleListOrgs))
		r.Get("/orgs/{orgID}", authed(a.handleGetOrg))
		r.Delete("/orgs/{orgID}", authed(a.handleDeleteOrg))

		r.Post("/orgs/{orgID}/clients", authed(a.handleCreateClient))
		r.Get("/orgs/{orgID}/clients", authed(a.handleListClients))
		r.Delete("/clients/{clientID}", authed(a.handleDeleteClient))

		r.Post("/users", authed(a.handleCreateUser))
		r.Get("/users/{userID}", authed(a.handleGetUser))
		r.Delete("/users/{userID}", authed(a.handleDeleteUser))
		r.Put("/users/{userID}/password", authed(a.handleSetPassword))
		r.Get("/users/{userID}/sessions", authed(a.handleUserSessions))
		r.Delete("/users/{userID}/sessions", authed(a.handleRevokeUserSessions))
		r.Get("/users/{userID}/memberships", authed(a.handleListMemberships))

		r.Put("/orgs/{orgID}/members/{userID}", authed(a.handleUpsertMembership))
		r.Delete("/orgs/{orgID}/members/{userID}", authed(a.handleDeleteMembership))
	})

	// Everything else belongs to a downstream service.
	r.NotFound(authed(a.dispatcher.ServeHTTP))

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			a.log.WithError(err).Warn("readiness check failed")
			writeErrorCode(w, http.StatusServiceUnavailable, "not_ready", "backend unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
