package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/login"
	"authgate.dev/internal/obs"
)

type loginRequest struct {
	State    string `json:"state,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
}

// handleLoginStep advances one login negotiation. The path names the step;
// the body carries the state token and the step's payload.
func (a *API) handleLoginStep(w http.ResponseWriter, r *http.Request) {
	step := login.Step(chi.URLParam(r, "step"))

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	clientID := principal.Info().ClientID

	result, err := a.flow.Submit(r.Context(), step, req.State, clientID, login.Payload{
		Email:    req.Email,
		Password: req.Password,
		Code:     req.Code,
	})
	if err != nil {
		obs.ObserveLoginStep(string(step), "rejected")
		a.audit.Record(r.Context(), "login.reject", "login", "", map[string]string{"step": string(step)})
		writeError(w, err)
		return
	}
	obs.ObserveLoginStep(string(step), "accepted")

	if result.Issued() {
		obs.ObserveSessionIssued()
		a.audit.Record(r.Context(), "session.issue", "session", "", map[string]string{"via": "login"})
		writeData(w, http.StatusOK, "sessions", result.Credentials)
		return
	}
	writeJSON(w, http.StatusOK, stepsEnvelope{T: "steps", Step: string(result.NextStep), State: result.State})
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// handleRefresh rotates a credential pair. The presented refresh value is
// consumed whether or not rotation wins; losers must re-authenticate.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	creds, sess, err := a.sessions.Refresh(r.Context(), req.Refresh)
	if err != nil {
		writeError(w, err)
		return
	}
	obs.ObserveSessionIssued()
	a.audit.Record(r.Context(), "session.refresh", "session", sess.ID, nil)
	writeData(w, http.StatusOK, "sessions", creds)
}

type logoutRequest struct {
	Credential string `json:"credential,omitempty"`
}

// handleLogout revokes the session behind a credential. Accepts either half
// of the pair in the body, a blank body falling back to the bearer token.
// Idempotent.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, err)
		return
	}
	credential := req.Credential
	if credential == "" {
		credential = bearerToken(r)
	}
	if err := a.sessions.Revoke(r.Context(), credential); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "session.revoke", "session", "", nil)
	writeData(w, http.StatusOK, "sessions", map[string]bool{"revoked": true})
}

// handleListSessions lists every session; global admin only.
func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := auth.Authorize(principal, auth.ScopeGlobal, auth.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	sessions, err := a.sessions.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "sessions", sessions)
}

// handleUserSessions lists one user's sessions; self-service or admin.
func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.Info().UserID != userID {
		if err := auth.Authorize(principal, auth.ScopeGlobal, auth.RoleAdmin); err != nil {
			writeError(w, err)
			return
		}
	}
	sessions, err := a.sessions.ListForUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "sessions", sessions)
}

// handleRevokeUserSessions kills every session of a user; self-service or
// admin. Used on compromise and on offboarding.
func (a *API) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.Info().UserID != userID {
		if err := auth.Authorize(principal, auth.ScopeGlobal, auth.RoleAdmin); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := a.sessions.RevokeAllForUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "session.revoke_all", "user", userID, nil)
	writeData(w, http.StatusOK, "sessions", map[string]bool{"revoked": true})
}
