package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/ids"
)

// authorizeScoped accepts either a sufficient role inside the organization
// or an equivalent global role.
func authorizeScoped(p auth.Principal, orgID string, required auth.Role) error {
	if err := auth.Authorize(p, orgID, required); err == nil {
		return nil
	}
	return auth.Authorize(p, auth.ScopeGlobal, required)
}

func principalOf(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

// --- organizations ---

type createOrgRequest struct {
	Name string `json:"name"`
}

func (a *API) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(principalOf(r), auth.ScopeGlobal, auth.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req createOrgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, fmt.Errorf("%w: name is required", auth.ErrInvalidInput))
		return
	}
	now := time.Now().UTC()
	org := &auth.Organization{ID: ids.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	if err := a.store.Organizations(r.Context()).Create(r.Context(), org); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "org.create", "organization", org.ID, map[string]string{"name": org.Name})
	writeData(w, http.StatusCreated, "orgs", org)
}

func (a *API) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(principalOf(r), auth.ScopeGlobal, auth.RoleRead); err != nil {
		writeError(w, err)
		return
	}
	orgs, err := a.store.Organizations(r.Context()).List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "orgs", orgs)
}

func (a *API) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if err := authorizeScoped(principalOf(r), orgID, auth.RoleRead); err != nil {
		writeError(w, err)
		return
	}
	org, err := a.store.Organizations(r.Context()).Find(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "orgs", org)
}

func (a *API) handleDeleteOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if err := auth.Authorize(principalOf(r), auth.ScopeGlobal, auth.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.Organizations(r.Context()).Delete(r.Context(), orgID); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "org.delete", "organization", orgID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- clients ---

type createClientRequest struct {
	Name      string            `json:"name"`
	Roles     []auth.ClientRole `json:"roles"`
	RateLimit int               `json:"rate_limit,omitempty"`
}

type createdClient struct {
	Client *auth.Client `json:"client"`
	// Secret is returned exactly once; only its hash survives.
	Secret string `json:"secret"`
}

func (a *API) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if err := authorizeScoped(principalOf(r), orgID, auth.RoleManage); err != nil {
		writeError(w, err)
		return
	}
	var req createClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, fmt.Errorf("%w: name is required", auth.ErrInvalidInput))
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []auth.ClientRole{auth.ClientRoleExternal}
	}
	for _, role := range req.Roles {
		if !role.Valid() {
			writeError(w, fmt.Errorf("%w: unknown client role %q", auth.ErrInvalidInput, role))
			return
		}
	}
	if _, err := a.store.Organizations(r.Context()).Find(r.Context(), orgID); err != nil {
		writeError(w, err)
		return
	}

	secret, err := auth.NewSecret()
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	client := &auth.Client{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           strings.TrimSpace(req.Name),
		SecretHash:     auth.HashSecret(secret),
		Roles:          req.Roles,
		RateLimit:      req.RateLimit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.Clients(r.Context()).Create(r.Context(), client); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "client.create", "client", client.ID, map[string]string{"org": orgID})
	writeData(w, http.StatusCreated, "clients", createdClient{Client: client, Secret: secret})
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if err := authorizeScoped(principalOf(r), orgID, auth.RoleRead); err != nil {
		writeError(w, err)
		return
	}
	clients, err := a.store.Clients(r.Context()).ListByOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "clients", clients)
}

func (a *API) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	client, err := a.store.Clients(r.Context()).Find(r.Context(), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeScoped(principalOf(r), client.OrganizationID, auth.RoleManage); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.Clients(r.Context()).Delete(r.Context(), clientID); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "client.delete", "client", clientID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- users ---

type createUserRequest struct {
	Email          string      `json:"email"`
	Password       string      `json:"password,omitempty"`
	Roles          []auth.Role `json:"roles,omitempty"`
	TwoFactorEmail bool        `json:"two_factor_email,omitempty"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(principalOf(r), auth.ScopeGlobal, auth.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, fmt.Errorf("%w: a valid email is required", auth.ErrInvalidInput))
		return
	}
	for _, role := range req.Roles {
		if !role.Valid() {
			writeError(w, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, role))
			return
		}
	}
	var passwordHash string
	if req.Password != "" {
		var err error
		passwordHash, err = auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	now := time.Now().UTC()
	user := &auth.User{
		ID:             ids.New(),
		Email:          email,
		PasswordHash:   passwordHash,
		Roles:          req.Roles,
		Status:         auth.UserStatusActive,
		TwoFactorEmail: req.TwoFactorEmail,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.Users(r.Context()).Create(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "user.create", "user", user.ID, map[string]string{"email": user.Email})
	writeData(w, http.StatusCreated, "users", user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	principal := principalOf(r)
	if principal.Info().UserID != userID {
		if err := auth.Authorize(principal, auth.ScopeGlobal, auth.RoleRead); err != nil {
			writeError(w, err)
			return
		}
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "users", user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := auth.Authorize(principalOf(r), auth.ScopeGlobal, auth.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	// Sessions die first so a deleted user cannot keep a live token.
	if err := a.sessions.RevokeAllForUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.Users(r.Context()).Delete(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	a.resolver.InvalidateUser(userID)
	a.audit.Record(r.Context(), "user.delete", "user", userID, nil)
	w.WriteHeader(http.StatusNoContent)
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

func (a *API) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	principal := principalOf(r)
	if principal.Info().UserID != userID {
		if err := auth.Authorize(principal, auth.ScopeGlobal, auth.RoleAdmin); err != nil {
			writeError(w, err)
			return
		}
	}
	var req setPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, fmt.Errorf("%w: password must be at least 8 characters", auth.ErrInvalidInput))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.Users(r.Context()).UpdatePassword(r.Context(), userID, hash); err != nil {
		writeError(w, err)
		return
	}
	// A password change invalidates everything minted under the old one.
	if err := a.sessions.RevokeAllForUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	a.audit.Record(r.Context(), "user.set_password", "user", userID, nil)
	writeData(w, http.StatusOK, "users", map[string]bool{"updated": true})
}

// --- memberships ---

type membershipRequest struct {
	Role auth.Role `json:"role"`
}

func (a *API) handleUpsertMembership(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	if err := authorizeScoped(principalOf(r), orgID, auth.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var req membershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Role.Valid() {
		writeError(w, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, req.Role))
		return
	}
	if _, err := a.store.Organizations(r.Context()).Find(r.Context(), orgID); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.store.Users(r.Context()).Find(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	m := &auth.OrgMembership{
		UserID:         userID,
		OrganizationID: orgID,
		Role:           req.Role,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.Memberships(r.Context()).Upsert(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	a.resolver.InvalidateUser(userID)
	a.audit.Record(r.Context(), "membership.upsert", "membership", orgID+"/"+userID, map[string]string{"role": string(req.Role)})
	writeData(w, http.StatusOK, "memberships", m)
}

func (a *API) handleDeleteMembership(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	if err := authorizeScoped(principalOf(r), orgID, auth.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.Memberships(r.Context()).Delete(r.Context(), userID, orgID); err != nil {
		writeError(w, err)
		return
	}
	a.resolver.InvalidateUser(userID)
	a.audit.Record(r.Context(), "membership.delete", "membership", orgID+"/"+userID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	principal := principalOf(r)
	if principal.Info().UserID != userID {
		if err := auth.Authorize(principal, auth.ScopeGlobal, auth.RoleRead); err != nil {
			writeError(w, err)
			return
		}
	}
	memberships, err := a.store.Memberships(r.Context()).ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "memberships", memberships)
}
