package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/store"
)

const (
	// oidcStateCookie and oidcVerifierCookie hold the OIDC state and PKCE
	// code verifier between the authorization redirect and the callback.
	// Both are short-lived (10 minutes) and httpOnly.
	oidcStateCookie    = "supervisor_oidc_state"
	oidcVerifierCookie = "supervisor_oidc_verifier"

	// oidcCookieTTL is how long the OIDC session cookies are valid.
	// Must be longer than the identity provider's authorization timeout.
	oidcCookieTTL = 10 * time.Minute
)

// AuthHandler groups all authentication-related HTTP handlers.
// It depends on AuthService as the single entry point for all auth operations.
type AuthHandler struct {
	svc    *auth.AuthService
	users  store.UserStore
	logger *zap.Logger
	secure bool // true in production (HTTPS), false in development
}

// NewAuthHandler creates a new AuthHandler.
// secure controls whether the OIDC session cookies are set with the Secure
// flag — set to true in production and false in local development over HTTP.
func NewAuthHandler(svc *auth.AuthService, users store.UserStore, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		users:  users,
		logger: logger.Named("auth_handler"),
		secure: secure,
	}
}

// tokenPairResponse is the JSON body returned on successful login, register
// or refresh, per §6.1's "token pair" response.
type tokenPairResponse struct {
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	RefreshTokenExpiresAt string `json:"refreshTokenExpiresAt"`
}

func toTokenPairResponse(pair *auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		RefreshTokenExpiresAt: pair.RefreshTokenExpiresAt.UTC().Format(time.RFC3339),
	}
}

// -----------------------------------------------------------------------------
// Local auth
// -----------------------------------------------------------------------------

// registerRequest is the JSON body expected by POST /api/auth/register.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Register handles POST /api/auth/register.
// Creates a local account with the viewer role by default and returns a
// fresh token pair. Only admins may provision other admins/operators through
// this endpoint in principle — since it is public, self-escalation to a
// privileged role is rejected and the account is always created as viewer.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		ErrBadRequest(w, "username, email and password are required")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		ErrInternal(w)
		return
	}

	user := &db.User{
		Username:    req.Username,
		Email:       req.Email,
		Password:    db.EncryptedString(hashed),
		DisplayName: req.Username,
		Role:        "viewer",
		IsActive:    true,
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ErrConflict(w, "a user with this username or email already exists")
			return
		}
		h.logger.Error("failed to create user", zap.Error(err))
		ErrInternal(w)
		return
	}

	pair, err := h.svc.LoginLocal(r.Context(), auth.LoginRequest{Username: req.Username, Password: req.Password})
	if err != nil {
		h.logger.Error("failed to issue tokens after registration", zap.String("username", req.Username), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, toTokenPairResponse(pair))
}

// loginRequest is the JSON body expected by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /api/auth/login.
// Authenticates via username/password and returns a token pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Username == "" || req.Password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	pair, err := h.svc.LoginLocal(r.Context(), auth.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		// Use the same 401 for both wrong credentials and disabled accounts
		// to avoid user enumeration.
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, toTokenPairResponse(pair))
}

// refreshRequest is the JSON body expected by POST /api/auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh handles POST /api/auth/refresh.
// Rotates the refresh token and returns a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		ErrBadRequest(w, "refreshToken is required")
		return
	}

	pair, err := h.svc.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	Ok(w, toTokenPairResponse(pair))
}

// Profile handles GET /api/auth/profile.
// Returns the authenticated caller's own user record.
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	id, err := parseUUIDString(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get current user", zap.String("id", claims.UserID), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user))
}

// -----------------------------------------------------------------------------
// OIDC flow
// -----------------------------------------------------------------------------

// OIDCLogin handles GET /api/auth/oidc/login.
// Generates the authorization URL and redirects the user to the identity
// provider. Stores state and code verifier in short-lived httpOnly cookies
// for CSRF protection and PKCE.
func (h *AuthHandler) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, state, codeVerifier, err := h.svc.AuthorizationURL(r.Context())
	if err != nil {
		if errors.Is(err, auth.ErrProviderNotFound) {
			ErrBadRequest(w, "OIDC provider not configured")
			return
		}
		h.logger.Error("failed to generate OIDC authorization URL", zap.Error(err))
		ErrInternal(w)
		return
	}

	expires := time.Now().Add(oidcCookieTTL)

	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.SetCookie(w, &http.Cookie{
		Name:     oidcVerifierCookie,
		Value:    codeVerifier,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// OIDCCallback handles GET /api/auth/oidc/callback.
// Completes the Authorization Code + PKCE flow, reads state and verifier
// from the session cookies, exchanges the code for tokens, and redirects to
// the frontend with the access token.
func (h *AuthHandler) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oidcStateCookie)
	if err != nil {
		ErrBadRequest(w, "missing OIDC state cookie")
		return
	}

	verifierCookie, err := r.Cookie(oidcVerifierCookie)
	if err != nil {
		ErrBadRequest(w, "missing OIDC verifier cookie")
		return
	}

	// Clear the OIDC session cookies — they are single-use.
	h.clearOIDCCookies(w)

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if code == "" || state == "" {
		ErrBadRequest(w, "missing code or state parameter")
		return
	}

	pair, err := h.svc.ExchangeCode(r.Context(), auth.OIDCCallbackRequest{
		Code:         code,
		State:        state,
		SessionState: stateCookie.Value,
		CodeVerifier: verifierCookie.Value,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("OIDC code exchange failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	// Redirect to the frontend with the tokens as query parameters. The
	// frontend must immediately store them in memory and strip the URL to
	// avoid leaking via browser history or referrer headers.
	http.Redirect(w, r, "/?accessToken="+pair.AccessToken+"&refreshToken="+pair.RefreshToken, http.StatusFound)
}

// clearOIDCCookies expires both OIDC session cookies immediately.
func (h *AuthHandler) clearOIDCCookies(w http.ResponseWriter) {
	for _, name := range []string{oidcStateCookie, oidcVerifierCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.secure,
			SameSite: http.SameSiteLaxMode,
			Path:     "/",
		})
	}
}
