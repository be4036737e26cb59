package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/upb/api-gatekeeper/middleware"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services"
	"github.com/upb/api-gatekeeper/utils"
	"go.uber.org/zap"
)

// AuthCookieName is the cookie the gate accepts when no Authorization header is sent
const AuthCookieName = "auth_token"

// LoginService verifies credentials and issues tokens
type LoginService interface {
	Login(ctx context.Context, username, password string) (*services.LoginResult, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// PermissionLister resolves the permissions granted to a set of roles
type PermissionLister interface {
	Permissions(roles []string) []string
}

// Revoker invalidates a token before it expires
type Revoker interface {
	Revoke(tokenID string, expiresAt time.Time)
}

// LoginRequest is the request body for POST /api/v1/auth/login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64,printascii"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// LoginResponse is returned on successful login
type LoginResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user"`
}

// MeResponse describes the caller as the gate sees it
type MeResponse struct {
	UserID      string       `json:"user_id"`
	Roles       []string     `json:"roles"`
	Permissions []string     `json:"permissions"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user,omitempty"`
}

// AuthHandler handles login and identity endpoints
type AuthHandler struct {
	auth          LoginService
	perms         PermissionLister
	secureCookies bool
	revoker       Revoker
	logger        *zap.Logger
}

// AuthOption configures an AuthHandler
type AuthOption func(*AuthHandler)

// WithRevoker makes logout revoke the caller's token
func WithRevoker(r Revoker) AuthOption {
	return func(h *AuthHandler) {
		h.revoker = r
	}
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(auth LoginService, perms PermissionLister, secureCookies bool, logger *zap.Logger, opts ...AuthOption) *AuthHandler {
	h := &AuthHandler{
		auth:          auth,
		perms:         perms,
		secureCookies: secureCookies,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleLogin handles POST /api/v1/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.logger.Info("login rejected",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("username", req.Username),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	tok := result.Token
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    tok.Raw,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})

	if err := utils.WriteOK(w, LoginResponse{
		AccessToken: tok.Raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tok.TTL().Seconds()),
		ExpiresAt:   tok.ExpiresAt,
		User:        result.User,
	}); err != nil {
		h.logger.Error("failed to write login response", zap.Error(err))
	}
}

// HandleLogout handles POST /api/v1/auth/logout.
// It clears the cookie and, when a revoker is configured, revokes the presented token.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentityFromContext(r.Context())
	if h.revoker != nil && identity != nil && identity.TokenID != "" {
		h.revoker.Revoke(identity.TokenID, identity.ExpiresAt)
		h.logger.Info("token revoked",
			zap.String("user_id", identity.UserID),
			zap.String("token_id", identity.TokenID))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe handles GET /api/v1/auth/me. It must sit behind the gate.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentityFromContext(r.Context())
	if identity == nil || identity.IsAnonymous() {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	resp := MeResponse{
		UserID:      identity.UserID,
		Roles:       identity.Roles,
		Permissions: h.perms.Permissions(identity.Roles),
		ExpiresAt:   identity.ExpiresAt,
	}

	// The token outlives directory changes; a missing user is not fatal here.
	user, err := h.auth.GetUser(r.Context(), identity.UserID)
	switch {
	case err == nil:
		resp.User = user
	case services.IsNotFoundError(err):
	default:
		h.logger.Warn("failed to load user for identity",
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	}

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write me response", zap.Error(err))
	}
}
