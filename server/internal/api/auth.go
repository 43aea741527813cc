package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/auth"
)

// AuthHandler groups the authentication HTTP handlers. It depends on
// auth.Service as the single entry point for every auth operation, the same
// collaborator the ws package authenticates connections against.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger.Named("auth_handler")}
}

// loginRequest is the JSON body expected by POST /api/v1/auth/login. token
// is a bearer token already issued by the external identity provider —
// the control plane does not own credentials, only sessions built on top
// of a verified identity (spec.md §1's IdentityProvider boundary).
type loginRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	AccessToken string `json:"access_token"`
	SessionID   string `json:"session_id"`
}

// Login handles POST /api/v1/auth/login. It verifies the supplied token
// (locally if it is an HS256 JWT already issued by this control plane,
// otherwise via the external identity provider) and mints a fresh,
// session-tracked access token for subsequent requests and WebSocket
// connections.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		ErrBadRequest(w, "token is required")
		return
	}

	verified, err := h.svc.Authenticate(r.Context(), req.Token, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			ErrUnprocessable(w, "too many login attempts, try again later")
			return
		}
		ErrUnauthorized(w)
		return
	}

	token, sessionID, err := h.svc.IssueSession(r.Context(), verified.UserID, verified.Role, r.UserAgent())
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, sessionResponse{AccessToken: token, SessionID: sessionID})
}

// Logout handles POST /api/v1/auth/logout. Revokes the caller's own
// session and blacklists its token for the remainder of its natural
// lifetime.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromCtx(r.Context())
	if subject == nil || subject.SessionID == "" {
		NoContent(w)
		return
	}
	if err := h.svc.Logout(r.Context(), subject.SessionID); err != nil {
		h.logger.Warn("logout error", zap.Error(err))
	}
	NoContent(w)
}

// refreshRequest is the JSON body expected by POST /api/v1/auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/v1/auth/refresh. Exchanges a refresh token for
// a new token pair via the external identity provider — the control plane
// never issues its own refresh tokens, only access tokens scoped to a
// tracked session.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		ErrBadRequest(w, "refresh_token is required")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	Ok(w, pair)
}
