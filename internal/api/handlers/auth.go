// Package handlers contains the HTTP handlers of the rotarydesk API.
//
// Each handler decodes and validates the request, delegates to a service
// interface and encodes the response. HTTP concerns such as cookies stay
// here.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rotarydesk/internal/core"
	"rotarydesk/internal/types"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SessionResponse describes the current session. The session id itself is
// only ever sent in the cookie.
type SessionResponse struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialService logs operators in and out.
type CredentialService interface {
	Login(ctx context.Context, username, password, ip string) (*types.Session, error)
	Logout(ctx context.Context, sessionID string) error
	Check(ctx context.Context, sessionID string) (*types.Session, error)
	SessionTTL() int
}

// CookieConfig holds the session cookie attributes.
type CookieConfig struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
	Path     string
}

// DefaultCookieConfig returns a Secure, HttpOnly, SameSite=Strict cookie
// named session_id.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		Name:     core.DefaultSessionCookie,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	}
}

// AuthHandler serves /auth.
type AuthHandler struct {
	creds     CredentialService
	cookie    CookieConfig
	logger    *slog.Logger
	validator *core.Validator
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(creds CredentialService, cookie CookieConfig, l *slog.Logger, v *core.Validator) *AuthHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AuthHandler{creds: creds, cookie: cookie, logger: l, validator: v}
}

// RegisterRoutes mounts the auth routes. Login and logout are public; check
// runs behind the auth middleware.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/login", h.HandleLogin)
	r.Post("/logout", h.HandleLogout)
	r.Get("/check", h.HandleCheck)
}

// HandleLogin handles POST /auth/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sess, err := h.creds.Login(r.Context(), req.Username, req.Password, core.ClientIP(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.setSessionCookie(w, sess.ID, h.creds.SessionTTL())
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sessionResponse(sess)})
}

// HandleLogout handles POST /auth/logout. It always clears the cookie; a
// store failure is logged and the session is left to expire.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.cookie.Name); err == nil && c.Value != "" {
		if err := h.creds.Logout(r.Context(), c.Value); err != nil {
			h.logger.WarnContext(r.Context(), "failed to invalidate session during logout", "error", err)
		}
	}
	h.setSessionCookie(w, "", -1)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"message": "logged out"}})
}

// HandleCheck handles GET /auth/check.
func (h *AuthHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(h.cookie.Name)
	if err != nil || c.Value == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "no session", nil))
		return
	}
	sess, err := h.creds.Check(r.Context(), c.Value)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sessionResponse(sess)})
}

func sessionResponse(s *types.Session) SessionResponse {
	return SessionResponse{Username: s.Username, Role: s.Role, ExpiresAt: s.ExpiresAt}
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	c := &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   maxAge,
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: h.cookie.SameSite,
	}
	if maxAge < 0 {
		c.Expires = time.Unix(0, 0)
	}
	http.SetCookie(w, c)
}
