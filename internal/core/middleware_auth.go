package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"rotarydesk/internal/types"
)

// ServiceKeyHeader carries the service API key.
const ServiceKeyHeader = "X-Api-Key"

// DefaultSessionCookie is the session cookie name when none is configured.
const DefaultSessionCookie = "session_id"

// authPublicPaths bypass AuthMiddleware.
var authPublicPaths = map[string]bool{
	"/health":         true,
	"/metrics":        true,
	"/v1/auth/login":  true,
	"/v1/auth/logout": true,
}

// AuthMiddleware resolves the caller into a types.Actor. The service key
// header wins over the session cookie when both are present. Requests with
// neither get 401 auth_token_missing. It is a pass-through when no
// Authenticator is configured.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || authPublicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		var (
			actor *types.Actor
			err   error
		)
		switch {
		case r.Header.Get(ServiceKeyHeader) != "":
			actor, err = s.Authenticator.ResolveServiceKey(r.Context(), r.Header.Get(ServiceKeyHeader))
		case s.sessionID(r) != "":
			actor, err = s.Authenticator.ResolveSession(r.Context(), s.sessionID(r))
		default:
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// SessionCookieName returns the configured session cookie name.
func (s *Server) SessionCookieName() string {
	if s.Config != nil && s.Config.Auth.CookieName != "" {
		return s.Config.Auth.CookieName
	}
	return DefaultSessionCookie
}

func (s *Server) sessionID(r *http.Request) string {
	c, err := r.Cookie(s.SessionCookieName())
	if err != nil {
		return ""
	}
	return c.Value
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthSessionExpired:
			s.writeAuthError(w, r, types.ErrCodeAuthSessionExpired, "Session has expired")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthTokenMissing:
			s.Logger.WarnContext(r.Context(), "authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("error_code", string(appErr.Code)),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid credentials")
			return
		}
	}

	// Store outages must not masquerade as bad credentials.
	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	Error(w, r, err)
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   message,
		RequestID: types.GetRequestID(r.Context()),
	}})
}

// RequireActorType rejects actors of any type not listed with 403.
func (s *Server) RequireActorType(allowed ...types.ActorType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := types.GetActor(r.Context())
			if !ok {
				s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
				return
			}
			for _, t := range allowed {
				if actor.Type == t {
					next.ServeHTTP(w, r)
					return
				}
			}
			Error(w, r, types.NewAppError(types.ErrCodePermissionRole, "Insufficient permissions for this operation", nil))
		})
	}
}

// SessionChecker validates dashboard sessions.
type SessionChecker interface {
	Check(ctx context.Context, sessionID string) (*types.Session, error)
}

// CredentialAuthenticator is the production Authenticator: sessions are
// validated through a SessionChecker and the service key is compared in
// constant time.
type CredentialAuthenticator struct {
	Sessions   SessionChecker
	ServiceKey types.SecretString
}

// ResolveSession implements Authenticator.
func (a *CredentialAuthenticator) ResolveSession(ctx context.Context, sessionID string) (*types.Actor, error) {
	sess, err := a.Sessions.Check(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &types.Actor{
		ID:        sess.AdminID,
		Type:      types.ActorTypeAdmin,
		Role:      sess.Role,
		SessionID: sess.ID,
	}, nil
}

// ResolveServiceKey implements Authenticator.
func (a *CredentialAuthenticator) ResolveServiceKey(_ context.Context, key string) (*types.Actor, error) {
	if !a.ServiceKey.IsSet() || subtle.ConstantTimeCompare([]byte(key), []byte(a.ServiceKey.Unmask())) != 1 {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid service key", nil)
	}
	return &types.Actor{ID: "service", Type: types.ActorTypeService, Role: "service"}, nil
}
