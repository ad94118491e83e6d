package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rotarydesk/internal/types"
)

func echoActor(t *testing.T, got *types.Actor) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			t.Error("expected actor in context")
		}
		*got = actor
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_SessionCookie(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &stubAuthenticator{sessions: map[string]*types.Actor{
		"sess_1": {ID: "admin-1", Type: types.ActorTypeAdmin, SessionID: "sess_1"},
	}}

	var actor types.Actor
	h := srv.AuthMiddleware(echoActor(t, &actor))

	req := httptest.NewRequest(http.MethodGet, "/v1/persons", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess_1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if actor.ID != "admin-1" || actor.Type != types.ActorTypeAdmin {
		t.Errorf("actor = %+v", actor)
	}
}

func TestAuthMiddleware_ServiceKeyWinsOverCookie(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &stubAuthenticator{key: "k"}

	var actor types.Actor
	h := srv.AuthMiddleware(echoActor(t, &actor))

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/batch", nil)
	req.Header.Set(ServiceKeyHeader, "k")
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "stale"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || actor.Type != types.ActorTypeService {
		t.Fatalf("status = %d actor = %+v", rec.Code, actor)
	}
}

func TestAuthMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name       string
		auth       *stubAuthenticator
		cookie     string
		key        string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"no credentials", &stubAuthenticator{}, "", "", http.StatusUnauthorized, types.ErrCodeAuthTokenMissing},
		{"unknown session", &stubAuthenticator{}, "nope", "", http.StatusUnauthorized, types.ErrCodeAuthTokenInvalid},
		{"wrong key", &stubAuthenticator{key: "k"}, "", "x", http.StatusUnauthorized, types.ErrCodeAuthTokenInvalid},
		{
			"expired session",
			&stubAuthenticator{err: types.NewAppError(types.ErrCodeAuthSessionExpired, "expired", nil)},
			"old", "", http.StatusUnauthorized, types.ErrCodeAuthSessionExpired,
		},
		{
			"store outage",
			&stubAuthenticator{err: types.NewAppError(types.ErrCodeInternalCache, "redis down", errors.New("dial"))},
			"sess", "", http.StatusInternalServerError, types.ErrCodeInternalCache,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.Authenticator = tt.auth
			h := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("next handler must not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/persons", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "session_id", Value: tt.cookie})
			}
			if tt.key != "" {
				req.Header.Set(ServiceKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec).Code; got != string(tt.wantCode) {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestAuthMiddleware_PublicPaths(t *testing.T) {
	srv := newTestServer(t)
	srv.Authenticator = &stubAuthenticator{}
	for _, path := range []string{"/health", "/metrics", "/v1/auth/login", "/v1/auth/logout"} {
		called := false
		h := srv.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
		if !called {
			t.Errorf("%s should bypass auth", path)
		}
	}
}

func TestRequireActorType(t *testing.T) {
	srv := newTestServer(t)
	h := srv.RequireActorType(types.ActorTypeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(actor *types.Actor) int {
		req := httptest.NewRequest(http.MethodPut, "/v1/templates/daily", nil)
		if actor != nil {
			req = req.WithContext(types.WithActor(req.Context(), *actor))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := serve(&types.Actor{Type: types.ActorTypeAdmin}); got != http.StatusNoContent {
		t.Errorf("admin: %d", got)
	}
	if got := serve(&types.Actor{Type: types.ActorTypeService}); got != http.StatusForbidden {
		t.Errorf("service: %d", got)
	}
	if got := serve(nil); got != http.StatusUnauthorized {
		t.Errorf("anonymous: %d", got)
	}
}

type stubSessions struct {
	sess *types.Session
	err  error
}

func (s stubSessions) Check(context.Context, string) (*types.Session, error) { return s.sess, s.err }

func TestCredentialAuthenticator(t *testing.T) {
	a := &CredentialAuthenticator{
		Sessions:   stubSessions{sess: &types.Session{ID: "sess_1", AdminID: "admin-1", Role: "admin"}},
		ServiceKey: types.SecretString("0123456789abcdef"),
	}
	ctx := context.Background()

	actor, err := a.ResolveSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if actor.ID != "admin-1" || actor.SessionID != "sess_1" || actor.Type != types.ActorTypeAdmin {
		t.Errorf("actor = %+v", actor)
	}

	if _, err := a.ResolveServiceKey(ctx, "0123456789abcdef"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if _, err := a.ResolveServiceKey(ctx, "0123456789abcdeX"); err == nil {
		t.Error("invalid key accepted")
	}

	empty := &CredentialAuthenticator{}
	if _, err := empty.ResolveServiceKey(ctx, ""); err == nil {
		t.Error("an unset service key must never match")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	if got := ClientIP(req); got != "10.0.0.5" {
		t.Errorf("RemoteAddr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Errorf("X-Forwarded-For: %q", got)
	}
}
