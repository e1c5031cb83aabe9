package auth

import (
	"context"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newJWTService(t *testing.T, seeds []Seed) *Service {
	t.Helper()
	store, err := NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:    "test-secret",
			Issuer:    "careerd",
			AccessTTL: 60,
		},
		Seeds: seeds,
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticatePasswordGrant(t *testing.T) {
	svc := newJWTService(t, []Seed{{
		Username:    "alice",
		Password:    "s3cret",
		Roles:       []string{"user"},
		Permissions: []string{"tasks:write"},
	}})
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token pair: %+v", pair)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if subject.Username != "alice" || !subject.HasPermission("tasks:write") {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	// 刷新令牌不能用作访问令牌。
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !stdErrors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for refresh token, got %v", err)
	}

	// 刷新令牌可以换取新的令牌对。
	renewed, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+renewed.AccessToken); err != nil {
		t.Fatalf("renewed access token rejected: %v", err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc := newJWTService(t, []Seed{
		{Username: "alice", Password: "s3cret"},
		{Username: "mallory", Password: "pwd", Disabled: true},
	})
	ctx := context.Background()

	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "wrong"}); !stdErrors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "nobody", Password: "x"}); !stdErrors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "mallory", Password: "pwd"}); !stdErrors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked subject, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"}); !stdErrors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("expected unsupported grant, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer not-a-jwt"); !stdErrors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !stdErrors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newJWTService(t, []Seed{
		{Username: "admin", Password: "pwd", Permissions: []string{"agents:register"}},
		{Username: "viewer", Password: "pwd", Permissions: []string{"tasks:read"}},
	})
	ctx := context.Background()

	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{"POST": {"agents:register"}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == nil {
			t.Error("expected subject in context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/agent/register", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	adminPair, err := svc.Authenticate(ctx, TokenRequest{Username: "admin", Password: "pwd"})
	if err != nil {
		t.Fatalf("authenticate admin: %v", err)
	}
	if code := call(adminPair.AccessToken); code != http.StatusNoContent {
		t.Fatalf("expected 204 for admin, got %d", code)
	}

	viewerPair, err := svc.Authenticate(ctx, TokenRequest{Username: "viewer", Password: "pwd"})
	if err != nil {
		t.Fatalf("authenticate viewer: %v", err)
	}
	if code := call(viewerPair.AccessToken); code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", code)
	}
}

func TestMiddlewareDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
