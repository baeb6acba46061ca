package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTokenAuth(token string) *Auth {
	return NewAuth(nil, ServerConfig{
		Security: SecurityConfig{AdminToken: token},
	})
}

func TestAdminTokenGrantsAdminPrincipal(t *testing.T) {
	auth := newTokenAuth("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/runs", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	principal, err := auth.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("header token rejected: %v", err)
	}
	if principal.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %s", principal.Role)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/admin/runs", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	if _, err := auth.AuthenticateRequest(req2); err != nil {
		t.Fatalf("bearer token rejected: %v", err)
	}
}

func TestAuthenticateRequestRejectsBadToken(t *testing.T) {
	auth := newTokenAuth("secret-token")
	cases := map[string]func(*http.Request){
		"no credentials": func(r *http.Request) {},
		"wrong token":    func(r *http.Request) { r.Header.Set("X-Admin-Token", "wrong") },
		"wrong bearer":   func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
	}
	for name, apply := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
		apply(req)
		if _, err := auth.AuthenticateRequest(req); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestRequireRoleBlocksInsufficientRole(t *testing.T) {
	auth := newTokenAuth("secret-token")
	if !roleAllowed(RoleOperator, []string{RoleAdmin, RoleOperator}) {
		t.Fatalf("operator should pass a run-scoped check")
	}
	if roleAllowed(RoleOperator, []string{RoleAdmin}) {
		t.Fatalf("operator must not pass an admin-only check")
	}

	handler := auth.RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
	req2.Header.Set("X-Admin-Token", "secret-token")
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin token, got %d", rec2.Code)
	}
}

func TestNormalizeRole(t *testing.T) {
	if got := normalizeRole(" Admin "); got != RoleAdmin {
		t.Fatalf("expected admin, got %s", got)
	}
	for _, raw := range []string{"operator", "user", "", "viewer"} {
		if got := normalizeRole(raw); got != RoleOperator {
			t.Fatalf("%q should normalize to operator, got %s", raw, got)
		}
	}
}

func TestLoginRequiresDatabase(t *testing.T) {
	auth := newTokenAuth("secret-token")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"op","password":"pw"}`))
	auth.HandleLogin(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a database, got %d", rec.Code)
	}
}
