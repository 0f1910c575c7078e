package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func digestOf(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Operators: []OperatorToken{
			{Name: "viewer", TokenSHA256: digestOf("view-token"), Permissions: []string{PermissionRead}},
			{Name: "operator", TokenSHA256: digestOf("op-token"), Permissions: []string{"*"}},
			{Name: "former", TokenSHA256: digestOf("old-token"), Permissions: []string{"*"}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer view-token")
	if err != nil || subject.Name != "viewer" {
		t.Fatalf("unexpected subject %+v err=%v", subject, err)
	}
	if err := subject.Authorize(PermissionExecute); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("viewer must not execute, got %v", err)
	}

	cases := map[string]error{
		"":                 ErrMissingToken,
		"Basic abc":        ErrMissingToken,
		"Bearer wrong":     ErrInvalidToken,
		"Bearer old-token": ErrSubjectRevoked,
	}
	for header, want := range cases {
		if _, err := svc.AuthenticateRequest(ctx, header); !errors.Is(err, want) {
			t.Fatalf("header %q: expected %v, got %v", header, want, err)
		}
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
	if _, err := NewService(Config{Mode: ModeToken}); err == nil {
		t.Fatal("token mode without operators should fail")
	}
	if _, err := NewService(Config{Mode: ModeToken, Operators: []OperatorToken{{Name: "x", TokenSHA256: "abc"}}}); err == nil {
		t.Fatal("short digest should fail")
	}

	t.Setenv("LIFELINE_TEST_TOKEN", "from-env")
	svc, err := NewService(Config{Mode: ModeToken, Operators: []OperatorToken{{Name: "env", TokenEnv: "LIFELINE_TEST_TOKEN", Permissions: []string{PermissionRead}}}})
	if err != nil {
		t.Fatalf("env token: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer from-env"); err != nil {
		t.Fatalf("env token should authenticate: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionRead},
			http.MethodPost: {PermissionExecute},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	call := func(method, token string) int {
		req := httptest.NewRequest(method, "/api/v1/life-support/check", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(http.MethodPost, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := call(http.MethodPost, "view-token"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer POST, got %d", code)
	}
	if code := call(http.MethodGet, "view-token"); code != http.StatusOK {
		t.Fatalf("expected 200 for viewer GET, got %d", code)
	}
	if code := call(http.MethodPost, "op-token"); code != http.StatusOK || seen == nil || seen.Name != "operator" {
		t.Fatalf("expected operator to pass, got %d subject=%+v", code, seen)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled mode should not authenticate, got %d", rec.Code)
	}
}
