package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	t.Setenv("REFLEXION_TEST_WRITER", "writer-secret")
	svc, err := NewService([]TokenConfig{
		{Name: "dashboard", Token: "reader-secret"},
		{Name: "ci", TokenEnv: "REFLEXION_TEST_WRITER", Scopes: []string{ScopeRead, ScopeWrite}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidatesTokens(t *testing.T) {
	if _, err := NewService([]TokenConfig{{Name: "empty", TokenEnv: "REFLEXION_TEST_UNSET"}}); err == nil {
		t.Fatal("expected error for unresolved token")
	}
	if _, err := NewService([]TokenConfig{{Token: "same"}, {Token: "same"}}); err == nil {
		t.Fatal("expected error for duplicate token")
	}
	svc, err := NewService(nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("expected auth disabled without tokens")
	}
	var nilSvc *Service
	if nilSvc.Enabled() {
		t.Fatal("nil service must be disabled")
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)

	subject, err := svc.AuthenticateRequest("Bearer writer-secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ci" || !subject.HasScope(ScopeWrite) {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	reader, err := svc.AuthenticateRequest("bearer reader-secret")
	if err != nil {
		t.Fatalf("authenticate reader: %v", err)
	}
	if reader.HasScope(ScopeWrite) || !reader.HasScope(ScopeRead) {
		t.Fatalf("reader should default to read scope: %+v", reader.Scopes)
	}
	if err := reader.Authorize(ScopeWrite); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	if _, err := svc.AuthenticateRequest(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token for basic scheme, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		status int
		caller string
	}{
		{name: "public health", method: http.MethodGet, path: "/healthz", status: http.StatusNoContent},
		{name: "missing token", method: http.MethodGet, path: "/api/v1/tasks", status: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/api/v1/tasks", token: "nope", status: http.StatusUnauthorized},
		{name: "reader lists", method: http.MethodGet, path: "/api/v1/tasks", token: "reader-secret", status: http.StatusNoContent, caller: "dashboard"},
		{name: "reader submits", method: http.MethodPost, path: "/api/v1/tasks", token: "reader-secret", status: http.StatusForbidden},
		{name: "writer submits", method: http.MethodPost, path: "/api/v1/tasks", token: "writer-secret", status: http.StatusNoContent, caller: "ci"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.caller != "" && (seen == nil || seen.Name != tc.caller) {
				t.Fatalf("expected caller %s in context, got %+v", tc.caller, seen)
			}
			if rec.Code == http.StatusUnauthorized {
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if body["code"] != string(CodeUnauthenticated) {
					t.Fatalf("unexpected error body: %v", body)
				}
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Fatal("expected WWW-Authenticate header")
				}
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	var svc *Service
	handler := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
