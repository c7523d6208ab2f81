package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	key, err := ExtractBearerToken(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if key != "test-key" {
		t.Fatalf("expected key %q, got %q", "test-key", key)
	}

	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if _, err := ExtractBearerToken(req); err == nil {
			t.Fatalf("expected error for header %q", header)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "writer", Scopes: []string{ScopeJobsRW, " "}},
		{Token: "watcher", Scopes: []string{ScopeEventsRO}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	if !ok || !HasAnyScope(p, ScopeEventsRW) {
		t.Fatal("legacy api key should authenticate with every scope")
	}

	p, ok = Authenticate("writer", "admin", tokens)
	if !ok {
		t.Fatal("scoped token rejected")
	}
	if !HasAnyScope(p, ScopeJobsRO) {
		t.Error("jobs:rw should imply jobs:ro")
	}
	if HasAnyScope(p, ScopeEventsRO) {
		t.Error("jobs token must not read events")
	}
	if _, blank := p.Scopes[""]; blank {
		t.Error("blank scopes should be dropped")
	}

	p, _ = Authenticate("watcher", "admin", tokens)
	if HasAnyScope(p, ScopeEventsRW) {
		t.Error("ro must not imply rw")
	}

	if _, ok := Authenticate("", "", tokens); ok {
		t.Error("empty token must never authenticate")
	}
	if _, ok := Authenticate("unknown", "admin", tokens); ok {
		t.Error("unknown token authenticated")
	}
}

func TestRequireMiddleware(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator("", []TokenConfig{{Token: "reader", Scopes: []string{ScopeJobsRO}}})
	if !a.Enabled() {
		t.Fatal("authenticator with tokens should be enabled")
	}

	var seen Principal
	h := a.Require(ScopeJobsRO)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		token string
		want  int
	}{
		{"", http.StatusUnauthorized},
		{"bad", http.StatusUnauthorized},
		{"reader", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.token != "" {
			req.Header.Set("Authorization", "Bearer "+tt.token)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Errorf("token %q: status = %d, want %d", tt.token, rr.Code, tt.want)
		}
	}
	if seen.Token != "reader" {
		t.Errorf("principal not stored on context: %+v", seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer reader")
	rr := httptest.NewRecorder()
	a.Require(ScopeJobsRW)(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}
