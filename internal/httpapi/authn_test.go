package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"saleslens.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer   abc  ", "abc", true},
		{"Basic dXNlcjpwdw==", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok != (err == nil) || got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestRequireTokenStoresToken(t *testing.T) {
	a := New(nil, nil, nil, Options{})
	var seen string
	handler := a.requireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.TokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || seen != "tok-1" {
		t.Fatalf("expected bearer token to pass through, got %d %q", rr.Code, seen)
	}

	// The header wins over the cookie.
	req = httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer tok-2")
	req.AddCookie(&http.Cookie{Name: "saleslens_session", Value: "tok-cookie"})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "tok-2" {
		t.Fatalf("expected header token, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	req.AddCookie(&http.Cookie{Name: "saleslens_session", Value: "tok-cookie"})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "tok-cookie" {
		t.Fatalf("expected cookie token, got %q", seen)
	}
}

func TestRequireTokenRejectsMissingToken(t *testing.T) {
	a := New(nil, nil, nil, Options{})
	called := false
	handler := RequestID(a.requireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/query/ask", nil)
	req.Header.Set("Authorization", "Token nope")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if called {
		t.Fatal("handler must not run without a token")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
