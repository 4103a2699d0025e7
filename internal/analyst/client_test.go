package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", APIKey: "k-123", SemanticModel: "sales.yaml", Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGenerate(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k-123" {
			t.Errorf("authorization header = %q", got)
		}
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		if in["question"] != "revenue by region" || in["semantic_model"] != "sales.yaml" {
			t.Errorf("unexpected payload %v", in)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id":    "req-1",
			"sql":           "select 1",
			"narrative":     "Revenue by region.",
			"visualization": "bar",
		})
	})

	gen, err := c.Generate(context.Background(), "revenue by region")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.RequestID != "req-1" || gen.SQL != "select 1" || gen.Visualization != "bar" {
		t.Fatalf("unexpected generation %+v", gen)
	}
}

func TestGenerateWithoutSQL(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"request_id":"r","sql":"  "}`))
	})
	if _, err := c.Generate(context.Background(), "q"); !errors.Is(err, ErrNoStatement) {
		t.Fatalf("expected ErrNoStatement, got %v", err)
	}
}

func TestGenerateServerError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	if _, err := c.Generate(context.Background(), "q"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGenerateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	_, err = c.Generate(context.Background(), "slow")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestFeedbackAndHealth(t *testing.T) {
	var got map[string]any
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/feedback":
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		case "/healthz":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	})
	if err := c.Feedback(context.Background(), "req-9", true, "useful"); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	if got["request_id"] != "req-9" || got["positive"] != true || got["message"] != "useful" {
		t.Fatalf("unexpected feedback payload %v", got)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		if _, err := New(Options{BaseURL: raw}); err == nil {
			t.Fatalf("New(%q) accepted", raw)
		}
	}
}
