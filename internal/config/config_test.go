package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SALESLENS_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.HTTP.Addr)
	}
	if cfg.Session.TTL != 2*time.Hour || cfg.Session.Sliding {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Session.Store != "memory" {
		t.Fatalf("unexpected session store %q", cfg.Session.Store)
	}
	if cfg.Query.MaxRows != 1000 || cfg.Analyst.Timeout != 30*time.Second {
		t.Fatalf("unexpected query/analyst defaults: %+v %+v", cfg.Query, cfg.Analyst)
	}
	if cfg.Log.DebugSQL {
		t.Fatal("debug_sql must be off by default")
	}
	if cfg.Query.FormatSQL {
		t.Fatal("format_sql must be off by default")
	}
	if len(cfg.Query.AllowedTables) != 2 || cfg.Query.AllowedTables[0] != "sales_data" {
		t.Fatalf("unexpected allowed tables %v", cfg.Query.AllowedTables)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SALESLENS_CONFIG", "")
	t.Setenv("SALESLENS_PG_DSN", "postgres://app@db/sales")
	t.Setenv("SALESLENS_SESSION_TTL", "45m")
	t.Setenv("SALESLENS_ANALYST_BASE_URL", "http://analyst:9000/")
	t.Setenv("SALESLENS_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PG.DSN != "postgres://app@db/sales" {
		t.Fatalf("unexpected dsn %q", cfg.PG.DSN)
	}
	if cfg.Session.TTL != 45*time.Minute {
		t.Fatalf("unexpected ttl %v", cfg.Session.TTL)
	}
	if cfg.Analyst.BaseURL != "http://analyst:9000" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.Analyst.BaseURL)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.HTTP.AllowedOrigins)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saleslens.yaml")
	body := []byte("query:\n  max_rows: 50\n  timeout: 5s\nsession:\n  sliding: true\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SALESLENS_CONFIG", path)
	t.Setenv("SALESLENS_QUERY_MAX_ROWS", "75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Query.MaxRows != 75 {
		t.Fatalf("env should win over file, got %d", cfg.Query.MaxRows)
	}
	if cfg.Query.Timeout != 5*time.Second || !cfg.Session.Sliding {
		t.Fatalf("file values not applied: %+v %+v", cfg.Query, cfg.Session)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("SALESLENS_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SALESLENS_CONFIG", "")
	t.Setenv("SALESLENS_SESSION_STORE", "redis")
	if _, err := Load(); err == nil {
		t.Fatal("redis store without token secret must be rejected")
	}
	t.Setenv("SALESLENS_SESSION_TOKEN_SECRET", "a-secret-of-sufficient-length")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Setenv("SALESLENS_SESSION_STORE", "disk")
	if _, err := Load(); err == nil {
		t.Fatal("unknown session store must be rejected")
	}
}
