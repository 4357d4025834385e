package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.MaxDepth != 3 || cfg.AITimeout() != 60*time.Second || cfg.PollInterval() != 2*time.Second || cfg.StreamTimeout() != 120*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Auth.Audience != "authenticated" || cfg.Storage.Driver != DriverSQLite {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("ai:\n  provider: openai\n  model: gpt-4.1-mini\nstream:\n  timeout_seconds: 30\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.AI.Provider != ProviderOpenAI || cfg.AI.Model != "gpt-4.1-mini" || cfg.StreamTimeout() != 30*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg.AI)
	}
	if cfg.Stream.PollIntervalMS != 2000 || cfg.AI.TimeoutSeconds != 60 {
		t.Fatalf("defaults lost: %+v", cfg.Stream)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":    "storage:\n  driver: mysql\n",
		"dsn":       "storage:\n  driver: postgres\n",
		"depth":     "storage:\n  max_depth: 0\n",
		"provider":  "ai:\n  provider: llama\n",
		"timeout":   "ai:\n  timeout_seconds: 0\n",
		"stream":    "stream:\n  poll_interval_ms: -1\n",
		"base_path": "server:\n  base_path: api\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("server: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil || cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("expected defaults for missing file: %v %+v", err, cfg)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load must fail when file is missing")
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  addr: :9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Server.Addr != ":9000" {
		t.Fatalf("expected file value: %v %+v", err, cfg)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	if _, err := FromYAML([]byte(GenerateDefault())); err != nil {
		t.Fatalf("generated config must load: %v", err)
	}
}

func TestResolveLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("ai:\n  provider: openai\n  model: from-file\nstorage:\n  max_depth: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKNEST_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("TASKNEST_AI_MODEL", "from-env")
	t.Setenv("TASKNEST_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Resolve(dir, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret" || cfg.AI.Model != "from-env" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Auth, cfg.AI)
	}
	if cfg.AI.Provider != ProviderOpenAI || cfg.Storage.MaxDepth != 4 {
		t.Fatalf("file values lost: %+v", cfg.Storage)
	}
	if cfg.Stream.PollIntervalMS != 2000 || cfg.Auth.Audience != "authenticated" {
		t.Fatalf("defaults lost: %+v", cfg.Stream)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Fatalf("expected two origins, got %v", cfg.Server.CORSOrigins)
	}
}

func TestResolveRejectsInvalidEnv(t *testing.T) {
	t.Setenv("TASKNEST_STORAGE_DRIVER", "mysql")
	if _, err := Resolve(t.TempDir(), ""); err == nil {
		t.Fatalf("expected invalid driver from env to be rejected")
	}
}
