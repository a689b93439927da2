package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_AppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123")

	dir := t.TempDir()
	path := writeFile(t, dir, "trellis.yaml", `
providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
retention:
  max_per_user: 10
  ttl: 1h
store:
  dsn: trellis.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q, want default", cfg.Listen)
	}
	if got := cfg.APIKeys()["openai"]; got != "sk-test-123" {
		t.Errorf("openai key = %q", got)
	}
	ttl, err := cfg.Retention.TTLDuration()
	if err != nil {
		t.Fatal(err)
	}
	if ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
	if cfg.Retention.MaxPerUser != 10 {
		t.Errorf("max per user = %d", cfg.Retention.MaxPerUser)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "trellis.yaml", `
retention:
  ttl: one day
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "retention.ttl") {
		t.Fatalf("error = %v, want retention.ttl parse failure", err)
	}
}

func TestDiscoverFrom(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	// Nothing anywhere.
	path, found, err := DiscoverFrom("", cwd, home)
	if err != nil || found || path != "" {
		t.Fatalf("empty discovery = (%q, %v, %v)", path, found, err)
	}

	// Home config only.
	if err := os.MkdirAll(filepath.Join(home, ".trellis"), 0o755); err != nil {
		t.Fatal(err)
	}
	homeCfg := writeFile(t, filepath.Join(home, ".trellis"), "config.yaml", "listen: :9999\n")
	path, found, err = DiscoverFrom("", cwd, home)
	if err != nil || !found || path != homeCfg {
		t.Fatalf("home discovery = (%q, %v, %v)", path, found, err)
	}

	// Project config wins over home.
	projCfg := writeFile(t, cwd, "trellis.yaml", "listen: :8081\n")
	path, found, err = DiscoverFrom("", cwd, home)
	if err != nil || !found || path != projCfg {
		t.Fatalf("project discovery = (%q, %v, %v)", path, found, err)
	}

	// Explicit path must exist.
	if _, _, err := DiscoverFrom(filepath.Join(cwd, "missing.yaml"), cwd, home); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestBroker_ResolvesStaticCredentials(t *testing.T) {
	cfg := Config{
		Composio: ComposioConfig{
			Credentials: map[string]CredentialConfig{
				"alice": {APIKey: "key-a", EnabledTools: []string{"github_star_repo"}},
				"bob":   {APIKey: "key-b"},
			},
		},
	}

	broker := cfg.Broker()
	if broker == nil {
		t.Fatal("expected a broker")
	}

	ctx := context.Background()
	cred, err := broker.Resolve(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if cred == nil || cred.APIKey != "key-a" {
		t.Fatalf("alice credential = %+v", cred)
	}
	if !cred.Allows("github_star_repo") || cred.Allows("other_tool") {
		t.Error("whitelist not enforced")
	}

	bob, err := broker.Resolve(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !bob.Allows("anything") {
		t.Error("nil whitelist should allow every tool")
	}

	missing, err := broker.Resolve(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("carol credential = %+v, want nil", missing)
	}
}

func TestBroker_NilWhenNoCredentials(t *testing.T) {
	if b := Default().Broker(); b != nil {
		t.Errorf("broker = %v, want nil", b)
	}
}
