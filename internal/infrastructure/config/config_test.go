package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "log:\n  level: debug\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("dispatch.max_attempts = %d, want 3", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Pipeline.LeaseTTL != 2*time.Minute {
		t.Errorf("pipeline.lease_ttl = %s", cfg.Pipeline.LeaseTTL)
	}
	if cfg.Queue.Driver != "memory" {
		t.Errorf("queue.driver = %q", cfg.Queue.Driver)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	t.Setenv("REPLYHUB_DISPATCH_MAX_ATTEMPTS", "5")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("dispatch.max_attempts = %d, want 5", cfg.Dispatch.MaxAttempts)
	}
}

func TestLoadTenants(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
tenants:
  - id: acme
    provider_kind: gemini
    api_key: k1
    model: gemini-2.0-flash
    fallbacks:
      - provider_kind: openai
        api_key: k2
        model: gpt-4o-mini
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].ProviderKind != "gemini" {
		t.Fatalf("unexpected tenants: %+v", cfg.Tenants)
	}
	if len(cfg.Tenants[0].Fallbacks) != 1 || cfg.Tenants[0].Fallbacks[0].Model != "gpt-4o-mini" {
		t.Errorf("unexpected fallbacks: %+v", cfg.Tenants[0].Fallbacks)
	}
}

func TestValidateRejectsBadQueueDriver(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "queue:\n  driver: kafka\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported queue driver")
	}
}

func TestBootstrapDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: warn\n")
	got, err := Bootstrap(dir, zap.NewNop())
	if err != nil || got != path {
		t.Fatalf("Bootstrap = %q, %v", got, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "log:\n  level: warn\n" {
		t.Error("existing config was overwritten")
	}

	fresh := t.TempDir()
	p, err := Bootstrap(fresh, zap.NewNop())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := Load(p); err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	if err := Watch(ctx, path, zap.NewNop(), func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeConfig(t, dir, "log:\n  level: error\n")

	select {
	case c := <-changed:
		if c.Log.Level != "error" {
			t.Errorf("reloaded level = %q", c.Log.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
