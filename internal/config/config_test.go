package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: relaypool.db
`)
	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Server.Port != 8318 {
		t.Fatalf("port = %d, want default 8318", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.MaxSizeMB != 100 {
		t.Fatalf("logging defaults not applied: %+v", cfg.Logging)
	}
	if cfg.ListenAddr() != ":8318" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr())
	}
	if cfg.FailbackCooldown() != 0 {
		t.Fatalf("unset cooldown must report zero, got %v", cfg.FailbackCooldown())
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
`)
	if _, errLoad := Load(path); errLoad == nil {
		t.Fatalf("missing dsn must fail")
	}
}

func TestResolveConfigPathPrecedence(t *testing.T) {
	if got := ResolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("flag value must win, got %q", got)
	}
	t.Setenv(configPathEnv, "from-env.yaml")
	if got := ResolveConfigPath(""); got != "from-env.yaml" {
		t.Fatalf("env value must win over default, got %q", got)
	}
	t.Setenv(configPathEnv, "")
	if got := ResolveConfigPath(" "); got != defaultConfigPath {
		t.Fatalf("default expected, got %q", got)
	}
}
