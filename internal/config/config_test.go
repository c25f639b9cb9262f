package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atelierhq/atelier/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTPAddr)
	}
	if cfg.DBPath != filepath.Join("data", "atelier.db") {
		t.Fatalf("unexpected db path: %s", cfg.DBPath)
	}
	if cfg.Engine.Binary != "claude" || cfg.Engine.MaxTurns != 30 {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Budget.RollupCron == "" {
		t.Fatal("rollup cron must have a default")
	}
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atelier.toml")
	content := `
http_addr = ":9090"
db_path = "/var/lib/atelier/atelier.db"

[engine]
model = "claude-opus-4-20250514"
max_turns = 10
work_dir = "/srv/workspaces"

[[engine.tools]]
name = "project-settings"
command = "atelier-tools"
args = ["serve", "--project-settings"]

[budget]
rollup_cron = "*/5 * * * *"
default_max_usd = 2.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("file addr not applied: %s", cfg.HTTPAddr)
	}
	if cfg.Engine.Model != "claude-opus-4-20250514" || cfg.Engine.MaxTurns != 10 {
		t.Fatalf("engine section not applied: %+v", cfg.Engine)
	}
	if cfg.Budget.RollupCron != "*/5 * * * *" || cfg.Budget.DefaultMaxUSD != 2.5 {
		t.Fatalf("budget section not applied: %+v", cfg.Budget)
	}
	if cfg.Engine.WorkDir != "/srv/workspaces" {
		t.Fatalf("work dir not applied: %s", cfg.Engine.WorkDir)
	}
	if len(cfg.Engine.Tools) != 1 || cfg.Engine.Tools[0].Name != "project-settings" ||
		cfg.Engine.Tools[0].Command != "atelier-tools" || len(cfg.Engine.Tools[0].Args) != 2 {
		t.Fatalf("tools not applied: %+v", cfg.Engine.Tools)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Engine.Binary != "claude" {
		t.Fatalf("default lost: %s", cfg.Engine.Binary)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("defaults not kept: %s", cfg.HTTPAddr)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("http_addr = [broken"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atelier.toml")
	if err := os.WriteFile(path, []byte(`http_addr = ":9090"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ATELIER_HTTP_ADDR", ":7070")
	t.Setenv("ATELIER_ENGINE_MAX_TURNS", "5")
	t.Setenv("ATELIER_BUDGET_DEFAULT_MAX_USD", "1.25")
	t.Setenv("ATELIER_ENGINE_WORK_DIR", "/srv/elsewhere")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env did not win: %s", cfg.HTTPAddr)
	}
	if cfg.Engine.MaxTurns != 5 {
		t.Fatalf("int env not applied: %d", cfg.Engine.MaxTurns)
	}
	if cfg.Budget.DefaultMaxUSD != 1.25 {
		t.Fatalf("float env not applied: %f", cfg.Budget.DefaultMaxUSD)
	}
	if cfg.Engine.WorkDir != "/srv/elsewhere" {
		t.Fatalf("work dir env not applied: %s", cfg.Engine.WorkDir)
	}
}

func TestEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("ATELIER_ENGINE_MAX_TURNS", "many")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MaxTurns != 30 {
		t.Fatalf("expected default, got %d", cfg.Engine.MaxTurns)
	}
}
