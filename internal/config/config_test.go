package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJSONAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.json")
	content := `{"server":{"address":":9000"},"runtime":{"data_dir":"runtime"},"state":{"backend":"sqlite"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "runtime") {
		t.Fatalf("data dir not resolved against config dir: %s", cfg.Runtime.DataDir)
	}
	if cfg.State.SQLite.Path != filepath.Join(dir, "runtime", "state.db") {
		t.Fatalf("unexpected sqlite path %s", cfg.State.SQLite.Path)
	}
	if cfg.Workflow.MaxWaitMillis != 60000 || cfg.Workflow.MaxSteps != 100 {
		t.Fatalf("workflow limits not defaulted: %+v", cfg.Workflow)
	}
	if cfg.Connectors.ChatGPT.Model != "gpt-4o" || cfg.Connectors.Claude.MaxTokens != 4096 {
		t.Fatalf("connector defaults missing: %+v", cfg.Connectors)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	content := "queue:\n  driver: redis\n  workers: 4\nauth:\n  mode: jwt\n  secret: s3cret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Auth.Mode != "jwt" || cfg.Auth.Secret != "s3cret" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ORCHESTRATOR_PORT", "4100")

	cfg, err := LoadOrDefault(filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, ".sfs") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
	if cfg.Connectors.ChatGPT.APIKey != "sk-test" {
		t.Fatalf("api key env override not applied")
	}
	if cfg.Server.Address != ":4100" {
		t.Fatalf("port override not applied: %s", cfg.Server.Address)
	}
	if cfg.Runtime.AgentsDir() != filepath.Join(dir, ".sfs", "agents") {
		t.Fatalf("unexpected agents dir")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadOrDefault(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
