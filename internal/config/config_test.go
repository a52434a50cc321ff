package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("MAHA_AGENT_ENDPOINTS", "")
	t.Setenv("AGENT_ENDPOINTS", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("MAHA_SERVER_ADDRESS", "")
	t.Setenv("PORT", "")
	t.Setenv("MAHA_LLM_PROVIDER", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":3000" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected drivers %q/%q", cfg.Storage.Driver, cfg.Queue.Driver)
	}
	if cfg.LLM.Provider != "none" || cfg.Planner.Strategy != "auto" {
		t.Fatalf("unexpected llm/planner defaults %q/%q", cfg.LLM.Provider, cfg.Planner.Strategy)
	}
	if cfg.Engine.MaxRetries != 0 {
		t.Fatalf("engine retries must default to zero")
	}
	if !cfg.Server.MCPOn() {
		t.Fatalf("mcp should default to enabled")
	}
	if cfg.Queue.RabbitMQ.MaxAttempts != 5 || cfg.Queue.RabbitMQ.Prefetch != cfg.Queue.Workers {
		t.Fatalf("unexpected rabbitmq defaults %+v", cfg.Queue.RabbitMQ)
	}
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maha.json")
	content := `{
		"server": {"address": ":9000"},
		"agents": {"endpoints": ["http://localhost:7029/", "http://localhost:7030"]},
		"storage": {"driver": "sqlite"},
		"planner": {"hints_file": "hints.json"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MAHA_AGENT_ENDPOINTS", "http://localhost:7029, http://localhost:7031")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MAHA_SERVER_ADDRESS", "")
	t.Setenv("PORT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("file address lost: %q", cfg.Server.Address)
	}
	want := []string{"http://localhost:7029", "http://localhost:7030", "http://localhost:7031"}
	if len(cfg.Agents.Endpoints) != len(want) {
		t.Fatalf("endpoints = %v, want %v", cfg.Agents.Endpoints, want)
	}
	for i := range want {
		if cfg.Agents.Endpoints[i] != want[i] {
			t.Fatalf("endpoints = %v, want %v", cfg.Agents.Endpoints, want)
		}
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("expected openai provider from api key, got %q", cfg.LLM.Provider)
	}
	if cfg.Storage.DSN != filepath.Join(dir, "data", "maha.db") {
		t.Fatalf("unexpected sqlite dsn %q", cfg.Storage.DSN)
	}
	if cfg.Planner.HintsFile != filepath.Join(dir, "hints.json") {
		t.Fatalf("hints file not resolved: %q", cfg.Planner.HintsFile)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maha.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"postgres"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}
