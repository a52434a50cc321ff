package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/agent/agenttest"
	"MAHA-Orchestrator/internal/config"
)

func TestCheckAgentsReportsDownAgents(t *testing.T) {
	greeter := agenttest.Greeter(t)
	results := checkAgents(context.Background(), agent.NewClient(), []string{greeter.URL, "http://127.0.0.1:1"})

	var out bytes.Buffer
	err := report(&out, results)
	if err == nil {
		t.Fatal("expected an error when an agent is down")
	}
	if !strings.Contains(out.String(), "UP    "+greeter.URL) {
		t.Fatalf("missing UP line: %s", out.String())
	}
	if !strings.Contains(out.String(), "AGENT_UNREACHABLE") {
		t.Fatalf("missing error code: %s", out.String())
	}
}

func TestCreateComponentsFromDefaults(t *testing.T) {
	for _, key := range []string{"OPENAI_API_KEY", "MAHA_LLM_PROVIDER", "MAHA_STORAGE_DRIVER", "MAHA_PLANNER_STRATEGY"} {
		t.Setenv(key, "")
	}
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	client, err := createLLMClient(cfg)
	if err != nil || client != nil {
		t.Fatalf("expected no llm client by default, got %v %v", client, err)
	}

	st, err := createStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer st.Close()

	reg, closeCache, err := createRegistry(context.Background(), cfg, agent.NewClient())
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}
	defer closeCache()

	pl, err := createPlanner(context.Background(), cfg, reg, client)
	if err != nil {
		t.Fatalf("create planner: %v", err)
	}
	if pl.Strategy() != "rule" {
		t.Fatalf("expected rule strategy without llm, got %s", pl.Strategy())
	}
	if createAlerting(cfg) == nil {
		t.Fatal("expected alert dispatcher")
	}
}

func TestCreateLLMClientRequiresOpenAIKey(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: "openai"}}
	if _, err := createLLMClient(cfg); err == nil {
		t.Fatal("expected error without api key")
	}
	cfg.LLM.Provider = "mock"
	if client, err := createLLMClient(cfg); err != nil || client == nil {
		t.Fatalf("expected mock client, got %v %v", client, err)
	}
}
