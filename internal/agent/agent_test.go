package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
)

func newAgentServer(t *testing.T, meta any, run http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected meta method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	})
	if run != nil {
		mux.HandleFunc("/run", run)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchMetaNormalizesAgent(t *testing.T) {
	srv := newAgentServer(t, map[string]any{
		"name":        "Hello World Agent",
		"description": "A simple greeting agent",
		"wallet":      "0x52908400098527886e0f7030069857d2e4169ee7",
		"tags":        []string{"greeting"},
		"performance": map[string]any{"avgResponseTime": 1200, "uptime": 99.9, "successRate": 0.98},
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}, "language": map[string]any{"type": "string"}},
			"required":   []string{"name"},
		},
	}, nil)

	client := NewClient(WithHTTPClient(srv.Client()))
	agent, err := client.FetchMeta(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("FetchMeta: %v", err)
	}
	if agent.URL != srv.URL {
		t.Fatalf("url not normalized: %q", agent.URL)
	}
	if agent.Wallet != "0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("wallet not checksummed: %s", agent.Wallet)
	}
	if agent.Performance == nil || agent.Performance.AvgResponseTime != 1200 {
		t.Fatalf("performance lost: %+v", agent.Performance)
	}
	names, required := SchemaProperties(agent.InputSchema)
	if len(names) != 2 || names[0] != "language" || !required["name"] || required["language"] {
		t.Fatalf("unexpected schema view %v %v", names, required)
	}
}

func TestFetchMetaClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		meta any
		code xerrors.Code
	}{
		{name: "missing name", meta: map[string]any{"description": "x"}, code: CodeMetaInvalid},
		{name: "bad wallet", meta: map[string]any{"name": "a", "wallet": "not-an-address"}, code: CodeMetaInvalid},
		{name: "not an object", meta: []int{1, 2}, code: CodeMetaInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newAgentServer(t, tc.meta, nil)
			_, err := NewClient().FetchMeta(context.Background(), srv.URL)
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if _, err := NewClient().FetchMeta(context.Background(), srv.URL); xerrors.CodeOf(err) != CodeUnreachable {
		t.Fatalf("5xx meta should be unreachable, got %v", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	if _, err := NewClient().FetchMeta(context.Background(), addr); xerrors.CodeOf(err) != CodeUnreachable {
		t.Fatalf("closed server should be unreachable, got %v", err)
	}
}

func TestInvokeReturnsAgentOutput(t *testing.T) {
	srv := newAgentServer(t, map[string]any{"name": "greeter"}, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "Hola, " + in["name"].(string) + "!"})
	})

	out, err := NewClient().Invoke(context.Background(), srv.URL, map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["greeting"] != "Hola, Alice!" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestInvokeWrapsNonObjectOutput(t *testing.T) {
	srv := newAgentServer(t, map[string]any{"name": "echo"}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("just text"))
	})
	out, err := NewClient().Invoke(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["result"] != "just text" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestInvokeCarriesAgentMessageVerbatim(t *testing.T) {
	srv := newAgentServer(t, map[string]any{"name": "imager"}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "prompt must not be empty"})
	})
	_, err := NewClient().Invoke(context.Background(), srv.URL, map[string]any{})
	e, ok := xerrors.From(err)
	if !ok || e.Code() != CodeExecutionError {
		t.Fatalf("expected execution error, got %v", err)
	}
	if e.Message() != "prompt must not be empty" {
		t.Fatalf("message not verbatim: %q", e.Message())
	}
	if e.Metadata()["status"] != "422" {
		t.Fatalf("status metadata missing: %v", e.Metadata())
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("execution errors must not be retryable")
	}
}

func TestInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newAgentServer(t, map[string]any{"name": "slow"}, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	client := NewClient(WithInvokeTimeout(20 * time.Millisecond))
	_, err := client.Invoke(context.Background(), srv.URL, map[string]any{})
	if xerrors.CodeOf(err) != CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("timeouts should be retryable")
	}
}

func TestInvokeRejectsOversizedResponse(t *testing.T) {
	srv := newAgentServer(t, map[string]any{"name": "chatty"}, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": strings.Repeat("z", 256)})
	})

	_, err := NewClient(WithMaxBodyBytes(64)).Invoke(context.Background(), srv.URL, nil)
	e, ok := xerrors.From(err)
	if !ok || e.Code() != CodeExecutionError {
		t.Fatalf("expected execution error for oversized body, got %v", err)
	}
	if e.Metadata()["limit_bytes"] != "64" {
		t.Fatalf("limit metadata missing: %v", e.Metadata())
	}

	out, err := NewClient(WithMaxBodyBytes(1024)).Invoke(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Invoke under limit: %v", err)
	}
	if len(out["result"].(string)) != 256 {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestFetchMetaRejectsOversizedBody(t *testing.T) {
	srv := newAgentServer(t, map[string]any{"name": "verbose", "description": strings.Repeat("d", 512)}, nil)
	_, err := NewClient(WithMaxBodyBytes(100)).FetchMeta(context.Background(), srv.URL)
	if xerrors.CodeOf(err) != CodeMetaInvalid {
		t.Fatalf("expected meta invalid, got %v", err)
	}
}
