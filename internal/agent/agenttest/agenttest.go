// Package agenttest runs fake agents over HTTP for tests that exercise the
// real agent client.
package agenttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"MAHA-Orchestrator/internal/agent"
)

// RunFunc produces the /run response body and status for a payload.
type RunFunc func(payload map[string]any) (any, int)

// Server is a fake agent exposing /meta and /run.
type Server struct {
	*httptest.Server
	Meta agent.Agent

	mu    sync.Mutex
	calls []map[string]any
}

// New starts a fake agent. The server is closed when the test ends.
func New(t testing.TB, meta agent.Agent, run RunFunc) *Server {
	t.Helper()
	s := &Server{Meta: meta}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /meta", func(w http.ResponseWriter, _ *http.Request) {
		meta := s.Meta
		meta.URL = ""
		writeJSON(w, http.StatusOK, meta)
	})
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		s.mu.Lock()
		s.calls = append(s.calls, payload)
		s.mu.Unlock()
		body, status := run(payload)
		writeJSON(w, status, body)
	})
	s.Server = httptest.NewServer(mux)
	s.Meta.URL = s.URL
	t.Cleanup(s.Close)
	return s
}

// Calls returns the payloads received by /run.
func (s *Server) Calls() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.calls...)
}

// Greeter is a greeting agent: {name, language?} -> {greeting}.
func Greeter(t testing.TB) *Server {
	return New(t, agent.Agent{
		Name:        "Hello Agent",
		Description: "Greets people in several languages",
		Tags:        []string{"greeting"},
		Wallet:      "0x52908400098527886E0F7030069857D2E4169EE7",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"name":     map[string]any{"type": "string"},
				"language": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
		OutputSchema: map[string]any{
			"properties": map[string]any{"greeting": map[string]any{"type": "string"}},
		},
	}, func(payload map[string]any) (any, int) {
		name, _ := payload["name"].(string)
		if name == "" {
			return map[string]any{"error": "name is required"}, http.StatusBadRequest
		}
		word := "Hello"
		if lang, _ := payload["language"].(string); strings.EqualFold(lang, "spanish") {
			word = "Hola"
		}
		return map[string]any{"greeting": fmt.Sprintf("%s, %s!", word, name)}, http.StatusOK
	})
}

// Painter is an image agent: {prompt} -> {imageUrl}.
func Painter(t testing.TB) *Server {
	return New(t, agent.Agent{
		Name:        "Image Generator",
		Description: "Creates images from prompts",
		Category:    "image",
		InputSchema: map[string]any{
			"properties": map[string]any{"prompt": map[string]any{"type": "string"}},
			"required":   []any{"prompt"},
		},
		OutputSchema: map[string]any{
			"properties": map[string]any{"imageUrl": map[string]any{"type": "string"}},
		},
	}, func(payload map[string]any) (any, int) {
		prompt, _ := payload["prompt"].(string)
		if prompt == "" {
			return map[string]any{"error": "prompt is required"}, http.StatusBadRequest
		}
		return map[string]any{"imageUrl": "https://images.example/" + fmt.Sprint(len(prompt)) + ".png"}, http.StatusOK
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
