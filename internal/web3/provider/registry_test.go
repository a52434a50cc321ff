package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"MAHA-Orchestrator/internal/config"
	xerrors "MAHA-Orchestrator/internal/errors"
)

func rpcServer(t *testing.T, chainID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		result := "0x1"
		if req.Method == "eth_chainId" {
			result = chainID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRegistryFromDefinitions(t *testing.T) {
	mainnet := rpcServer(t, "0x1")
	sepolia := rpcServer(t, "0xaa36a7")

	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := "default: sepolia\nchains:\n  mainnet:\n    rpc_url: " + mainnet.URL + "\n  sepolia:\n    rpc_url: " + sepolia.URL + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	reg, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, PrivateKeyEnv: "MAHA_TEST_UNSET_KEY"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	if got := reg.Chains(); len(got) != 2 || got[0] != "mainnet" {
		t.Fatalf("unexpected chains %v", got)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("DefaultClient: %v", err)
	}
	snap, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChainID != "0xaa36a7" {
		t.Fatalf("default chain should be sepolia, got %+v", snap)
	}
	snaps := reg.Snapshots(context.Background())
	if len(snaps) != 2 || snaps[0].Chain != "mainnet" || snaps[0].ChainID != "0x1" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
}

func TestNewRegistryFallsBackToRPCURL(t *testing.T) {
	node := rpcServer(t, "0x539")
	reg, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: node.URL})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()
	if got := reg.Chains(); len(got) != 1 || got[0] != "default" {
		t.Fatalf("unexpected chains %v", got)
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	_, err := NewRegistry(context.Background(), config.Web3Config{})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument without endpoints, got %v", err)
	}
}

func TestNewRegistryRejectsUnknownChainType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := "chains:\n  sol:\n    type: solana\n    rpc_url: http://127.0.0.1:1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	_, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for solana chain, got %v", err)
	}
	if coded, ok := xerrors.From(err); !ok || coded.Metadata()["type"] != "solana" {
		t.Fatalf("expected chain type in metadata, got %v", err)
	}
}
