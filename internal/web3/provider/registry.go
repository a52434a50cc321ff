package provider

import (
	"context"
	"os"
	"sort"
	"strings"

	"MAHA-Orchestrator/internal/config"
	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/web3"
	"MAHA-Orchestrator/internal/web3/ethereum"
)

// Registry manages the chain clients used for reputation reporting, keyed by
// chain name.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients. The
// signing key is read from the environment variable named by cfg.PrivateKeyEnv.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	key := os.Getenv(cfg.PrivateKeyEnv)

	r := &Registry{defaultChain: cfg.DefaultChain, clients: make(map[string]web3.Client)}
	if r.defaultChain == "" {
		r.defaultChain = defs.Default
	}
	for _, name := range sortedNames(defs.Chains) {
		chain := defs.Chains[name]
		if kind := strings.ToLower(strings.TrimSpace(chain.Type)); kind != "" && kind != "evm" {
			r.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的链类型",
				xerrors.WithMetadata("chain", name), xerrors.WithMetadata("type", chain.Type))
		}
		if err := r.dial(ctx, ethereum.Config{
			Name:               name,
			RPCURL:             chain.RPCURL,
			Notes:              chain.Description,
			ReputationContract: chain.ReputationContract,
			PrivateKeyHex:      key,
			GasLimit:           chain.GasLimit,
		}); err != nil {
			r.Close()
			return nil, err
		}
	}

	// 未提供链定义文件时回退到单个 rpc_url。
	if len(r.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		if err := r.dial(ctx, ethereum.Config{
			Name:               "default",
			RPCURL:             cfg.RPCURL,
			ReputationContract: cfg.ReputationContract,
			PrivateKeyHex:      key,
		}); err != nil {
			return nil, err
		}
		r.defaultChain = "default"
	}
	if len(r.clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置任何链的 RPC 端点")
	}

	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[r.defaultChain]; !ok {
		r.Close()
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "默认链未在配置中找到",
			xerrors.WithMetadata("chain", r.defaultChain))
	}
	return r, nil
}

func (r *Registry) dial(ctx context.Context, cfg ethereum.Config) error {
	client, err := ethereum.NewClient(ctx, cfg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "初始化链客户端失败",
			xerrors.WithMetadata("chain", cfg.Name))
	}
	r.clients[cfg.Name] = client
	return nil
}

// NewStaticRegistry wraps already constructed clients.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) *Registry {
	return &Registry{defaultChain: defaultChain, clients: clients}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeUnknown, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "默认链未在注册表中",
			xerrors.WithMetadata("chain", r.defaultChain))
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Snapshots collects a snapshot from every chain; failures are reported per
// chain in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	out := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, name := range r.Chains() {
		snap, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Chain: name, Notes: err.Error()}
		}
		if snap.Chain == "" {
			snap.Chain = name
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
