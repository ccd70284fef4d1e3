package provider

import (
	"context"
	"sort"
	"strings"

	"Protego-Vault/internal/config"
	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/web3"
	"Protego-Vault/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	registry := &Registry{clients: make(map[string]*ethereum.Client)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			registry.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的链类型",
				xerrors.WithMetadata("chain", name), xerrors.WithMetadata("type", chain.Type))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			ChainID: chain.ChainID,
			RPCURL:  chain.RPCURL,
			WSURL:   chain.WSURL,
			Notes:   chain.Description,
		})
		if err != nil {
			registry.Close()
			return nil, err
		}
		registry.clients[name] = client
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(registry.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		registry.clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(registry.clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		defaultChain = registry.Chains()[0]
	}
	if _, ok := registry.clients[defaultChain]; !ok {
		registry.Close()
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "默认链未在配置中找到", xerrors.WithMetadata("chain", defaultChain))
	}
	registry.defaultChain = defaultChain
	return registry, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (*ethereum.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "默认链未在注册表中", xerrors.WithMetadata("chain", r.defaultChain))
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
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
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
