package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Protego-Vault/internal/config"
	xerrors "Protego-Vault/internal/errors"
)

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// HTTP endpoints are dialled lazily, so no node needs to be listening.
func TestRegistryLoadsDefinitions(t *testing.T) {
	path := writeChains(t, `
chains:
  sepolia:
    chain_id: 11155111
    rpc_url: http://127.0.0.1:18545
    description: testnet
  local:
    rpc_url: http://127.0.0.1:8545
`)
	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "sepolia"})
	require.NoError(t, err)
	defer registry.Close()

	assert.Equal(t, []string{"local", "sepolia"}, registry.Chains())
	assert.Equal(t, "sepolia", registry.DefaultChain())
	client, err := registry.DefaultClient()
	require.NoError(t, err)
	assert.Equal(t, "sepolia", client.Name())
	assert.NotNil(t, client.Backend())

	_, ok := registry.Client("mainnet")
	assert.False(t, ok)
}

func TestRegistryFallsBackToRPCURL(t *testing.T) {
	registry, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:8545"})
	require.NoError(t, err)
	defer registry.Close()
	assert.Equal(t, "default", registry.DefaultChain())
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	_, err := NewRegistry(context.Background(), config.Web3Config{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	path := writeChains(t, "chains:\n  tron:\n    type: tvm\n    rpc_url: http://127.0.0.1:8090\n")
	_, err = NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	path = writeChains(t, "chains:\n  local:\n    rpc_url: http://127.0.0.1:8545\n")
	_, err = NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "mainnet"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	path = writeChains(t, "chains:\n  broken:\n    description: no endpoint\n")
	_, err = NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
