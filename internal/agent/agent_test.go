package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Protego-Vault/internal/asset"
	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/vault"
	"Protego-Vault/internal/web3"
)

var (
	custodian = common.HexToAddress("0x00000000000000000000000000000000000c0570")
	aiAgent   = common.HexToAddress("0x00000000000000000000000000000000000a6e47")
	account   = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

type stubChain struct {
	snapshot web3.ChainSnapshot
	err      error
}

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return s.snapshot, s.err
}

func newVault(t *testing.T) (*vault.Vault, *asset.MemoryToken) {
	t.Helper()
	token := asset.NewMemoryToken("USD Coin", "USDC", 6)
	v, err := vault.New(context.Background(), token.Account(account), vault.Params{
		Name:      "Protego USDC Vault",
		Symbol:    "pvUSDC",
		Account:   account,
		Custodian: custodian,
		AIAgent:   aiAgent,
	}, vault.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	require.NoError(t, token.Mint(alice, big.NewInt(1000)))
	require.NoError(t, token.Approve(alice, account, big.NewInt(1000)))
	_, err = v.Deposit(context.Background(), alice, big.NewInt(100), alice)
	require.NoError(t, err)
	return v, token
}

func TestAgentExecuteHarvestsSurplus(t *testing.T) {
	v, token := newVault(t)
	require.NoError(t, token.Mint(account, big.NewInt(25)))

	chain := &stubChain{snapshot: web3.ChainSnapshot{ChainID: "1", BlockNumber: "19000000"}}
	ag := New(v, aiAgent, WithChainReader(chain), WithMinSurplus(big.NewInt(10)))

	result, err := ag.Execute(context.Background(), HarvestRequest{ID: "job-1", Reason: "scheduled"})
	require.NoError(t, err)
	assert.True(t, result.Executed)
	assert.Equal(t, "job-1", result.ID)
	assert.Equal(t, "25", result.Surplus)
	assert.Equal(t, "25", result.Recognized)
	assert.Equal(t, "125", result.TotalAssets)
	assert.Equal(t, "1", result.ChainID)
	assert.Equal(t, "19000000", result.BlockNumber)
	assert.Equal(t, "125", v.TotalAssets(context.Background()).String())
}

func TestAgentExecuteSkipsBelowThreshold(t *testing.T) {
	v, token := newVault(t)
	require.NoError(t, token.Mint(account, big.NewInt(5)))

	ag := New(v, aiAgent, WithMinSurplus(big.NewInt(10)))
	result, err := ag.Execute(context.Background(), HarvestRequest{Reason: "scheduled"})
	require.NoError(t, err)
	assert.False(t, result.Executed)
	assert.Equal(t, "5", result.Surplus)
	assert.Equal(t, "0", result.Recognized)
	assert.Equal(t, "100", result.TotalAssets)
	assert.Contains(t, result.Note, "below threshold")

	forced, err := ag.Execute(context.Background(), HarvestRequest{Reason: "manual", Force: true})
	require.NoError(t, err)
	assert.True(t, forced.Executed)
	assert.Equal(t, "5", forced.Recognized)
	assert.Equal(t, "105", forced.TotalAssets)
}

func TestAgentExecuteZeroSurplusIsSkipped(t *testing.T) {
	v, _ := newVault(t)
	ag := New(v, aiAgent)

	result, err := ag.Execute(context.Background(), HarvestRequest{})
	require.NoError(t, err)
	assert.False(t, result.Executed)
	assert.Equal(t, "0", result.Surplus)
}

func TestAgentExecutePropagatesVaultErrors(t *testing.T) {
	v, token := newVault(t)
	require.NoError(t, token.Mint(account, big.NewInt(5)))

	stranger := New(v, alice)
	_, err := stranger.Execute(context.Background(), HarvestRequest{Force: true})
	require.ErrorIs(t, err, vault.ErrUnauthorized)

	require.NoError(t, v.Pause(context.Background(), custodian))
	ag := New(v, aiAgent)
	_, err = ag.Execute(context.Background(), HarvestRequest{Force: true})
	require.ErrorIs(t, err, vault.ErrVaultPaused)
	assert.Equal(t, "100", v.TotalAssets(context.Background()).String())
}

func TestAgentExecuteInvariantViolation(t *testing.T) {
	v, token := newVault(t)
	require.NoError(t, token.Burn(account, big.NewInt(1)))

	ag := New(v, aiAgent)
	_, err := ag.Execute(context.Background(), HarvestRequest{Force: true})
	require.ErrorIs(t, err, vault.ErrAccountingInvariant)
	assert.True(t, xerrors.ShouldAlert(err))
}

func TestAgentExecuteTimeout(t *testing.T) {
	v, _ := newVault(t)
	slow := StrategyFunc(func(ctx context.Context, _ Observation) (Decision, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return Decision{Harvest: true}, nil
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	})
	ag := New(v, aiAgent, WithStrategy(slow), WithTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), HarvestRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestAgentExecuteStrategyFailure(t *testing.T) {
	v, _ := newVault(t)
	broken := StrategyFunc(func(context.Context, Observation) (Decision, error) {
		return Decision{}, errors.New("model unavailable")
	})
	ag := New(v, aiAgent, WithStrategy(broken))

	_, err := ag.Execute(context.Background(), HarvestRequest{})
	require.Error(t, err)
	assert.Equal(t, CodeStrategyFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
}

func TestAgentChainFailureIsNoted(t *testing.T) {
	v, _ := newVault(t)
	ag := New(v, aiAgent, WithChainReader(&stubChain{err: errors.New("rpc down")}))

	result, err := ag.Execute(context.Background(), HarvestRequest{})
	require.NoError(t, err)
	assert.Contains(t, result.Note, "rpc down")
	assert.Empty(t, result.ChainID)
}

func TestAgentListHistory(t *testing.T) {
	v, _ := newVault(t)
	ag := New(v, aiAgent, WithHistoryDepth(2))

	for _, id := range []string{"a", "b", "c"} {
		_, err := ag.Execute(context.Background(), HarvestRequest{ID: id})
		require.NoError(t, err)
	}

	history, err := ag.ListHistory(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c", history[0].ID)
	assert.Equal(t, "b", history[1].ID)

	latest, err := ag.ListHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "c", latest[0].ID)
}

func TestAgentRequiresIdentity(t *testing.T) {
	v, _ := newVault(t)
	_, err := New(v, common.Address{}).Execute(context.Background(), HarvestRequest{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
