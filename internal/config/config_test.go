package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"vault": {
			"account": "0x000000000000000000000000000000000000fa17",
			"custodian": "0x00000000000000000000000000000000000c0570",
			"ai_agent": "0x00000000000000000000000000000000000a6e47",
			"seed_balances": {"0x00000000000000000000000000000000000a11ce": "1000"}
		},
		"web3": {"chain_config": "chains.yaml"},
		"logging": {"audit": {"enabled": true, "path": "logs/audit.log"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "logs/audit.log"), cfg.Logging.Audit.Path)
	assert.Equal(t, AssetDriverMemory, cfg.Vault.AssetDriver)
	assert.Equal(t, filepath.Join(dir, "chains.yaml"), cfg.Web3.ChainConfig)
	assert.Equal(t, "VAULT_PRIVATE_KEY", cfg.Web3.PrivateKeyEnv)
	assert.Equal(t, time.Minute, cfg.Web3.ReceiptTimeout())
	assert.Equal(t, JournalDriverFile, cfg.Storage.Journal.Driver)
	assert.Equal(t, DriverMemory, cfg.Events.Driver)
	assert.Equal(t, DriverMemory, cfg.Harvest.Queue)
	assert.Equal(t, 3, cfg.Harvest.MaxRetries)
	assert.Equal(t, time.Duration(0), cfg.Harvest.Interval())
	assert.Equal(t, 0, cfg.Harvest.MinSurplusAmount().Cmp(big.NewInt(1)))
	assert.Equal(t, AdvisorNone, cfg.Harvest.Advisor.Provider)
	assert.Empty(t, cfg.Harvest.Advisor.APIKeyEnv)
	assert.Equal(t, "apikey", cfg.Auth.Mode)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)

	seeds := cfg.Vault.SeedAmounts()
	require.Len(t, seeds, 1)
	assert.Equal(t, "1000", seeds[common.HexToAddress("0x00000000000000000000000000000000000a11ce")].String())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"vault": {
			"account": "not-an-address",
			"custodian": "0x00000000000000000000000000000000000c0570",
			"ai_agent": "0x00000000000000000000000000000000000a6e47",
			"asset_driver": "evm"
		},
		"storage": {"journal": {"driver": "mysql"}},
		"harvest": {"queue": "kafka", "min_surplus": "-5", "store": "mysql", "advisor": {"provider": "bard"}}
	}`)

	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "vault.account")
	assert.Contains(t, msg, "vault.asset_address")
	assert.Contains(t, msg, "storage.journal.dsn")
	assert.Contains(t, msg, "kafka")
	assert.Contains(t, msg, "harvest.min_surplus")
	assert.Contains(t, msg, "bard")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
