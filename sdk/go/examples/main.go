// Command examples walks through a deposit, a harvest and a redeem against a
// running vaultd started with configs/vaultd.json.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"Protego-Vault/sdk/go/vaultclient"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	baseURL := env("VAULT_URL", "http://localhost:8080")
	alice := "0x00000000000000000000000000000000000a11ce"

	holder, err := vaultclient.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	holder.SetAPIKey(env("VAULT_HOLDER_KEY", "change-me-alice"))

	agent, err := vaultclient.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	agent.SetAPIKey(env("VAULT_AGENT_KEY", "change-me-agent"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := holder.Info(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("vault %s (%s) state=%s total_assets=%s\n", info.Name, info.Symbol, info.State, info.TotalAssets)

	deposit, err := holder.Deposit(ctx, big.NewInt(1_000_000), "")
	if err != nil {
		panic(err)
	}
	fmt.Printf("deposited %s assets for %s shares\n", deposit.Assets, deposit.Shares)

	job, err := agent.SubmitHarvest(ctx, vaultclient.HarvestSubmission{Reason: "sdk example"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("queued harvest job %s (status=%s)\n", job.ID, job.Status)

	shares, err := holder.BalanceOf(ctx, alice)
	if err != nil {
		panic(err)
	}
	redeem, err := holder.Redeem(ctx, shares, "", "")
	var apiErr *vaultclient.APIError
	if errors.As(err, &apiErr) {
		fmt.Printf("redeem rejected: %s\n", apiErr.Code)
		return
	}
	if err != nil {
		panic(err)
	}
	fmt.Printf("redeemed %s shares for %s assets\n", redeem.Shares, redeem.Assets)
}
