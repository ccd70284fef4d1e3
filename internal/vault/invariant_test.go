package vault

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomOperationsKeepInvariants(t *testing.T) {
	f := newFixture(t)
	holders := []common.Address{alice, bob, carol}
	for _, h := range holders {
		f.fund(t, h, 1_000_000)
	}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 600; i++ {
		caller := holders[rng.Intn(len(holders))]
		other := holders[rng.Intn(len(holders))]
		amount := big.NewInt(rng.Int63n(5_000) + 1)

		switch rng.Intn(7) {
		case 0:
			_, _ = f.vault.Deposit(f.ctx, caller, amount, other)
		case 1:
			_, _ = f.vault.Mint(f.ctx, caller, amount, other)
		case 2:
			_, _ = f.vault.Withdraw(f.ctx, caller, amount, other, caller)
		case 3:
			_, _ = f.vault.Redeem(f.ctx, caller, amount, other, caller)
		case 4:
			_ = f.vault.Transfer(f.ctx, caller, other, amount)
		case 5:
			require.NoError(t, f.token.Mint(account, big.NewInt(rng.Int63n(300))))
			_, err := f.vault.ExecuteAIYieldStrategy(f.ctx, agent)
			require.NoError(t, err)
		case 6:
			_ = f.vault.Approve(f.ctx, caller, other, amount)
			_ = f.vault.TransferFrom(f.ctx, other, caller, other, amount)
		}

		require.NoError(t, f.vault.CheckInvariants(f.ctx), "step %d", i)
		assert.Equal(t, 0, f.vault.ledger.sum().Cmp(f.vault.TotalSupply(f.ctx)), "step %d", i)
		assert.LessOrEqual(t, f.vault.TotalAssets(f.ctx).Cmp(f.token.Balance(account)), 0, "step %d", i)
	}
}

func TestRoundTripNeverExceedsInput(t *testing.T) {
	states := []struct {
		deposit int64
		yield   int64
	}{
		{0, 0},
		{100, 0},
		{100, 10},
		{3, 7},
		{997, 13},
		{1_000_000, 333_333},
	}
	for _, st := range states {
		f := newFixture(t)
		if st.deposit > 0 {
			f.deposit(t, alice, st.deposit)
			if st.yield > 0 {
				f.accrue(t, st.yield)
			}
		}
		for x := int64(1); x <= 250; x++ {
			assets := big.NewInt(x)
			shares, err := f.vault.ConvertToShares(f.ctx, assets)
			require.NoError(t, err)
			back, err := f.vault.ConvertToAssets(f.ctx, shares)
			require.NoError(t, err)
			require.LessOrEqual(t, back.Cmp(assets), 0, "deposit=%d yield=%d x=%d", st.deposit, st.yield, x)

			// paying for x shares never costs less than redeeming them returns
			cost, err := f.vault.PreviewMint(f.ctx, assets)
			require.NoError(t, err)
			proceeds, err := f.vault.PreviewRedeem(f.ctx, assets)
			require.NoError(t, err)
			require.GreaterOrEqual(t, cost.Cmp(proceeds), 0)
		}
	}
}

func TestDepositThenRedeemNeverProfits(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000)
	f.accrue(t, 333)

	for _, amount := range []int64{1, 2, 7, 100, 999} {
		f.fund(t, bob, amount)
		before := f.token.Balance(bob)
		shares, err := f.vault.Deposit(f.ctx, bob, big.NewInt(amount), bob)
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidAmount)
			continue
		}
		_, err = f.vault.Redeem(f.ctx, bob, shares, bob, bob)
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidAmount)
		}
		assert.LessOrEqual(t, f.token.Balance(bob).Cmp(before), 0, "amount %d", amount)
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 100)
	f.deposit(t, bob, 40)
	f.accrue(t, 14)
	require.NoError(t, f.vault.Approve(f.ctx, alice, carol, big.NewInt(9)))
	require.NoError(t, f.vault.Pause(f.ctx, custodian))
	snap := f.vault.Snapshot(f.ctx)

	restored, err := New(f.ctx, f.token.Account(account), Params{
		Account:   account,
		Custodian: common.HexToAddress("0x01"),
		AIAgent:   common.HexToAddress("0x02"),
	}, WithSnapshot(snap), WithLogger(quietLogger()))
	require.NoError(t, err)

	assertAmount(t, 154, restored.TotalAssets(f.ctx))
	assertAmount(t, 140, restored.TotalSupply(f.ctx))
	assertAmount(t, 40, restored.BalanceOf(f.ctx, bob))
	assertAmount(t, 9, restored.Allowance(f.ctx, alice, carol))
	assert.Equal(t, custodian, restored.Custodian(f.ctx))
	assert.Equal(t, agent, restored.AIAgent(f.ctx))
	assert.True(t, restored.Paused(f.ctx))
	assert.Equal(t, snap.Seq, restored.Snapshot(f.ctx).Seq)
	require.NoError(t, restored.CheckInvariants(f.ctx))

	// the copy is detached from the live aggregate
	snap.Balances[alice].SetInt64(1)
	assertAmount(t, 100, f.vault.BalanceOf(f.ctx, alice))
}

func TestSnapshotRestoreRejectsInconsistentSupply(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 100)
	snap := f.vault.Snapshot(f.ctx)
	snap.TotalShares = big.NewInt(101)

	_, err := New(f.ctx, f.token.Account(account), Params{
		Account:   account,
		Custodian: custodian,
		AIAgent:   agent,
	}, WithSnapshot(snap), WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrAccountingInvariant)

	snap = f.vault.Snapshot(f.ctx)
	snap.TotalAssets = big.NewInt(0)
	_, err = New(f.ctx, f.token.Account(account), Params{
		Account:   account,
		Custodian: custodian,
		AIAgent:   agent,
	}, WithSnapshot(snap), WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrAccountingInvariant)
}

func TestJournalRevertRestoresMissingEntries(t *testing.T) {
	l := newShareLedger()
	var j journal
	require.NoError(t, l.mint(&j, alice, big.NewInt(5)))
	require.NoError(t, l.approve(&j, alice, bob, big.NewInt(3)))
	assert.Equal(t, 3, j.length())

	j.revert()
	assert.Empty(t, l.balances)
	assert.Empty(t, l.allowances)
	assertAmount(t, 0, l.supply())
	assert.Equal(t, 0, j.length())
}

func TestMulDivRounding(t *testing.T) {
	assertAmount(t, 3, mulDiv(big.NewInt(10), big.NewInt(1), big.NewInt(3), Floor))
	assertAmount(t, 4, mulDiv(big.NewInt(10), big.NewInt(1), big.NewInt(3), Ceil))
	assertAmount(t, 5, mulDiv(big.NewInt(10), big.NewInt(1), big.NewInt(2), Ceil))
	huge := mulDiv(Unlimited, Unlimited, Unlimited, Floor)
	assert.Equal(t, 0, huge.Cmp(Unlimited))
}
