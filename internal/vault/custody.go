package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
)

// Asset is the external ERC-20 style collaborator that holds the vault's
// underlying tokens. Transfer and TransferFrom act on behalf of the vault's
// custody account. An implementation either applies a call completely or
// returns an error without side effects.
type Asset interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, payer, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	Decimals(ctx context.Context) (uint8, error)
}

// assetCustody keeps the tracked asset total. The tracked figure is
// deliberately separate from the literal token balance of the custody
// account; the difference is yield that has not been harvested yet.
type assetCustody struct {
	asset       Asset
	account     common.Address
	totalAssets *big.Int
}

func (c *assetCustody) tracked() *big.Int {
	return cloneInt(c.totalAssets)
}

func (c *assetCustody) setTracked(j *journal, value *big.Int) {
	j.append(totalAssetsChange{custody: c, prev: c.totalAssets})
	c.totalAssets = value
}

func (c *assetCustody) credit(j *journal, amount *big.Int) {
	c.setTracked(j, new(big.Int).Add(c.totalAssets, amount))
}

// debit lowers the tracked total. Yield surplus is not withdrawable until
// harvested, so the bound is the tracked figure.
func (c *assetCustody) debit(j *journal, amount *big.Int) error {
	if amount.Cmp(c.totalAssets) > 0 {
		return xerrors.New(CodeExceededMaxWithdraw, "amount exceeds tracked assets",
			xerrors.WithMetadata("tracked", c.totalAssets.String()),
			xerrors.WithMetadata("requested", amount.String()))
	}
	c.setTracked(j, new(big.Int).Sub(c.totalAssets, amount))
	return nil
}

// receiveFrom pulls amount from payer into the custody account.
func (c *assetCustody) receiveFrom(ctx context.Context, payer common.Address, amount *big.Int) error {
	if err := c.asset.TransferFrom(ctx, payer, c.account, new(big.Int).Set(amount)); err != nil {
		return collaboratorFailure("transferFrom", err)
	}
	return nil
}

// sendTo pushes amount from the custody account to recipient.
func (c *assetCustody) sendTo(ctx context.Context, recipient common.Address, amount *big.Int) error {
	if err := c.asset.Transfer(ctx, recipient, new(big.Int).Set(amount)); err != nil {
		return collaboratorFailure("transfer", err)
	}
	return nil
}

// literalBalance reads the custody account's actual token balance.
func (c *assetCustody) literalBalance(ctx context.Context) (*big.Int, error) {
	balance, err := c.asset.BalanceOf(ctx, c.account)
	if err != nil {
		return nil, collaboratorFailure("balanceOf", err)
	}
	if !validUint256(balance) {
		return nil, invariantViolation("asset reported an out of range balance", "balance", balance.String())
	}
	return balance, nil
}
