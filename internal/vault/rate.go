package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// checkRate guards the conversions against the one unreachable shape of
// the aggregate: outstanding shares with nothing backing them.
func (v *Vault) checkRate() error {
	if v.ledger.totalShares.Sign() > 0 && v.custody.totalAssets.Sign() == 0 {
		return invariantViolation("shares outstanding with zero tracked assets",
			"total_shares", v.ledger.totalShares.String())
	}
	return nil
}

// convertToShares prices assets in shares. An empty vault uses the 1:1
// bootstrap rate.
func (v *Vault) convertToShares(assets *big.Int, rounding Rounding) (*big.Int, error) {
	if err := v.checkRate(); err != nil {
		return nil, err
	}
	if v.ledger.totalShares.Sign() == 0 {
		return new(big.Int).Set(assets), nil
	}
	return mulDiv(assets, v.ledger.totalShares, v.custody.totalAssets, rounding), nil
}

// convertToAssets prices shares in assets. An empty vault uses the 1:1
// bootstrap rate.
func (v *Vault) convertToAssets(shares *big.Int, rounding Rounding) (*big.Int, error) {
	if err := v.checkRate(); err != nil {
		return nil, err
	}
	if v.ledger.totalShares.Sign() == 0 {
		return new(big.Int).Set(shares), nil
	}
	return mulDiv(shares, v.custody.totalAssets, v.ledger.totalShares, rounding), nil
}

func (v *Vault) maxWithdraw(owner common.Address) (*big.Int, error) {
	return v.convertToAssets(v.ledger.balanceOf(owner), Floor)
}
