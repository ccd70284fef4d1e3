package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

// Rounding 指定整数除法的取整方向。
type Rounding int

const (
	Floor Rounding = iota
	Ceil
)

// Unlimited 是无限额度的哨兵值 (2^256-1)。
var Unlimited = new(big.Int).Set(math.MaxBig256)

// IsUnlimited 报告额度是否为无限哨兵值。
func IsUnlimited(amount *big.Int) bool {
	return amount != nil && amount.Cmp(math.MaxBig256) == 0
}

// validUint256 reports whether amount fits the unsigned 256-bit range.
func validUint256(amount *big.Int) bool {
	return amount != nil && amount.Sign() >= 0 && amount.Cmp(math.MaxBig256) <= 0
}

// requirePositive rejects nil, zero, negative and out of range amounts.
func requirePositive(field string, amount *big.Int) error {
	if !validUint256(amount) || amount.Sign() == 0 {
		return invalidAmount(field)
	}
	return nil
}

// mulDiv returns x*y/d rounded in the requested direction. d must be non-zero.
func mulDiv(x, y, d *big.Int, rounding Rounding) *big.Int {
	product := new(big.Int).Mul(x, y)
	quo, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rounding == Ceil && rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
