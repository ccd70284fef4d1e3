package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Harvest 记录一次收益确认的结果。
type Harvest struct {
	Literal     *big.Int `json:"literal"`
	Previous    *big.Int `json:"previous"`
	Recognized  *big.Int `json:"recognized"`
	TotalAssets *big.Int `json:"total_assets"`
}

// ExecuteAIYieldStrategy 将托管账户中尚未确认的收益计入资产总量，仅 AI 代理可调用。
//
// A literal balance below the tracked total means assets left custody
// outside the vault's accounting. The call then fails with
// ErrAccountingInvariant and nothing is applied.
func (v *Vault) ExecuteAIYieldStrategy(ctx context.Context, caller common.Address) (Harvest, error) {
	var result Harvest
	err := v.run(ctx, "executeAIYieldStrategy", caller, func(tx *txn) error {
		if err := v.enter(caller, RoleAIAgent); err != nil {
			return err
		}
		literal, err := v.custody.literalBalance(tx.ctx)
		if err != nil {
			return err
		}
		tracked := v.custody.tracked()
		if literal.Cmp(tracked) < 0 {
			return invariantViolation("custody balance below tracked assets",
				"literal", literal.String(),
				"tracked", tracked.String())
		}
		delta := new(big.Int).Sub(literal, tracked)
		v.custody.setTracked(&tx.journal, new(big.Int).Set(literal))
		tx.emit(Event{Name: EventYieldHarvested, Sender: caller, Assets: cloneInt(delta)})
		result = Harvest{
			Literal:     literal,
			Previous:    tracked,
			Recognized:  delta,
			TotalAssets: cloneInt(literal),
		}
		return nil
	})
	if err != nil {
		return Harvest{}, err
	}
	return result, nil
}

// UnrecognizedYield 返回托管账户实际余额超出记账总量的部分。
func (v *Vault) UnrecognizedYield(ctx context.Context) (*big.Int, error) {
	defer v.view(ctx)()
	literal, err := v.custody.literalBalance(v.guard(ctx))
	if err != nil {
		return nil, err
	}
	tracked := v.custody.tracked()
	if literal.Cmp(tracked) < 0 {
		return nil, invariantViolation("custody balance below tracked assets",
			"literal", literal.String(),
			"tracked", tracked.String())
	}
	return literal.Sub(literal, tracked), nil
}
