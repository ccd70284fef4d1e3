package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
)

// Snapshot 是金库聚合状态的深拷贝，可用于持久化与恢复。
type Snapshot struct {
	TotalShares *big.Int                                       `json:"total_shares"`
	TotalAssets *big.Int                                       `json:"total_assets"`
	Custodian   common.Address                                 `json:"custodian"`
	AIAgent     common.Address                                 `json:"ai_agent"`
	State       State                                          `json:"state"`
	Balances    map[common.Address]*big.Int                    `json:"balances"`
	Allowances  map[common.Address]map[common.Address]*big.Int `json:"allowances"`
	Seq         uint64                                         `json:"seq"`
}

// Snapshot 返回当前状态的深拷贝。
func (v *Vault) Snapshot(ctx context.Context) *Snapshot {
	defer v.view(ctx)()
	return v.snapshot()
}

func (v *Vault) snapshot() *Snapshot {
	s := &Snapshot{
		TotalShares: v.ledger.supply(),
		TotalAssets: v.custody.tracked(),
		Custodian:   v.gate.custodian,
		AIAgent:     v.gate.aiAgent,
		State:       v.pause.state,
		Balances:    make(map[common.Address]*big.Int, len(v.ledger.balances)),
		Allowances:  make(map[common.Address]map[common.Address]*big.Int, len(v.ledger.allowances)),
		Seq:         v.seq,
	}
	for holder, balance := range v.ledger.balances {
		if balance.Sign() > 0 {
			s.Balances[holder] = cloneInt(balance)
		}
	}
	for owner, spenders := range v.ledger.allowances {
		copied := make(map[common.Address]*big.Int, len(spenders))
		for spender, amount := range spenders {
			if amount.Sign() > 0 {
				copied[spender] = cloneInt(amount)
			}
		}
		if len(copied) > 0 {
			s.Allowances[owner] = copied
		}
	}
	return s
}

// restore loads a snapshot into a freshly constructed vault.
func (v *Vault) restore(s *Snapshot) error {
	if !validUint256(s.TotalShares) || !validUint256(s.TotalAssets) {
		return invariantViolation("snapshot totals out of range")
	}
	if s.Custodian == zeroAddress || s.AIAgent == zeroAddress {
		return xerrors.New(xerrors.CodeInvalidArgument, "snapshot is missing role holders")
	}
	if !s.State.IsValid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "snapshot has unknown state",
			xerrors.WithMetadata("state", string(s.State)))
	}

	ledger := newShareLedger()
	for holder, balance := range s.Balances {
		if !validUint256(balance) {
			return invariantViolation("snapshot balance out of range", "holder", holder.Hex())
		}
		ledger.balances[holder] = cloneInt(balance)
	}
	for owner, spenders := range s.Allowances {
		copied := make(map[common.Address]*big.Int, len(spenders))
		for spender, amount := range spenders {
			if !validUint256(amount) {
				return invalidAmount("allowance")
			}
			copied[spender] = cloneInt(amount)
		}
		ledger.allowances[owner] = copied
	}
	ledger.totalShares = cloneInt(s.TotalShares)
	if sum := ledger.sum(); sum.Cmp(ledger.totalShares) != 0 {
		return invariantViolation("snapshot share supply does not match balances",
			"total_shares", ledger.totalShares.String(),
			"sum", sum.String())
	}

	v.ledger = ledger
	v.custody.totalAssets = cloneInt(s.TotalAssets)
	v.gate.custodian = s.Custodian
	v.gate.aiAgent = s.AIAgent
	v.pause.state = s.State
	v.seq = s.Seq
	return v.checkRate()
}

// CheckInvariants 校验份额总量与余额之和一致，且托管余额不低于记账总量。
func (v *Vault) CheckInvariants(ctx context.Context) error {
	defer v.view(ctx)()
	if sum := v.ledger.sum(); sum.Cmp(v.ledger.totalShares) != 0 {
		return invariantViolation("share supply does not match balances",
			"total_shares", v.ledger.totalShares.String(),
			"sum", sum.String())
	}
	if err := v.checkRate(); err != nil {
		return err
	}
	literal, err := v.custody.literalBalance(v.guard(ctx))
	if err != nil {
		return err
	}
	if literal.Cmp(v.custody.totalAssets) < 0 {
		return invariantViolation("custody balance below tracked assets",
			"literal", literal.String(),
			"tracked", v.custody.totalAssets.String())
	}
	return nil
}
