package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
)

var zeroAddress common.Address

func requireRecipient(field string, addr common.Address) error {
	if addr == zeroAddress {
		return xerrors.New(xerrors.CodeInvalidArgument, field+" cannot be the zero address")
	}
	return nil
}

// mintShares credits shares and records the share-token Transfer event.
func (v *Vault) mintShares(tx *txn, receiver common.Address, shares *big.Int) error {
	if err := v.ledger.mint(&tx.journal, receiver, shares); err != nil {
		return err
	}
	tx.emit(Event{Name: EventTransfer, Sender: zeroAddress, Receiver: receiver, Shares: cloneInt(shares)})
	return nil
}

// burnShares debits shares and records the share-token Transfer event.
func (v *Vault) burnShares(tx *txn, owner common.Address, shares *big.Int) error {
	if err := v.ledger.burn(&tx.journal, owner, shares); err != nil {
		return err
	}
	tx.emit(Event{Name: EventTransfer, Sender: owner, Receiver: zeroAddress, Shares: cloneInt(shares)})
	return nil
}

// enter applies the role and pause gates shared by every value-moving call.
func (v *Vault) enter(caller common.Address, role Role) error {
	if err := v.gate.require(caller, role); err != nil {
		return err
	}
	return v.pause.requireActive()
}

// Deposit 存入 assets 并向 receiver 铸造份额，返回铸造的份额数。
func (v *Vault) Deposit(ctx context.Context, caller common.Address, assets *big.Int, receiver common.Address) (*big.Int, error) {
	var shares *big.Int
	err := v.run(ctx, "deposit", caller, func(tx *txn) error {
		if err := v.enter(caller, RolePublic); err != nil {
			return err
		}
		if err := requirePositive("assets", assets); err != nil {
			return err
		}
		if err := requireRecipient("receiver", receiver); err != nil {
			return err
		}
		var err error
		if shares, err = v.convertToShares(assets, Floor); err != nil {
			return err
		}
		if shares.Sign() == 0 {
			return invalidAmount("shares")
		}
		if err := v.mintShares(tx, receiver, shares); err != nil {
			return err
		}
		v.custody.credit(&tx.journal, assets)
		tx.emit(Event{Name: EventDeposit, Sender: caller, Receiver: receiver, Assets: cloneInt(assets), Shares: cloneInt(shares)})
		return v.custody.receiveFrom(tx.ctx, caller, assets)
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint 向 receiver 铸造 shares 份额，返回调用方支付的资产数。
func (v *Vault) Mint(ctx context.Context, caller common.Address, shares *big.Int, receiver common.Address) (*big.Int, error) {
	var assets *big.Int
	err := v.run(ctx, "mint", caller, func(tx *txn) error {
		if err := v.enter(caller, RolePublic); err != nil {
			return err
		}
		if err := requirePositive("shares", shares); err != nil {
			return err
		}
		if err := requireRecipient("receiver", receiver); err != nil {
			return err
		}
		var err error
		if assets, err = v.convertToAssets(shares, Ceil); err != nil {
			return err
		}
		if err := v.mintShares(tx, receiver, shares); err != nil {
			return err
		}
		v.custody.credit(&tx.journal, assets)
		tx.emit(Event{Name: EventDeposit, Sender: caller, Receiver: receiver, Assets: cloneInt(assets), Shares: cloneInt(shares)})
		return v.custody.receiveFrom(tx.ctx, caller, assets)
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// Withdraw 从 owner 提取 assets 资产给 receiver，返回销毁的份额数。
func (v *Vault) Withdraw(ctx context.Context, caller common.Address, assets *big.Int, receiver, owner common.Address) (*big.Int, error) {
	var shares *big.Int
	err := v.run(ctx, "withdraw", caller, func(tx *txn) error {
		if err := v.enter(caller, RolePublic); err != nil {
			return err
		}
		if err := requirePositive("assets", assets); err != nil {
			return err
		}
		if err := requireRecipient("receiver", receiver); err != nil {
			return err
		}
		limit, err := v.maxWithdraw(owner)
		if err != nil {
			return err
		}
		if assets.Cmp(limit) > 0 {
			return xerrors.New(CodeExceededMaxWithdraw, "withdraw exceeds owner's convertible assets",
				xerrors.WithMetadata("owner", owner.Hex()),
				xerrors.WithMetadata("max", limit.String()),
				xerrors.WithMetadata("requested", assets.String()))
		}
		if shares, err = v.convertToShares(assets, Ceil); err != nil {
			return err
		}
		return v.payout(tx, receiver, owner, assets, shares)
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem 赎回 owner 的 shares 份额并将资产发送给 receiver，返回发送的资产数。
func (v *Vault) Redeem(ctx context.Context, caller common.Address, shares *big.Int, receiver, owner common.Address) (*big.Int, error) {
	var assets *big.Int
	err := v.run(ctx, "redeem", caller, func(tx *txn) error {
		if err := v.enter(caller, RolePublic); err != nil {
			return err
		}
		if err := requirePositive("shares", shares); err != nil {
			return err
		}
		if err := requireRecipient("receiver", receiver); err != nil {
			return err
		}
		if balance := v.ledger.balanceOf(owner); shares.Cmp(balance) > 0 {
			return xerrors.New(CodeExceededBalance, "redeem exceeds owner's share balance",
				xerrors.WithMetadata("owner", owner.Hex()),
				xerrors.WithMetadata("balance", balance.String()),
				xerrors.WithMetadata("requested", shares.String()))
		}
		var err error
		if assets, err = v.convertToAssets(shares, Floor); err != nil {
			return err
		}
		if assets.Sign() == 0 {
			return invalidAmount("assets")
		}
		return v.payout(tx, receiver, owner, assets, shares)
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// payout is the shared tail of withdraw and redeem. The asset transfer is
// issued last, after every internal figure holds its final value.
func (v *Vault) payout(tx *txn, receiver, owner common.Address, assets, shares *big.Int) error {
	if err := v.ledger.spendAllowance(&tx.journal, owner, tx.caller, shares); err != nil {
		return err
	}
	if err := v.burnShares(tx, owner, shares); err != nil {
		return err
	}
	if err := v.custody.debit(&tx.journal, assets); err != nil {
		return err
	}
	tx.emit(Event{
		Name:     EventWithdraw,
		Sender:   tx.caller,
		Receiver: receiver,
		Owner:    owner,
		Assets:   cloneInt(assets),
		Shares:   cloneInt(shares),
	})
	return v.custody.sendTo(tx.ctx, receiver, assets)
}

// Transfer 将调用方的 shares 份额转给 to。
func (v *Vault) Transfer(ctx context.Context, caller, to common.Address, shares *big.Int) error {
	return v.run(ctx, "transfer", caller, func(tx *txn) error {
		if err := v.enter(caller, RolePublic); err != nil {
			return err
		}
		if err := v.ledger.move(&tx.journal, caller, to, shares); err != nil {
			return err
		}
		tx.emit(Event{Name: EventTransfer, Sender: caller, Receiver: to, Shares: cloneInt(shares)})
		return nil
	})
}

// TransferFrom 使用额度将 from 的 shares 份额转给 to。
func (v *Vault) TransferFrom(ctx context.Context, caller, from, to common.Address, shares *big.Int) error {
	return v.run(ctx, "transferFrom", caller, func(tx *txn) error {
		if err := v.enter(caller, RolePublic); err != nil {
			return err
		}
		if err := requirePositive("shares", shares); err != nil {
			return err
		}
		if err := v.ledger.spendAllowance(&tx.journal, from, caller, shares); err != nil {
			return err
		}
		if err := v.ledger.move(&tx.journal, from, to, shares); err != nil {
			return err
		}
		tx.emit(Event{Name: EventTransfer, Sender: from, Receiver: to, Shares: cloneInt(shares)})
		return nil
	})
}

// Approve 设置 spender 可动用调用方份额的额度，Unlimited 表示无限额度。
func (v *Vault) Approve(ctx context.Context, caller, spender common.Address, shares *big.Int) error {
	return v.run(ctx, "approve", caller, func(tx *txn) error {
		if err := v.ledger.approve(&tx.journal, caller, spender, shares); err != nil {
			return err
		}
		tx.emit(Event{Name: EventApproval, Owner: caller, Spender: spender, Shares: cloneInt(shares)})
		return nil
	})
}

// Pause 暂停所有资金类操作，仅托管人可调用。
func (v *Vault) Pause(ctx context.Context, caller common.Address) error {
	return v.run(ctx, "pause", caller, func(tx *txn) error {
		if err := v.gate.require(caller, RoleCustodian); err != nil {
			return err
		}
		if err := v.pause.transition(&tx.journal, StateActive, StatePaused); err != nil {
			return err
		}
		tx.emit(Event{Name: EventPaused, Sender: caller})
		return nil
	})
}

// Unpause 恢复资金类操作，仅托管人可调用。
func (v *Vault) Unpause(ctx context.Context, caller common.Address) error {
	return v.run(ctx, "unpause", caller, func(tx *txn) error {
		if err := v.gate.require(caller, RoleCustodian); err != nil {
			return err
		}
		if err := v.pause.transition(&tx.journal, StatePaused, StateActive); err != nil {
			return err
		}
		tx.emit(Event{Name: EventUnpaused, Sender: caller})
		return nil
	})
}

// UpdateAIAgent 替换 AI 代理身份，仅托管人可调用。
func (v *Vault) UpdateAIAgent(ctx context.Context, caller, next common.Address) error {
	return v.run(ctx, "updateAIAgent", caller, func(tx *txn) error {
		if err := v.gate.require(caller, RoleCustodian); err != nil {
			return err
		}
		prev, err := v.gate.setAIAgent(&tx.journal, next)
		if err != nil {
			return err
		}
		tx.emit(Event{Name: EventAIAgentUpdated, Previous: prev, Current: next})
		return nil
	})
}

// UpdateCustodian 移交托管人身份，仅当前托管人可调用。
func (v *Vault) UpdateCustodian(ctx context.Context, caller, next common.Address) error {
	return v.run(ctx, "updateCustodian", caller, func(tx *txn) error {
		if err := v.gate.require(caller, RoleCustodian); err != nil {
			return err
		}
		prev, err := v.gate.setCustodian(&tx.journal, next)
		if err != nil {
			return err
		}
		tx.emit(Event{Name: EventCustodianUpdated, Previous: prev, Current: next})
		return nil
	})
}
