package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// journalEntry is one revertible change to the aggregate.
type journalEntry interface {
	revert()
}

// journal records the changes of a single call so that a failure anywhere
// in the call can undo them in reverse order.
type journal struct {
	entries []journalEntry
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
}

func (j *journal) revert() {
	for i := len(j.entries) - 1; i >= 0; i-- {
		j.entries[i].revert()
	}
	j.entries = nil
}

func (j *journal) length() int {
	return len(j.entries)
}

type (
	shareBalanceChange struct {
		ledger  *shareLedger
		holder  common.Address
		prev    *big.Int
		existed bool
	}
	totalSharesChange struct {
		ledger *shareLedger
		prev   *big.Int
	}
	allowanceChange struct {
		ledger  *shareLedger
		owner   common.Address
		spender common.Address
		prev    *big.Int
		existed bool
	}
	totalAssetsChange struct {
		custody *assetCustody
		prev    *big.Int
	}
	custodianChange struct {
		gate *accessGate
		prev common.Address
	}
	aiAgentChange struct {
		gate *accessGate
		prev common.Address
	}
	stateChange struct {
		machine *pauseMachine
		prev    State
	}
)

func (ch shareBalanceChange) revert() {
	if !ch.existed {
		delete(ch.ledger.balances, ch.holder)
		return
	}
	ch.ledger.balances[ch.holder] = ch.prev
}

func (ch totalSharesChange) revert() {
	ch.ledger.totalShares = ch.prev
}

func (ch allowanceChange) revert() {
	spenders := ch.ledger.allowances[ch.owner]
	if !ch.existed {
		delete(spenders, ch.spender)
		if len(spenders) == 0 {
			delete(ch.ledger.allowances, ch.owner)
		}
		return
	}
	if spenders == nil {
		spenders = make(map[common.Address]*big.Int)
		ch.ledger.allowances[ch.owner] = spenders
	}
	spenders[ch.spender] = ch.prev
}

func (ch totalAssetsChange) revert() {
	ch.custody.totalAssets = ch.prev
}

func (ch custodianChange) revert() {
	ch.gate.custodian = ch.prev
}

func (ch aiAgentChange) revert() {
	ch.gate.aiAgent = ch.prev
}

func (ch stateChange) revert() {
	ch.machine.state = ch.prev
}
