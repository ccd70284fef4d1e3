package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
)

// shareLedger tracks per-holder share balances, the share supply and
// share allowances. totalShares always equals the sum of balances.
type shareLedger struct {
	totalShares *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
}

func newShareLedger() *shareLedger {
	return &shareLedger{
		totalShares: new(big.Int),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (l *shareLedger) balanceOf(holder common.Address) *big.Int {
	return cloneInt(l.balances[holder])
}

func (l *shareLedger) supply() *big.Int {
	return cloneInt(l.totalShares)
}

func (l *shareLedger) allowance(owner, spender common.Address) *big.Int {
	return cloneInt(l.allowances[owner][spender])
}

func (l *shareLedger) setBalance(j *journal, holder common.Address, value *big.Int) {
	prev, existed := l.balances[holder]
	j.append(shareBalanceChange{ledger: l, holder: holder, prev: prev, existed: existed})
	l.balances[holder] = value
}

func (l *shareLedger) setSupply(j *journal, value *big.Int) {
	j.append(totalSharesChange{ledger: l, prev: l.totalShares})
	l.totalShares = value
}

func (l *shareLedger) setAllowance(j *journal, owner, spender common.Address, value *big.Int) {
	spenders := l.allowances[owner]
	prev, existed := spenders[spender]
	j.append(allowanceChange{ledger: l, owner: owner, spender: spender, prev: prev, existed: existed})
	if spenders == nil {
		spenders = make(map[common.Address]*big.Int)
		l.allowances[owner] = spenders
	}
	spenders[spender] = value
}

// mint credits shares to holder and grows the supply.
func (l *shareLedger) mint(j *journal, holder common.Address, shares *big.Int) error {
	if err := requirePositive("shares", shares); err != nil {
		return err
	}
	if holder == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "cannot mint shares to the zero address")
	}
	l.setBalance(j, holder, new(big.Int).Add(l.balanceOf(holder), shares))
	l.setSupply(j, new(big.Int).Add(l.totalShares, shares))
	return nil
}

// burn debits shares from holder and shrinks the supply.
func (l *shareLedger) burn(j *journal, holder common.Address, shares *big.Int) error {
	if err := requirePositive("shares", shares); err != nil {
		return err
	}
	balance := l.balanceOf(holder)
	if shares.Cmp(balance) > 0 {
		return xerrors.New(CodeExceededBalance, "burn exceeds share balance",
			xerrors.WithMetadata("holder", holder.Hex()),
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("requested", shares.String()))
	}
	l.setBalance(j, holder, balance.Sub(balance, shares))
	l.setSupply(j, new(big.Int).Sub(l.totalShares, shares))
	return nil
}

// move transfers shares between holders without touching the supply.
func (l *shareLedger) move(j *journal, from, to common.Address, shares *big.Int) error {
	if err := requirePositive("shares", shares); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "cannot transfer shares to the zero address")
	}
	balance := l.balanceOf(from)
	if shares.Cmp(balance) > 0 {
		return xerrors.New(CodeExceededBalance, "transfer exceeds share balance",
			xerrors.WithMetadata("holder", from.Hex()),
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("requested", shares.String()))
	}
	l.setBalance(j, from, balance.Sub(balance, shares))
	l.setBalance(j, to, new(big.Int).Add(l.balanceOf(to), shares))
	return nil
}

// approve sets the spender's allowance over the owner's shares. A zero
// amount revokes the allowance.
func (l *shareLedger) approve(j *journal, owner, spender common.Address, amount *big.Int) error {
	if !validUint256(amount) {
		return invalidAmount("allowance")
	}
	if spender == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "cannot approve the zero address")
	}
	l.setAllowance(j, owner, spender, new(big.Int).Set(amount))
	return nil
}

// spendAllowance consumes amount from the spender's allowance. Owners spend
// their own shares freely and the unlimited sentinel is never decremented.
func (l *shareLedger) spendAllowance(j *journal, owner, spender common.Address, amount *big.Int) error {
	if owner == spender {
		return nil
	}
	current := l.allowance(owner, spender)
	if IsUnlimited(current) {
		return nil
	}
	if current.Cmp(amount) < 0 {
		return xerrors.New(CodeUnauthorized, "insufficient share allowance",
			xerrors.WithMetadata("required_role", string(RoleShareOwner)),
			xerrors.WithMetadata("allowance", current.String()),
			xerrors.WithMetadata("requested", amount.String()))
	}
	l.setAllowance(j, owner, spender, current.Sub(current, amount))
	return nil
}

// sum adds up every holder balance.
func (l *shareLedger) sum() *big.Int {
	total := new(big.Int)
	for _, balance := range l.balances {
		total.Add(total, balance)
	}
	return total
}
