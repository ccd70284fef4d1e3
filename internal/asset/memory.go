package asset

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	xerrors "Protego-Vault/internal/errors"
)

const (
	CodeInsufficientBalance   xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "INSUFFICIENT_ALLOWANCE"
)

var (
	// ErrInsufficientBalance 表示代币余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient token balance")
	// ErrInsufficientAllowance 表示代币授权额度不足。
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "insufficient token allowance")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient token balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:  "insufficient token allowance",
		Severity: xerrors.SeverityInfo,
	})
}

// Method 标识代币调用。
type Method string

const (
	MethodTransfer     Method = "transfer"
	MethodTransferFrom Method = "transferFrom"
	MethodBalanceOf    Method = "balanceOf"
)

// Call 描述一次即将执行的代币调用。
type Call struct {
	Method Method
	Sender common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Hook 在调用生效前执行，返回错误时调用失败且不产生任何变更。
type Hook func(ctx context.Context, call Call) error

// MemoryToken 是内存中的 ERC-20 代币实现。
type MemoryToken struct {
	mu         sync.Mutex
	name       string
	symbol     string
	decimals   uint8
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	hooks      []Hook
}

// NewMemoryToken 创建内存代币。
func NewMemoryToken(name, symbol string, decimals uint8) *MemoryToken {
	return &MemoryToken{
		name:       name,
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Name 返回代币名称。
func (t *MemoryToken) Name() string { return t.name }

// Symbol 返回代币符号。
func (t *MemoryToken) Symbol() string { return t.symbol }

// AddHook 注册调用钩子。
func (t *MemoryToken) AddHook(hook Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook)
}

// ClearHooks 移除全部调用钩子。
func (t *MemoryToken) ClearHooks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = nil
}

// Mint 向 holder 增发代币，用于水龙头或模拟外部收益。
func (t *MemoryToken) Mint(holder common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next := new(big.Int).Add(t.supply, amount)
	if next.Cmp(math.MaxBig256) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "token supply overflow")
	}
	t.supply = next
	t.balances[holder] = new(big.Int).Add(t.balanceLocked(holder), amount)
	return nil
}

// Burn 销毁 holder 的代币，用于模拟托管资产的意外流失。
func (t *MemoryToken) Burn(holder common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	balance := t.balanceLocked(holder)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	t.balances[holder] = balance.Sub(balance, amount)
	t.supply = new(big.Int).Sub(t.supply, amount)
	return nil
}

// Approve 设置 owner 授予 spender 的额度。
func (t *MemoryToken) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	spenders := t.allowances[owner]
	if spenders == nil {
		spenders = make(map[common.Address]*big.Int)
		t.allowances[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)
	return nil
}

// Allowance 返回 owner 授予 spender 的剩余额度。
func (t *MemoryToken) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(amount)
	}
	return new(big.Int)
}

// Balance 返回 holder 的余额。
func (t *MemoryToken) Balance(holder common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(holder))
}

// TotalSupply 返回代币总量。
func (t *MemoryToken) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.supply)
}

// Account 返回以 account 作为调用方的代币句柄。
func (t *MemoryToken) Account(account common.Address) *Account {
	return &Account{token: t, sender: account}
}

func (t *MemoryToken) balanceLocked(holder common.Address) *big.Int {
	if balance, ok := t.balances[holder]; ok {
		return balance
	}
	return new(big.Int)
}

func (t *MemoryToken) runHooks(ctx context.Context, call Call) error {
	t.mu.Lock()
	hooks := append([]Hook(nil), t.hooks...)
	t.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemoryToken) move(from, to common.Address, amount *big.Int) error {
	balance := t.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientBalance, "insufficient token balance",
			xerrors.WithMetadata("holder", from.Hex()),
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("requested", amount.String()))
	}
	t.balances[from] = new(big.Int).Sub(balance, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

// Account 以固定账户作为调用方访问 MemoryToken。
type Account struct {
	token  *MemoryToken
	sender common.Address
}

// Address 返回句柄对应的账户。
func (a *Account) Address() common.Address { return a.sender }

// BalanceOf 返回 holder 的余额。
func (a *Account) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	if err := a.token.runHooks(ctx, Call{Method: MethodBalanceOf, Sender: a.sender, From: holder}); err != nil {
		return nil, err
	}
	return a.token.Balance(holder), nil
}

// Decimals 返回代币精度。
func (a *Account) Decimals(context.Context) (uint8, error) {
	return a.token.decimals, nil
}

// Transfer 从句柄账户转出 amount 给 to。
func (a *Account) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	call := Call{Method: MethodTransfer, Sender: a.sender, From: a.sender, To: to, Amount: new(big.Int).Set(amount)}
	if err := a.token.runHooks(ctx, call); err != nil {
		return err
	}
	a.token.mu.Lock()
	defer a.token.mu.Unlock()
	return a.token.move(a.sender, to, amount)
}

// TransferFrom 使用 payer 授予句柄账户的额度将 amount 转给 to。
func (a *Account) TransferFrom(ctx context.Context, payer, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	call := Call{Method: MethodTransferFrom, Sender: a.sender, From: payer, To: to, Amount: new(big.Int).Set(amount)}
	if err := a.token.runHooks(ctx, call); err != nil {
		return err
	}
	t := a.token
	t.mu.Lock()
	defer t.mu.Unlock()
	allowance, ok := t.allowances[payer][a.sender]
	if payer != a.sender && (!ok || allowance.Cmp(amount) < 0) {
		current := new(big.Int)
		if ok {
			current.Set(allowance)
		}
		return xerrors.New(CodeInsufficientAllowance, "insufficient token allowance",
			xerrors.WithMetadata("owner", payer.Hex()),
			xerrors.WithMetadata("spender", a.sender.Hex()),
			xerrors.WithMetadata("allowance", current.String()),
			xerrors.WithMetadata("requested", amount.String()))
	}
	if err := t.move(payer, to, amount); err != nil {
		return err
	}
	if payer != a.sender && allowance.Cmp(math.MaxBig256) != 0 {
		t.allowances[payer][a.sender] = new(big.Int).Sub(allowance, amount)
	}
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 || amount.Cmp(math.MaxBig256) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "token amount out of range")
	}
	return nil
}
