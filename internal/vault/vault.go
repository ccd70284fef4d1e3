package vault

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/pkg/logger"
)

// Params 描述构造金库所需的身份与元数据。
type Params struct {
	Name         string
	Symbol       string
	Account      common.Address
	AssetAddress common.Address
	Custodian    common.Address
	AIAgent      common.Address
}

// Option 定义金库的可选配置。
type Option func(*options)

type options struct {
	decimals  *uint8
	sink      Sink
	observers []Observer
	log       *slog.Logger
	clock     func() time.Time
	snapshot  *Snapshot
}

// WithDecimals 指定份额精度，未指定时从资产合约读取。
func WithDecimals(decimals uint8) Option {
	return func(o *options) {
		o.decimals = &decimals
	}
}

// WithSink 注册提交事件的接收方。
func WithSink(sink Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithObserver 追加调用观察者。
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithLogger 覆盖默认日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithClock 覆盖事件时间戳的时钟。
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithSnapshot 从快照恢复金库状态。
func WithSnapshot(snapshot *Snapshot) Option {
	return func(o *options) {
		o.snapshot = snapshot
	}
}

// Vault 是收益金库的聚合根，所有状态变更都经由它串行执行。
type Vault struct {
	mu sync.RWMutex

	name      string
	symbol    string
	decimals  uint8
	assetAddr common.Address

	ledger  *shareLedger
	custody *assetCustody
	gate    *accessGate
	pause   *pauseMachine
	seq     uint64

	sink      Sink
	observers []Observer
	clock     func() time.Time
	log       *slog.Logger
}

// New 创建金库实例。
func New(ctx context.Context, asset Asset, params Params, opts ...Option) (*Vault, error) {
	if asset == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "asset collaborator is required")
	}
	if params.Account == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "vault account is required")
	}
	if params.Custodian == (common.Address{}) || params.AIAgent == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "custodian and ai agent are required")
	}

	cfg := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.log == nil {
		cfg.log = logger.Named("vault")
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}

	v := &Vault{
		name:      params.Name,
		symbol:    params.Symbol,
		assetAddr: params.AssetAddress,
		ledger:    newShareLedger(),
		custody: &assetCustody{
			asset:       asset,
			account:     params.Account,
			totalAssets: new(big.Int),
		},
		gate:      &accessGate{custodian: params.Custodian, aiAgent: params.AIAgent},
		pause:     &pauseMachine{state: StateActive},
		sink:      cfg.sink,
		observers: cfg.observers,
		clock:     cfg.clock,
		log:       cfg.log,
	}

	if cfg.decimals != nil {
		v.decimals = *cfg.decimals
	} else {
		decimals, err := asset.Decimals(ctx)
		if err != nil {
			return nil, collaboratorFailure("decimals", err)
		}
		v.decimals = decimals
	}

	if cfg.snapshot != nil {
		if err := v.restore(cfg.snapshot); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// txn carries the per-call state: the guarded context handed to the asset
// collaborator, the undo journal and the buffered events.
type txn struct {
	ctx     context.Context
	caller  common.Address
	journal journal
	events  []Event
}

func (tx *txn) emit(event Event) {
	tx.events = append(tx.events, event)
}

// run executes one mutating call atomically. The lock is held for the
// whole call and the journal is reverted on every path that does not
// reach commit, panics included.
func (v *Vault) run(ctx context.Context, operation string, caller common.Address, fn func(tx *txn) error) error {
	if v.Reentered(ctx) {
		err := xerrors.New(CodeReentrantCall, "reentrant call into vault",
			xerrors.WithMetadata("operation", operation))
		v.fail(operation, caller, err, 0)
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	start := time.Now()
	tx := &txn{ctx: v.guard(ctx), caller: caller}
	committed := false
	defer func() {
		if !committed {
			tx.journal.revert()
		}
	}()

	if err := fn(tx); err != nil {
		v.fail(operation, caller, err, time.Since(start))
		return err
	}
	committed = true
	v.commit(ctx, operation, caller, tx)
	for _, o := range v.observers {
		o.ObserveCall(operation, caller, nil, time.Since(start))
	}
	return nil
}

func (v *Vault) commit(ctx context.Context, operation string, caller common.Address, tx *txn) {
	now := v.clock().UTC()
	names := make([]string, 0, len(tx.events))
	for i := range tx.events {
		v.seq++
		tx.events[i].Seq = v.seq
		tx.events[i].Time = now
		tx.events[i].Topic = tx.events[i].Name.Topic()
		names = append(names, string(tx.events[i].Name))
	}

	logger.Audit().Info("vault operation committed",
		"operation", operation,
		"caller", caller.Hex(),
		"events", names,
		"total_assets", v.custody.totalAssets.String(),
		"total_shares", v.ledger.totalShares.String(),
	)

	if v.sink == nil {
		return
	}
	commit := Commit{
		Operation: operation,
		Caller:    caller,
		Events:    tx.events,
		Snapshot:  v.snapshot(),
	}
	if err := v.sink.Record(context.WithoutCancel(ctx), commit); err != nil {
		v.log.Warn("提交事件投递失败", "operation", operation, "error", err)
	}
}

func (v *Vault) fail(operation string, caller common.Address, err error, elapsed time.Duration) {
	attrs := []any{
		"operation", operation,
		"caller", caller.Hex(),
		"code", string(xerrors.CodeOf(err)),
		"error", err,
	}
	if xerrors.SeverityOf(err) == xerrors.SeverityCritical {
		v.log.Error("vault operation rejected", attrs...)
	} else {
		v.log.Warn("vault operation rejected", attrs...)
	}
	for _, o := range v.observers {
		o.ObserveCall(operation, caller, err, elapsed)
	}
}

// Name 返回份额名称。
func (v *Vault) Name() string { return v.name }

// Symbol 返回份额符号。
func (v *Vault) Symbol() string { return v.symbol }

// Decimals 返回份额精度，与底层资产一致。
func (v *Vault) Decimals() uint8 { return v.decimals }

// Asset 返回底层资产合约地址。
func (v *Vault) Asset() common.Address { return v.assetAddr }

// Account 返回托管资产的账户地址。
func (v *Vault) Account() common.Address { return v.custody.account }

// Custodian 返回当前托管人。
func (v *Vault) Custodian(ctx context.Context) common.Address {
	defer v.view(ctx)()
	return v.gate.custodian
}

// AIAgent 返回当前 AI 代理。
func (v *Vault) AIAgent(ctx context.Context) common.Address {
	defer v.view(ctx)()
	return v.gate.aiAgent
}

// State 返回当前暂停状态。
func (v *Vault) State(ctx context.Context) State {
	defer v.view(ctx)()
	return v.pause.state
}

// Paused 报告金库是否处于暂停状态。
func (v *Vault) Paused(ctx context.Context) bool {
	return v.State(ctx) == StatePaused
}

// TotalAssets 返回记账口径的资产总量。
func (v *Vault) TotalAssets(ctx context.Context) *big.Int {
	defer v.view(ctx)()
	return v.custody.tracked()
}

// TotalSupply 返回份额总量。
func (v *Vault) TotalSupply(ctx context.Context) *big.Int {
	defer v.view(ctx)()
	return v.ledger.supply()
}

// BalanceOf 返回持有人的份额余额。
func (v *Vault) BalanceOf(ctx context.Context, holder common.Address) *big.Int {
	defer v.view(ctx)()
	return v.ledger.balanceOf(holder)
}

// Allowance 返回 spender 可代 owner 动用的份额额度。
func (v *Vault) Allowance(ctx context.Context, owner, spender common.Address) *big.Int {
	defer v.view(ctx)()
	return v.ledger.allowance(owner, spender)
}

// ConvertToShares 以当前汇率将资产换算为份额，向下取整。
func (v *Vault) ConvertToShares(ctx context.Context, assets *big.Int) (*big.Int, error) {
	if !validUint256(assets) {
		return nil, invalidAmount("assets")
	}
	defer v.view(ctx)()
	return v.convertToShares(assets, Floor)
}

// ConvertToAssets 以当前汇率将份额换算为资产，向下取整。
func (v *Vault) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	if !validUint256(shares) {
		return nil, invalidAmount("shares")
	}
	defer v.view(ctx)()
	return v.convertToAssets(shares, Floor)
}

// PreviewDeposit 报价存入 assets 可获得的份额。
func (v *Vault) PreviewDeposit(ctx context.Context, assets *big.Int) (*big.Int, error) {
	if err := requirePositive("assets", assets); err != nil {
		return nil, err
	}
	defer v.view(ctx)()
	return v.convertToShares(assets, Floor)
}

// PreviewMint 报价铸造 shares 需要支付的资产。
func (v *Vault) PreviewMint(ctx context.Context, shares *big.Int) (*big.Int, error) {
	if err := requirePositive("shares", shares); err != nil {
		return nil, err
	}
	defer v.view(ctx)()
	return v.convertToAssets(shares, Ceil)
}

// PreviewWithdraw 报价提取 assets 需要销毁的份额。
func (v *Vault) PreviewWithdraw(ctx context.Context, assets *big.Int) (*big.Int, error) {
	if err := requirePositive("assets", assets); err != nil {
		return nil, err
	}
	defer v.view(ctx)()
	return v.convertToShares(assets, Ceil)
}

// PreviewRedeem 报价赎回 shares 可获得的资产。
func (v *Vault) PreviewRedeem(ctx context.Context, shares *big.Int) (*big.Int, error) {
	if err := requirePositive("shares", shares); err != nil {
		return nil, err
	}
	defer v.view(ctx)()
	return v.convertToAssets(shares, Floor)
}

// MaxDeposit 返回 receiver 当前可存入的资产上限。
func (v *Vault) MaxDeposit(ctx context.Context, _ common.Address) *big.Int {
	defer v.view(ctx)()
	if v.pause.state == StatePaused {
		return new(big.Int)
	}
	return new(big.Int).Set(Unlimited)
}

// MaxMint 返回 receiver 当前可铸造的份额上限。
func (v *Vault) MaxMint(ctx context.Context, receiver common.Address) *big.Int {
	return v.MaxDeposit(ctx, receiver)
}

// MaxWithdraw 返回 owner 当前可提取的资产上限。
func (v *Vault) MaxWithdraw(ctx context.Context, owner common.Address) (*big.Int, error) {
	defer v.view(ctx)()
	if v.pause.state == StatePaused {
		return new(big.Int), nil
	}
	return v.maxWithdraw(owner)
}

// MaxRedeem 返回 owner 当前可赎回的份额上限。
func (v *Vault) MaxRedeem(ctx context.Context, owner common.Address) *big.Int {
	defer v.view(ctx)()
	if v.pause.state == StatePaused {
		return new(big.Int)
	}
	return v.ledger.balanceOf(owner)
}
