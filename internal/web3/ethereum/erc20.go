package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/vault"
)

// ERC20ABI is the subset of the ERC-20 interface the vault talks to.
const ERC20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

// TransferTopic is the log topic of the ERC-20 Transfer event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TokenBackend is the chain access an ERC-20 token needs; *ethclient.Client
// satisfies it.
type TokenBackend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

type contractCaller interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type contractTransactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*coretypes.Transaction, error)
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// TokenConfig 描述链上 ERC-20 资产。
type TokenConfig struct {
	Address common.Address
	// Signer 以金库托管账户签名交易，为 nil 时只读。
	Signer         *bind.TransactOpts
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Token 通过 JSON-RPC 访问链上 ERC-20 合约，实现 vault.Asset。
// A call returns only once its transaction is mined; a reverted transaction
// has no effect on chain and is reported as a chain failure.
type Token struct {
	address  common.Address
	abi      abi.ABI
	caller   contractCaller
	contract contractTransactor
	receipts receiptReader
	signer   *bind.TransactOpts
	timeout  time.Duration
	poll     time.Duration
}

// NewToken 基于 backend 创建 ERC-20 资产。
func NewToken(backend TokenBackend, cfg TokenConfig) (*Token, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ERC-20 资产缺少链访问后端")
	}
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 ERC-20 ABI 失败")
	}
	contract := bind.NewBoundContract(cfg.Address, parsed, backend, backend, backend)
	return newToken(parsed, cfg, backend, contract, backend), nil
}

func newToken(parsed abi.ABI, cfg TokenConfig, caller contractCaller, contract contractTransactor, receipts receiptReader) *Token {
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Token{
		address:  cfg.Address,
		abi:      parsed,
		caller:   caller,
		contract: contract,
		receipts: receipts,
		signer:   cfg.Signer,
		timeout:  timeout,
		poll:     poll,
	}
}

// Address 返回合约地址。
func (t *Token) Address() common.Address {
	return t.address
}

// Account 返回签名账户，只读资产返回零地址。
func (t *Token) Account() common.Address {
	if t.signer == nil {
		return common.Address{}
	}
	return t.signer.From
}

// BalanceOf 查询 holder 的余额。
func (t *Token) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainFailure, "balanceOf 返回值类型错误")
	}
	return balance, nil
}

// Decimals 查询资产精度。
func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, xerrors.New(xerrors.CodeChainFailure, "decimals 返回值类型错误")
	}
	return decimals, nil
}

// Transfer 从签名账户向 to 转账。
func (t *Token) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return t.send(ctx, "transfer", to, amount)
}

// TransferFrom 以签名账户作为 spender，从 payer 向 to 转账。
func (t *Token) TransferFrom(ctx context.Context, payer, to common.Address, amount *big.Int) error {
	return t.send(ctx, "transferFrom", payer, to, amount)
}

func (t *Token) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	data, err := t.abi.Pack(method, params...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合约调用失败", xerrors.WithMetadata("method", method))
	}
	to := t.address
	raw, err := t.caller.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "合约调用失败", xerrors.WithMetadata("method", method))
	}
	out, err := t.abi.Unpack(method, raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码合约返回值失败", xerrors.WithMetadata("method", method))
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeChainFailure, "合约返回值为空", xerrors.WithMetadata("method", method))
	}
	return out, nil
}

func (t *Token) send(ctx context.Context, method string, params ...interface{}) error {
	if t.signer == nil || t.contract == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "ERC-20 资产未配置交易签名器", xerrors.WithMetadata("method", method))
	}
	opts := *t.signer
	opts.Context = ctx
	tx, err := t.contract.Transact(&opts, method, params...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败", xerrors.WithMetadata("method", method))
	}
	receipt, err := t.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(xerrors.CodeChainFailure, "交易执行被回滚",
			xerrors.WithMetadata("method", method),
			xerrors.WithMetadata("tx", tx.Hash().Hex()),
			xerrors.WithRetryable(false))
	}
	return nil
}

func (t *Token) waitReceipt(parent context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(parent, t.timeout)
	defer cancel()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		receipt, err := t.receipts.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败", xerrors.WithMetadata("tx", hash.Hex()))
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易回执超时", xerrors.WithMetadata("tx", hash.Hex()))
		case <-ticker.C:
		}
	}
}

var _ vault.Asset = (*Token)(nil)
