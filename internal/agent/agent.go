package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/vault"
	"Protego-Vault/internal/web3"
)

// CodeStrategyFailure 表示收益策略本身无法给出决策。
const CodeStrategyFailure xerrors.Code = "AGENT_STRATEGY_FAILURE"

func init() {
	xerrors.Register(CodeStrategyFailure, xerrors.Attributes{
		Message:   "yield strategy failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Vault 是代理驱动收益确认所需的金库能力。
type Vault interface {
	UnrecognizedYield(ctx context.Context) (*big.Int, error)
	ExecuteAIYieldStrategy(ctx context.Context, caller common.Address) (vault.Harvest, error)
	TotalAssets(ctx context.Context) *big.Int
}

// ChainReader 提供链上元数据，用于在结果中标注执行时的区块高度。
type ChainReader interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// HarvestRequest 描述一次收益确认请求。
type HarvestRequest struct {
	ID          string         `json:"id,omitempty"`
	Reason      string         `json:"reason"`
	Force       bool           `json:"force"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// HarvestResult 汇总一次收益确认的观察与执行结果。
type HarvestResult struct {
	ID          string `json:"id,omitempty"`
	Executed    bool   `json:"executed"`
	Surplus     string `json:"surplus"`
	Recognized  string `json:"recognized"`
	TotalAssets string `json:"total_assets"`
	ChainID     string `json:"chain_id,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Agent 以 AI 代理身份观察托管账户，并在收益达到阈值时触发收益确认。
type Agent struct {
	vault    Vault
	chain    ChainReader
	identity common.Address
	strategy Strategy
	timeout  time.Duration
	now      func() time.Time

	mu           sync.Mutex
	history      []HarvestResult
	historyDepth int
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// defaultHistoryDepth 是内存中保留的最近执行记录数量。
const defaultHistoryDepth = 64

// advisorHistory 是提供给策略的最近记录数量。
const advisorHistory = 5

// WithStrategy 替换默认的阈值策略。
func WithStrategy(strategy Strategy) Option {
	return func(a *Agent) {
		if strategy != nil {
			a.strategy = strategy
		}
	}
}

// WithMinSurplus 设置触发收益确认所需的最小未确认收益。
func WithMinSurplus(minSurplus *big.Int) Option {
	return func(a *Agent) {
		a.strategy = ThresholdStrategy{MinSurplus: minSurplus}
	}
}

// WithChainReader 配置链上元数据来源。
func WithChainReader(chain ChainReader) Option {
	return func(a *Agent) {
		a.chain = chain
	}
}

// WithTimeout 设置单次决策与执行的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.timeout = 0
			return
		}
		a.timeout = timeout
	}
}

// WithHistoryDepth 设置内存中保留的执行记录数量。
func WithHistoryDepth(depth int) Option {
	return func(a *Agent) {
		a.historyDepth = depth
	}
}

// New 创建一个 Agent，identity 是代理调用金库时使用的地址。
func New(v Vault, identity common.Address, opts ...Option) *Agent {
	ag := &Agent{
		vault:        v,
		identity:     identity,
		strategy:     ThresholdStrategy{},
		now:          time.Now,
		historyDepth: defaultHistoryDepth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.historyDepth <= 0 {
		ag.historyDepth = defaultHistoryDepth
	}
	return ag
}

// Identity 返回代理地址。
func (a *Agent) Identity() common.Address {
	return a.identity
}

// Execute 观察未确认收益，由策略决定是否调用 ExecuteAIYieldStrategy。
//
// Vault errors are returned unchanged so callers can branch on their codes.
func (a *Agent) Execute(ctx context.Context, req HarvestRequest) (*HarvestResult, error) {
	if a.vault == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置金库")
	}
	if a.identity == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置代理地址")
	}

	execCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	surplus, err := a.vault.UnrecognizedYield(execCtx)
	if err != nil {
		return nil, timeoutOr(err, "读取未确认收益超时")
	}

	decision, err := a.strategy.Decide(execCtx, Observation{
		Surplus:     new(big.Int).Set(surplus),
		TotalAssets: a.vault.TotalAssets(execCtx),
		Force:       req.Force,
		Reason:      req.Reason,
		History:     a.recent(advisorHistory),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "收益策略决策超时")
		}
		return nil, xerrors.Wrap(CodeStrategyFailure, err, "收益策略决策失败")
	}

	result := &HarvestResult{
		ID:         req.ID,
		Surplus:    surplus.String(),
		Recognized: "0",
		Note:       decision.Note,
		CreatedAt:  a.now().Unix(),
	}

	if decision.Harvest {
		harvest, err := a.vault.ExecuteAIYieldStrategy(execCtx, a.identity)
		if err != nil {
			return nil, timeoutOr(err, "收益确认超时")
		}
		result.Executed = true
		result.Recognized = harvest.Recognized.String()
		result.TotalAssets = harvest.TotalAssets.String()
	} else {
		result.TotalAssets = a.vault.TotalAssets(ctx).String()
	}

	if a.chain != nil {
		snapshot, err := a.chain.FetchChainSnapshot(ctx)
		if err != nil {
			result.Note = appendNote(result.Note, fmt.Sprintf("获取链上信息失败: %v", err))
		} else {
			result.ChainID = snapshot.ChainID
			result.BlockNumber = snapshot.BlockNumber
		}
	}

	a.record(*result)
	return result, nil
}

// ListHistory 返回最近的执行记录，越新的越靠前。
func (a *Agent) ListHistory(_ context.Context, limit int) ([]HarvestResult, error) {
	return a.recent(limit), nil
}

func (a *Agent) recent(limit int) []HarvestResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.history) {
		limit = len(a.history)
	}
	results := make([]HarvestResult, 0, limit)
	for i := len(a.history) - 1; i >= 0 && len(results) < limit; i-- {
		results = append(results, a.history[i])
	}
	return results
}

func (a *Agent) record(result HarvestResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, result)
	if overflow := len(a.history) - a.historyDepth; overflow > 0 {
		a.history = append(a.history[:0:0], a.history[overflow:]...)
	}
}

func timeoutOr(err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		if _, ok := xerrors.From(err); !ok {
			return xerrors.Wrap(xerrors.CodeTimeout, err, message)
		}
	}
	return err
}

func appendNote(existing, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return next
	}
	return existing + "\n" + next
}
