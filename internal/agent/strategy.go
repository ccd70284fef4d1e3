package agent

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"Protego-Vault/internal/llm"
)

// Observation 是策略做出决策时可见的金库状态。
type Observation struct {
	Surplus     *big.Int
	TotalAssets *big.Int
	Force       bool
	Reason      string
	// History 是最近的执行记录，越新的越靠前。
	History []HarvestResult
}

// Decision 是策略的输出。
type Decision struct {
	Harvest bool
	Note    string
}

// Strategy 决定是否在当前观察下确认收益。
type Strategy interface {
	Decide(ctx context.Context, obs Observation) (Decision, error)
}

// StrategyFunc 允许使用普通函数作为 Strategy。
type StrategyFunc func(ctx context.Context, obs Observation) (Decision, error)

// Decide 实现 Strategy 接口。
func (f StrategyFunc) Decide(ctx context.Context, obs Observation) (Decision, error) {
	return f(ctx, obs)
}

// ThresholdStrategy 在未确认收益不低于 MinSurplus 时确认收益。
// A nil or non-positive MinSurplus means any positive surplus qualifies.
type ThresholdStrategy struct {
	MinSurplus *big.Int
}

// Decide 实现 Strategy 接口。
func (s ThresholdStrategy) Decide(_ context.Context, obs Observation) (Decision, error) {
	if obs.Force {
		return Decision{Harvest: true, Note: "forced"}, nil
	}
	surplus := obs.Surplus
	if surplus == nil {
		surplus = new(big.Int)
	}
	threshold := big.NewInt(1)
	if s.MinSurplus != nil && s.MinSurplus.Sign() > 0 {
		threshold = s.MinSurplus
	}
	if surplus.Cmp(threshold) < 0 {
		return Decision{Note: fmt.Sprintf("surplus %s below threshold %s", surplus, threshold)}, nil
	}
	return Decision{Harvest: true, Note: fmt.Sprintf("surplus %s reached threshold %s", surplus, threshold)}, nil
}

// AdvisorStrategy 在阈值策略通过后再征询大模型，大模型只能否决不能放行。
type AdvisorStrategy struct {
	Gate    ThresholdStrategy
	Advisor llm.Client
	Vault   string
}

// Decide 实现 Strategy 接口。
func (s AdvisorStrategy) Decide(ctx context.Context, obs Observation) (Decision, error) {
	gated, err := s.Gate.Decide(ctx, obs)
	if err != nil || !gated.Harvest || obs.Force || s.Advisor == nil {
		return gated, err
	}

	req := llm.Request{
		Vault:       s.Vault,
		Surplus:     amountText(obs.Surplus),
		TotalAssets: amountText(obs.TotalAssets),
		Reason:      obs.Reason,
	}
	if s.Gate.MinSurplus != nil {
		req.Threshold = s.Gate.MinSurplus.String()
	}
	for _, past := range obs.History {
		req.History = append(req.History, llm.HistoryEntry{
			Executed:   past.Executed,
			Surplus:    past.Surplus,
			Recognized: past.Recognized,
			Note:       past.Note,
			CreatedAt:  past.CreatedAt,
		})
	}

	resp, err := s.Advisor.Generate(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	note := strings.TrimSpace(resp.Thought)
	if note == "" {
		note = strings.TrimSpace(resp.Reply)
	}
	if !resp.Harvest {
		return Decision{Note: "advisor declined: " + note}, nil
	}
	return Decision{Harvest: true, Note: appendNote(gated.Note, "advisor: "+note)}, nil
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
