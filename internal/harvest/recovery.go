package harvest

import (
	"context"
	stdErrors "errors"

	"Protego-Vault/internal/vault"
)

// RecoveryHandler 定义了在任务执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级。
	// 返回的 Result 将作为降级结果写入任务；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, job *Job, cause error) (*Result, error)
}

// RecoveryFunc 允许使用普通函数作为 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, job *Job, cause error) (*Result, error)

// Recover 实现 RecoveryHandler 接口。
func (f RecoveryFunc) Recover(ctx context.Context, job *Job, cause error) (*Result, error) {
	return f(ctx, job, cause)
}

// SkipWhenPaused 将金库暂停期间的收益确认记为未执行的成功，其余错误照常失败。
// The yield stays unrecognised and the next scheduled job picks it up after unpause.
func SkipWhenPaused() RecoveryHandler {
	return RecoveryFunc(func(_ context.Context, _ *Job, cause error) (*Result, error) {
		if !stdErrors.Is(cause, vault.ErrVaultPaused) {
			return nil, nil
		}
		return &Result{Executed: false, Recognized: "0", Note: "vault paused; harvest skipped"}, nil
	})
}
