package vault

import (
	xerrors "Protego-Vault/internal/errors"
)

const (
	CodeInvalidAmount        xerrors.Code = "INVALID_AMOUNT"
	CodeUnauthorized         xerrors.Code = "UNAUTHORIZED"
	CodeVaultPaused          xerrors.Code = "VAULT_PAUSED"
	CodeInvalidState         xerrors.Code = "INVALID_STATE"
	CodeExceededBalance      xerrors.Code = "EXCEEDED_BALANCE"
	CodeExceededMaxWithdraw  xerrors.Code = "EXCEEDED_MAX_WITHDRAW"
	CodeAccountingInvariant  xerrors.Code = "ACCOUNTING_INVARIANT_VIOLATION"
	CodeExternalCollaborator xerrors.Code = "EXTERNAL_COLLABORATOR_FAILURE"
	CodeReentrantCall        xerrors.Code = "REENTRANT_CALL"
)

var (
	// ErrInvalidAmount 表示请求数量为零、为负或超出 uint256 范围。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid amount")
	// ErrUnauthorized 表示调用方不具备所需角色。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "unauthorized")
	// ErrVaultPaused 表示金库处于暂停状态。
	ErrVaultPaused = xerrors.New(CodeVaultPaused, "vault paused")
	// ErrInvalidState 表示重复的暂停或恢复操作。
	ErrInvalidState = xerrors.New(CodeInvalidState, "invalid state transition")
	// ErrExceededBalance 表示份额余额或额度不足。
	ErrExceededBalance = xerrors.New(CodeExceededBalance, "exceeded balance")
	// ErrExceededMaxWithdraw 表示提取的资产超过可提取上限。
	ErrExceededMaxWithdraw = xerrors.New(CodeExceededMaxWithdraw, "exceeded max withdraw")
	// ErrAccountingInvariant 表示内部账目一致性被破坏。
	ErrAccountingInvariant = xerrors.New(CodeAccountingInvariant, "accounting invariant violation")
	// ErrExternalCollaborator 表示外部资产合约调用失败。
	ErrExternalCollaborator = xerrors.New(CodeExternalCollaborator, "external collaborator failure")
	// ErrReentrantCall 表示在外部调用期间重入了同一个金库。
	ErrReentrantCall = xerrors.New(CodeReentrantCall, "reentrant call")
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "invalid amount",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "caller lacks the required role",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeVaultPaused, xerrors.Attributes{
		Message:  "vault paused",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:  "invalid state transition",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExceededBalance, xerrors.Attributes{
		Message:  "exceeded balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExceededMaxWithdraw, xerrors.Attributes{
		Message:  "exceeded max withdraw",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAccountingInvariant, xerrors.Attributes{
		Message:  "accounting invariant violation",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeExternalCollaborator, xerrors.Attributes{
		Message:   "external collaborator failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:  "reentrant call",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

func invalidAmount(field string) error {
	return xerrors.New(CodeInvalidAmount, "invalid amount", xerrors.WithMetadata("field", field))
}

func unauthorized(required Role) error {
	return xerrors.New(CodeUnauthorized, "unauthorized", xerrors.WithMetadata("required_role", string(required)))
}

func invariantViolation(message string, kv ...string) error {
	opts := make([]xerrors.Option, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		opts = append(opts, xerrors.WithMetadata(kv[i], kv[i+1]))
	}
	return xerrors.New(CodeAccountingInvariant, message, opts...)
}

func collaboratorFailure(op string, cause error) error {
	return xerrors.Wrap(CodeExternalCollaborator, cause, "asset "+op+" failed", xerrors.WithMetadata("call", op))
}
