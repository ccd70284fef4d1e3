package harvest

import (
	stdErrors "errors"

	xerrors "Protego-Vault/internal/errors"
)

// Status 表示收益确认任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次任务执行的结果，金额以十进制字符串表示。
type Result struct {
	Executed    bool   `json:"executed"`
	Surplus     string `json:"surplus"`
	Recognized  string `json:"recognized"`
	TotalAssets string `json:"total_assets"`
	ChainID     string `json:"chain_id,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Job 描述一次排队执行的收益确认。
type Job struct {
	ID          string         `json:"id"`
	Reason      string         `json:"reason"`
	Force       bool           `json:"force"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *Result        `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

const (
	CodeJobNotFound   xerrors.Code = "HARVEST_JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "HARVEST_JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "HARVEST_JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "HARVEST_JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "HARVEST_JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "HARVEST_JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "HARVEST_JOB_PROCESSING_FAILED"
	CodeJobCompensate xerrors.Code = "HARVEST_JOB_COMPENSATION_FAILED"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "harvest job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "harvest job conflict")
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "harvest job already completed")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "harvest job retries exhausted")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "harvest job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "harvest job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "harvest job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "harvest job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "harvest job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish harvest job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "harvest job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobCompensate, xerrors.Attributes{
		Message:  "harvest job compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsSkippable 判断领取失败是否只需跳过该任务。
func IsSkippable(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 报告任务是否不会再被处理。
func (j *Job) Terminal() bool {
	if j == nil {
		return true
	}
	return j.Status == StatusSucceeded || (j.Status == StatusFailed && j.Attempts >= j.MaxRetries)
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Result != nil {
		resultCopy := *job.Result
		clone.Result = &resultCopy
	}
	clone.Metadata = cloneMetadata(job.Metadata)
	return &clone
}
