package harvest

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"Protego-Vault/internal/agent"
	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/observability/alerting"
	"Protego-Vault/pkg/logger"
)

// Executor 定义了处理器所需的代理能力。
type Executor interface {
	Execute(ctx context.Context, req agent.HarvestRequest) (*agent.HarvestResult, error)
}

// Processor 负责从队列消费任务并交给代理执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	observe     func(Status)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithOutcomeObserver 在任务进入成功或失败状态时回调，用于指标统计。
func WithOutcomeObserver(observe func(Status)) ProcessorOption {
	return func(p *Processor) {
		p.observe = observe
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if IsSkippable(err) {
			p.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrJobConflict) {
			p.logDebug("任务正在被其他协程处理", slog.String("job_id", jobID))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, agent.HarvestRequest{
		ID:          job.ID,
		Reason:      job.Reason,
		Force:       job.Force,
		RequestedBy: job.RequestedBy,
		Metadata:    cloneMetadata(job.Metadata),
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr)
	}

	var record Result
	if result != nil {
		record = Result{
			Executed:    result.Executed,
			Surplus:     result.Surplus,
			Recognized:  result.Recognized,
			TotalAssets: result.TotalAssets,
			ChainID:     result.ChainID,
			BlockNumber: result.BlockNumber,
			Note:        result.Note,
		}
	}
	if err := p.store.MarkSucceeded(ctx, job.ID, record); err != nil {
		// The vault call already committed; a replay only re-observes the
		// surplus, which is zero unless new yield arrived meanwhile.
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, string(CodeJobProcessing), err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", job.ID))
		}
		return nil
	}
	p.outcome(StatusSucceeded)
	logger.Audit().Info("收益确认任务完成",
		slog.String("job_id", job.ID),
		slog.Bool("executed", record.Executed),
		slog.String("recognized", record.Recognized),
		slog.String("total_assets", record.TotalAssets),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, job, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodeJobCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Note == "" {
				fallback.Note = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, job.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
				return err
			}
			p.outcome(StatusSucceeded)
			logger.Audit().Warn("收益确认任务降级完成",
				slog.String("job_id", job.ID),
				slog.String("error_code", string(code)),
				slog.String("note", fallback.Note),
			)
			if xerrors.ShouldAlert(execErr) {
				p.emitAlert(ctx, job, code, execErr, "degraded")
			}
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, string(code), execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	if terminal {
		p.outcome(StatusFailed)
	}
	logger.Audit().Warn("收益确认任务失败",
		slog.String("job_id", job.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, job, code, execErr, stage)
	}

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logDebug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) outcome(status Status) {
	if p.observe != nil {
		p.observe(status)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		Operation:  "executeAIYieldStrategy",
		JobID:      job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if _, ok := xerrors.From(cause); !ok {
		event.Severity = attrs.Severity
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
