package harvest

import (
	"context"
	"log/slog"
	"time"

	"Protego-Vault/pkg/logger"
)

// Submitter 是调度器提交任务所需的能力。
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Job, error)
}

// Scheduler 按固定间隔提交收益确认任务。
type Scheduler struct {
	submitter Submitter
	interval  time.Duration
	requester string
	now       func() time.Time
}

// NewScheduler 创建调度器，interval 不大于零时 Run 立即返回。
func NewScheduler(submitter Submitter, interval time.Duration, requester string) *Scheduler {
	if requester == "" {
		requester = "scheduler"
	}
	return &Scheduler{submitter: submitter, interval: interval, requester: requester, now: time.Now}
}

// Run 持续调度直到 ctx 结束。
// Job IDs are derived from the tick time, so two replicas sharing a store
// submit each tick once.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 || s.submitter == nil {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	slot := s.now().Truncate(s.interval).UTC()
	job, err := s.submitter.Submit(ctx, Request{
		ID:          "scheduled-" + slot.Format("20060102T150405Z"),
		Reason:      "scheduled",
		RequestedBy: s.requester,
		Metadata:    map[string]any{"slot": slot.Format(time.RFC3339)},
	})
	if err != nil {
		logger.L().Warn("调度收益确认失败", slog.Any("error", err))
		return
	}
	logger.L().Debug("已调度收益确认", slog.String("job_id", job.ID))
}
