package events

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/vault"
	"Protego-Vault/pkg/logger"
)

// Publisher 将事件消息投递到下游。
type Publisher interface {
	Publish(ctx context.Context, messages []Message) error
	Close() error
}

// Fanout 把金库提交转换为消息并依次交给所有发布者，实现 vault.Sink。
type Fanout struct {
	publishers []Publisher
	log        *slog.Logger
}

// NewFanout 创建事件扇出器。
func NewFanout(publishers ...Publisher) *Fanout {
	filtered := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return &Fanout{publishers: filtered, log: logger.Named("events")}
}

// Record 实现 vault.Sink。单个发布者失败不会阻止其他发布者。
func (f *Fanout) Record(ctx context.Context, commit vault.Commit) error {
	if len(commit.Events) == 0 || len(f.publishers) == 0 {
		return nil
	}
	messages := FromCommit(commit)
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, messages); err != nil {
			f.log.Warn("事件发布失败", "operation", commit.Operation, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodePublishFailure, stdErrors.Join(errs...), "publish vault events")
	}
	return nil
}

// Close 关闭全部发布者。
func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Chain 依次调用多个 Sink，用于同时写入事件日志与发布事件。
type Chain []vault.Sink

// Record 实现 vault.Sink。
func (c Chain) Record(ctx context.Context, commit vault.Commit) error {
	var errs []error
	for _, sink := range c {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, commit); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
