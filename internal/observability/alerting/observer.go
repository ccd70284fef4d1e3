package alerting

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/pkg/logger"
)

// VaultObserver 实现 vault.Observer，在调用失败且错误码要求告警时派发事件。
//
// ObserveCall runs under the vault lock, so events are only queued there.
// Run delivers them to the dispatcher.
type VaultObserver struct {
	dispatcher Dispatcher
	timeout    time.Duration
	pending    chan Event
}

// NewVaultObserver 创建 VaultObserver，buffer 为待发送告警的队列长度。
func NewVaultObserver(dispatcher Dispatcher, buffer int) *VaultObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &VaultObserver{dispatcher: dispatcher, timeout: 5 * time.Second, pending: make(chan Event, buffer)}
}

// ObserveCall 实现 vault.Observer 接口。
func (o *VaultObserver) ObserveCall(operation string, caller common.Address, err error, elapsed time.Duration) {
	if o == nil || err == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := FromError(err, operation)
	event.Caller = caller.Hex()
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["elapsed"] = elapsed.String()

	select {
	case o.pending <- event:
	default:
		logger.L().Warn("告警队列已满，丢弃告警",
			slog.String("operation", operation),
			slog.String("code", string(event.Code)),
		)
	}
}

// Run 持续派发排队的告警，直到 ctx 结束。
func (o *VaultObserver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-o.pending:
			o.deliver(ctx, event)
		}
	}
}

func (o *VaultObserver) deliver(ctx context.Context, event Event) {
	if o.dispatcher == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := o.dispatcher.Notify(notifyCtx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("operation", event.Operation),
			slog.String("code", string(event.Code)),
		)
	}
}
