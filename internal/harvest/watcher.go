package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"Protego-Vault/internal/web3"
	"Protego-Vault/pkg/logger"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// LogSubscriber 是观察链上转账所需的订阅能力。
type LogSubscriber interface {
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error)
}

// TransferWatcher 监听流入托管账户的 ERC-20 转账，并为每笔转账提交收益确认任务。
// Deposits also arrive as inbound transfers; their jobs observe no surplus
// and are recorded as skips.
type TransferWatcher struct {
	subscriber LogSubscriber
	token      common.Address
	account    common.Address
	submitter  Submitter
	newBackOff func() backoff.BackOff
}

// NewTransferWatcher 创建转账监听器。
func NewTransferWatcher(subscriber LogSubscriber, token, account common.Address, submitter Submitter) *TransferWatcher {
	return &TransferWatcher{
		subscriber: subscriber,
		token:      token,
		account:    account,
		submitter:  submitter,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Query 返回订阅过滤条件：token 合约上 to 为托管账户的 Transfer 日志。
func (w *TransferWatcher) Query() gethcore.FilterQuery {
	return gethcore.FilterQuery{
		Addresses: []common.Address{w.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(w.account.Bytes())},
		},
	}
}

// Run 持续监听直到 ctx 结束，订阅断开后按指数退避重新订阅。
func (w *TransferWatcher) Run(ctx context.Context) error {
	b := w.newBackOff()
	for {
		sub, err := w.subscriber.SubscribeEvents(ctx, w.Query())
		if err == nil {
			b.Reset()
			err = w.consume(ctx, sub)
			sub.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		logger.L().Warn("转账订阅中断，稍后重试", slog.Any("error", err), slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *TransferWatcher) consume(ctx context.Context, sub *web3.EventSubscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = fmt.Errorf("subscription closed")
			}
			return err
		case log, ok := <-sub.Logs():
			if !ok {
				return fmt.Errorf("log channel closed")
			}
			w.handle(ctx, log)
		}
	}
}

func (w *TransferWatcher) handle(ctx context.Context, log coretypes.Log) {
	if log.Removed || len(log.Topics) < 3 || log.Topics[0] != transferTopic {
		return
	}
	from := common.BytesToAddress(log.Topics[1].Bytes())
	if from == w.account {
		return
	}
	job, err := w.submitter.Submit(ctx, Request{
		ID:          fmt.Sprintf("transfer-%s-%d", log.TxHash.Hex(), log.Index),
		Reason:      "inbound transfer",
		RequestedBy: "transfer-watcher",
		Metadata: map[string]any{
			"from":  from.Hex(),
			"tx":    log.TxHash.Hex(),
			"block": log.BlockNumber,
		},
	})
	if err != nil {
		logger.L().Warn("提交转账触发的收益确认失败", slog.Any("error", err), slog.String("tx", log.TxHash.Hex()))
		return
	}
	logger.L().Debug("转账触发收益确认", slog.String("job_id", job.ID), slog.String("from", from.Hex()))
}
