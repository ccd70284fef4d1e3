package vault

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventName 标识金库事件类型。
type EventName string

const (
	EventDeposit          EventName = "Deposit"
	EventWithdraw         EventName = "Withdraw"
	EventYieldHarvested   EventName = "YieldHarvested"
	EventAIAgentUpdated   EventName = "AIAgentUpdated"
	EventCustodianUpdated EventName = "CustodianUpdated"
	EventPaused           EventName = "Paused"
	EventUnpaused         EventName = "Unpaused"
	EventTransfer         EventName = "Transfer"
	EventApproval         EventName = "Approval"
)

var eventSignatures = map[EventName]string{
	EventDeposit:          "Deposit(address,address,uint256,uint256)",
	EventWithdraw:         "Withdraw(address,address,address,uint256,uint256)",
	EventYieldHarvested:   "YieldHarvested(uint256)",
	EventAIAgentUpdated:   "AIAgentUpdated(address,address)",
	EventCustodianUpdated: "CustodianUpdated(address,address)",
	EventPaused:           "Paused(address)",
	EventUnpaused:         "Unpaused(address)",
	EventTransfer:         "Transfer(address,address,uint256)",
	EventApproval:         "Approval(address,address,uint256)",
}

var eventTopics = func() map[EventName]common.Hash {
	topics := make(map[EventName]common.Hash, len(eventSignatures))
	for name, sig := range eventSignatures {
		topics[name] = crypto.Keccak256Hash([]byte(sig))
	}
	return topics
}()

// Signature 返回事件的 Solidity 签名。
func (n EventName) Signature() string {
	return eventSignatures[n]
}

// Topic 返回事件签名的 keccak256 哈希，与链上日志的 topic0 一致。
func (n EventName) Topic() common.Hash {
	return eventTopics[n]
}

// Event 描述一次已提交调用产生的事件。
//
// 字段按事件类型取用：Transfer 使用 Sender/Receiver/Shares，Approval 使用
// Owner/Spender/Shares，角色更新使用 Previous/Current，Paused/Unpaused 使用 Sender，
// YieldHarvested 使用 Assets 表示本次确认的收益。
type Event struct {
	Seq      uint64         `json:"seq"`
	Name     EventName      `json:"name"`
	Topic    common.Hash    `json:"topic"`
	Time     time.Time      `json:"time"`
	Sender   common.Address `json:"sender,omitempty"`
	Receiver common.Address `json:"receiver,omitempty"`
	Owner    common.Address `json:"owner,omitempty"`
	Spender  common.Address `json:"spender,omitempty"`
	Previous common.Address `json:"previous,omitempty"`
	Current  common.Address `json:"current,omitempty"`
	Assets   *big.Int       `json:"assets,omitempty"`
	Shares   *big.Int       `json:"shares,omitempty"`
}

// Commit 汇总一次成功调用的结果。
type Commit struct {
	Operation string
	Caller    common.Address
	Events    []Event
	Snapshot  *Snapshot
}

// Sink 接收已提交调用的事件与快照。
//
// Record is invoked while the vault lock is still held, so commits arrive
// in order. An implementation must not call back into the same vault.
type Sink interface {
	Record(ctx context.Context, commit Commit) error
}

// SinkFunc 允许普通函数作为 Sink 使用。
type SinkFunc func(ctx context.Context, commit Commit) error

// Record 实现 Sink 接口。
func (f SinkFunc) Record(ctx context.Context, commit Commit) error {
	return f(ctx, commit)
}

// Observer 观察每一次变更调用的结果，用于指标与告警。
type Observer interface {
	ObserveCall(operation string, caller common.Address, err error, elapsed time.Duration)
}

// ObserverFunc 允许普通函数作为 Observer 使用。
type ObserverFunc func(operation string, caller common.Address, err error, elapsed time.Duration)

// ObserveCall 实现 Observer 接口。
func (f ObserverFunc) ObserveCall(operation string, caller common.Address, err error, elapsed time.Duration) {
	f(operation, caller, err, elapsed)
}
