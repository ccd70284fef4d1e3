package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	ChainID int64
	RPCURL  string
	WSURL   string
	Notes   string
}

// headReader is the subset of ethclient used for chain snapshots.
type headReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	expectedID  int64
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	heads       headReader
	eventClient logSubscriber
	mu          sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址", xerrors.WithMetadata("chain", cfg.Name))
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败", xerrors.WithMetadata("chain", cfg.Name))
	}
	eth := ethclient.NewClient(rpcClient)

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	client := newClient(cfg, eth, eventClient)
	client.rpcClient = rpcClient
	client.eth = eth
	return client, nil
}

func newClient(cfg Config, heads headReader, events logSubscriber) *Client {
	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		expectedID:  cfg.ChainID,
		heads:       heads,
		eventClient: events,
	}
}

// Name returns the chain name from the definitions file.
func (c *Client) Name() string {
	return c.name
}

// Backend exposes the underlying ethclient for contract bindings. It is nil
// for clients built without a JSON-RPC connection.
func (c *Client) Backend() *ethclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eth
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
		ec.Close()
	}
	c.eventClient = nil
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.heads = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain. A chain id
// different from the configured one is reported as a chain failure so that
// results are never annotated with the wrong network.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	c.mu.Lock()
	heads := c.heads
	c.mu.Unlock()
	if heads == nil {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "客户端缺少链访问后端")
	}

	chainID, err := heads.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	if c.expectedID != 0 && (chainID == nil || chainID.Cmp(big.NewInt(c.expectedID)) != 0) {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeChainFailure, "链 ID 与配置不一致",
			xerrors.WithMetadata("expected", fmt.Sprint(c.expectedID)),
			xerrors.WithMetadata("actual", toHexBig(chainID)))
	}
	blockNumber, err := heads.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	c.mu.Lock()
	subscriber := c.eventClient
	c.mu.Unlock()
	if subscriber == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "订阅事件失败")
	}
	return web3.NewEventSubscription(logs, sub), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
