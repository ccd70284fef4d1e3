package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Protego-Vault/internal/errors"
)

// RedisConfig 描述 Redis 事件发布的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
	// History 为保存最近事件的 list 键，为空时不保存。
	History    string
	HistoryLen int64
}

// redisCommander 是发布者用到的 Redis 命令子集，*redis.Client 满足该接口。
type redisCommander interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// RedisPublisher 通过 Redis Pub/Sub 广播事件，并可选地保留最近历史。
type RedisPublisher struct {
	client     redisCommander
	channel    string
	history    string
	historyLen int64
}

// NewRedisPublisher 连接 Redis 并创建发布者。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redisCommander, cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "protego:vault:events"
	}
	historyLen := cfg.HistoryLen
	if historyLen <= 0 {
		historyLen = 1000
	}
	return &RedisPublisher{client: client, channel: channel, history: cfg.History, historyLen: historyLen}
}

// Publish 实现 Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, messages []Message) error {
	for _, m := range messages {
		raw, err := m.Encode()
		if err != nil {
			return xerrors.Wrap(xerrors.CodePublishFailure, err, "encode event")
		}
		if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败",
				xerrors.WithMetadata("event", m.Name))
		}
		if p.history == "" {
			continue
		}
		if err := p.client.LPush(ctx, p.history, raw).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 写入事件历史失败")
		}
	}
	if p.history != "" && len(messages) > 0 {
		if err := p.client.LTrim(ctx, p.history, 0, p.historyLen-1).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 裁剪事件历史失败")
		}
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
