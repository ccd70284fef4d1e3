package events

import (
	"context"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Protego-Vault/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 事件发布的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// amqpChannel 是发布者用到的 channel 方法子集，*amqp.Channel 满足该接口。
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher 将事件发布到 topic exchange，路由键形如 vault.deposit。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明 exchange。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	p, err := newRabbitMQPublisher(ch, cfg)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitMQPublisher(ch amqpChannel, cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "protego.vault.events"
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ exchange 失败")
	}
	return &RabbitMQPublisher{ch: ch, exchange: exchange}, nil
}

// RoutingKey 返回事件的路由键。
func RoutingKey(name string) string {
	return "vault." + strings.ToLower(name)
}

// Publish 实现 Publisher。
func (p *RabbitMQPublisher) Publish(ctx context.Context, messages []Message) error {
	if p == nil || p.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 发布者未初始化")
	}
	for _, m := range messages {
		raw, err := m.Encode()
		if err != nil {
			return xerrors.Wrap(xerrors.CodePublishFailure, err, "encode event")
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(m.Name), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.ID,
			Timestamp:    m.Time,
			Type:         m.Name,
			Body:         raw,
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodePublishFailure, err, "RabbitMQ 发布事件失败",
				xerrors.WithMetadata("event", m.Name))
		}
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
