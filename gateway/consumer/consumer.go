// Package consumer 订阅本节点的下行与通知主题并交由连接层投递
package consumer

import (
	"context"
	"encoding/json"

	"github.com/ceyewan/courier/gateway/connection"
	"github.com/ceyewan/courier/gateway/observability"
	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
)

// Consumer 下行消费者
// 每个网关节点订阅自己的专属主题，队列组同名，重启后续接未处理的积压
type Consumer struct {
	nodeID        string
	client        mq.MQ
	conns         *connection.Service
	logger        clog.Logger
	subscriptions []mq.Subscription
	cancel        context.CancelFunc
}

// Option 配置 Consumer 的可选项
type Option func(*Consumer)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger.With(clog.String("component", "downstream-consumer"))
	}
}

// New 创建下行消费者
func New(nodeID string, client mq.MQ, conns *connection.Service, opts ...Option) (*Consumer, error) {
	if nodeID == "" {
		return nil, xerrors.New("nodeID cannot be empty")
	}
	if client == nil {
		return nil, xerrors.New("mq client cannot be nil")
	}
	if conns == nil {
		return nil, xerrors.New("connection service cannot be nil")
	}

	c := &Consumer{
		nodeID: nodeID,
		client: client,
		conns:  conns,
		logger: clog.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start 订阅本节点的下行主题
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	topics := []string{
		model.DownstreamTopic(c.nodeID),
		model.NotifyTopic(c.nodeID),
	}
	for _, topic := range topics {
		sub, err := c.client.Subscribe(ctx, topic, func(msg mq.Message) error {
			return c.handleMessage(ctx, msg)
		}, mq.WithQueueGroup(c.nodeID))
		if err != nil {
			c.Stop()
			return xerrors.Wrapf(err, "failed to subscribe to %s", topic)
		}
		c.subscriptions = append(c.subscriptions, sub)
		c.logger.Info("subscribed to downstream topic", clog.String("topic", topic))
	}
	return nil
}

// Stop 取消所有订阅
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error("failed to unsubscribe", clog.Error(err))
		}
	}
	c.subscriptions = nil
	c.logger.Info("downstream consumer stopped")
}

// handleMessage 解析下行指令并投递给本地连接
// 无法解析的消息确认后丢弃，投递失败（用户已迁移或离线）不重试，
// 补投由上线补发链路兜底
func (c *Consumer) handleMessage(ctx context.Context, msg mq.Message) error {
	var payload model.DownstreamPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		c.logger.Error("dropping malformed downstream payload",
			clog.String("subject", msg.Topic()),
			clog.Error(err))
		return c.ack(msg)
	}

	ctx = observability.ExtractTraceContext(ctx, payload.TraceHeaders)
	observability.RecordDownstreamConsumed(ctx)

	c.conns.HandleDownstream(ctx, &payload)
	return c.ack(msg)
}

func (c *Consumer) ack(msg mq.Message) error {
	if err := msg.Ack(); err != nil {
		c.logger.Error("failed to ack downstream message", clog.Error(err))
		return err
	}
	return nil
}
