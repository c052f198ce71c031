// Package consumer 实现 Worker 的上行消费者
// 按路由键分发到对应服务，业务失败走有界重试，耗尽后进入死信主题
package consumer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/courier/worker/service"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
)

// DefaultMaxRetries 单条信封的最大重试次数，超过后进入死信主题
const DefaultMaxRetries = 3

// Consumer 上行消费者
type Consumer struct {
	client        mq.MQ
	messages      service.MessageService
	postBroadcast service.PostBroadcastService
	acks          service.AckService
	logger        clog.Logger
	maxRetries    int

	subscriptions []mq.Subscription
	cancel        context.CancelFunc
}

// Option 消费者配置选项
type Option func(*Consumer)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMaxRetries 设置最大重试次数
func WithMaxRetries(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// New 创建上行消费者
func New(
	client mq.MQ,
	messages service.MessageService,
	postBroadcast service.PostBroadcastService,
	acks service.AckService,
	opts ...Option,
) (*Consumer, error) {
	if client == nil {
		return nil, xerrors.New("mq client is nil")
	}
	if messages == nil {
		return nil, xerrors.New("message service is nil")
	}
	if postBroadcast == nil {
		return nil, xerrors.New("post broadcast service is nil")
	}
	if acks == nil {
		return nil, xerrors.New("ack service is nil")
	}

	c := &Consumer{
		client:        client,
		messages:      messages,
		postBroadcast: postBroadcast,
		acks:          acks,
		maxRetries:    DefaultMaxRetries,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = clog.Discard()
	}

	return c, nil
}

// Start 订阅全部上行主题，同一队列组内的 Worker 互斥消费
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	routes := []string{
		model.RouteMessage,
		model.RouteAck,
		model.RouteTyping,
		model.RouteRead,
		model.RoutePresence,
		model.RoutePostBroadcast,
	}

	for _, route := range routes {
		topic := model.UpstreamTopic(route)
		sub, err := c.client.Subscribe(ctx, topic, func(msg mq.Message) error {
			return c.handleMessage(ctx, msg)
		}, mq.WithQueueGroup(model.UpstreamQueueGroup))
		if err != nil {
			c.stopSubscriptions()
			cancel()
			return xerrors.Wrapf(err, "subscribe to %s", topic)
		}
		c.subscriptions = append(c.subscriptions, sub)
		c.logger.Info("subscribed to upstream topic",
			clog.String("topic", topic),
			clog.String("queue_group", model.UpstreamQueueGroup))
	}

	return nil
}

// Stop 取消订阅并停止消费
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.stopSubscriptions()
	c.logger.Info("upstream consumer stopped")
}

func (c *Consumer) stopSubscriptions() {
	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe", clog.Error(err))
		}
	}
	c.subscriptions = nil
}

// handleMessage 按主题尾段的路由键分发
// 无法解析的载荷直接 Ack 丢弃，避免毒消息反复重投
func (c *Consumer) handleMessage(ctx context.Context, msg mq.Message) error {
	route := routeOf(msg.Topic())

	var err error
	switch route {
	case model.RouteMessage:
		err = c.consumeUpstream(ctx, msg)
	case model.RoutePostBroadcast:
		err = c.consumePostBroadcast(ctx, msg)
	case model.RouteRead:
		err = c.consumeRead(ctx, msg)
	case model.RouteAck:
		err = c.consumeAck(ctx, msg)
	case model.RoutePresence:
		err = c.consumePresence(ctx, msg)
	case model.RouteTyping:
		err = c.consumeTyping(ctx, msg)
	default:
		c.logger.Warn("unknown upstream route, dropping",
			clog.String("subject", msg.Topic()))
		err = nil
	}

	if err != nil {
		c.logger.ErrorContext(ctx, "failed to consume upstream envelope",
			clog.String("subject", msg.Topic()),
			clog.Error(err))
	}
	return c.ack(msg)
}

func (c *Consumer) consumeUpstream(ctx context.Context, msg mq.Message) error {
	var envelope model.UpstreamMessage
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		c.logger.Warn("unparseable upstream message, dropping",
			clog.String("subject", msg.Topic()),
			clog.Error(err))
		return nil
	}

	ctx = observability.ExtractTraceContext(ctx, envelope.TraceHeaders)

	result, err := c.messages.ProcessUpstream(ctx, &envelope)
	if err != nil {
		return c.retryOrDeadLetter(ctx, msg, envelope.RetryCount, func(n int) ([]byte, error) {
			envelope.RetryCount = n
			return json.Marshal(&envelope)
		}, err)
	}

	if result.Status == model.ProcessStatusError {
		c.logger.WarnContext(ctx, "upstream message rejected by pipeline",
			clog.String("client_msg_id", envelope.ClientMsgID),
			clog.String("reason", result.Error))
	}
	return nil
}

func (c *Consumer) consumePostBroadcast(ctx context.Context, msg mq.Message) error {
	var event model.PostBroadcastEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.logger.Warn("unparseable post broadcast event, dropping",
			clog.String("subject", msg.Topic()),
			clog.Error(err))
		return nil
	}

	ctx = observability.ExtractTraceContext(ctx, event.TraceHeaders)

	if err := c.postBroadcast.HandleEvent(ctx, &event); err != nil {
		return c.retryOrDeadLetter(ctx, msg, event.RetryCount, func(n int) ([]byte, error) {
			event.RetryCount = n
			return json.Marshal(&event)
		}, err)
	}
	return nil
}

// consumeTyping 瞬时信令只做在线转发，不走重试链路
func (c *Consumer) consumeTyping(ctx context.Context, msg mq.Message) error {
	var envelope model.UpstreamMessage
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		c.logger.Warn("unparseable typing event, dropping", clog.Error(err))
		return nil
	}

	ctx = observability.ExtractTraceContext(ctx, envelope.TraceHeaders)
	return c.messages.ForwardEphemeral(ctx, &envelope)
}

func (c *Consumer) consumeRead(ctx context.Context, msg mq.Message) error {
	var read model.ReadPayload
	if err := json.Unmarshal(msg.Data(), &read); err != nil {
		c.logger.Warn("unparseable read receipt, dropping", clog.Error(err))
		return nil
	}
	return c.acks.HandleRead(ctx, &read)
}

func (c *Consumer) consumeAck(ctx context.Context, msg mq.Message) error {
	var ack model.AckPayload
	if err := json.Unmarshal(msg.Data(), &ack); err != nil {
		c.logger.Warn("unparseable delivery ack, dropping", clog.Error(err))
		return nil
	}
	return c.acks.HandleAck(ctx, &ack)
}

func (c *Consumer) consumePresence(ctx context.Context, msg mq.Message) error {
	var presence model.PresencePayload
	if err := json.Unmarshal(msg.Data(), &presence); err != nil {
		c.logger.Warn("unparseable presence event, dropping", clog.Error(err))
		return nil
	}
	return c.acks.HandlePresence(ctx, &presence)
}

// retryOrDeadLetter 有界重试：重试计数随信封携带
// 未超限时重新发布到原主题，超限后转入死信主题，两种情况都消费掉原消息
func (c *Consumer) retryOrDeadLetter(ctx context.Context, msg mq.Message, retryCount int, remarshal func(int) ([]byte, error), cause error) error {
	if retryCount < c.maxRetries {
		data, err := remarshal(retryCount + 1)
		if err != nil {
			return xerrors.Wrapf(err, "remarshal envelope for retry")
		}
		if err := c.client.Publish(ctx, msg.Topic(), data); err != nil {
			return xerrors.Wrapf(err, "republish envelope to %s", msg.Topic())
		}
		observability.RecordConsumerRetry(ctx)
		c.logger.WarnContext(ctx, "envelope scheduled for retry",
			clog.String("subject", msg.Topic()),
			clog.Int("retry_count", retryCount+1),
			clog.Error(cause))
		return nil
	}

	if err := c.client.Publish(ctx, model.TopicDeadLetter, msg.Data()); err != nil {
		return xerrors.Wrapf(err, "publish envelope to dead letter topic")
	}
	observability.RecordDeadLetter(ctx)
	c.logger.ErrorContext(ctx, "envelope exhausted retries, moved to dead letter",
		clog.String("subject", msg.Topic()),
		clog.Int("retry_count", retryCount),
		clog.Error(cause))
	return nil
}

func (c *Consumer) ack(msg mq.Message) error {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("failed to ack message", clog.Error(err))
	}
	return nil
}

// routeOf 取主题的尾段作为路由键
func routeOf(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return subject
	}
	return subject[idx+1:]
}
