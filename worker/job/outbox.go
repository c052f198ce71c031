// Package job 承载 Worker 的后台任务
package job

import (
	"context"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/repo"
	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/courier/worker/service"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

const (
	// relayInterval 扫描 outbox 待发事件的周期
	relayInterval = 1 * time.Second

	// relayBatchSize 单次扫描的最大事件数
	relayBatchSize = 100

	// relayMaxRetries 单条事件的最大补发次数，超过后标记为失败
	relayMaxRetries = 5
)

// OutboxRelay 事务性 outbox 补发任务
// 周期扫描 pending 事件并重新发布，发布失败按平方退避推迟下次尝试
type OutboxRelay struct {
	messageRepo repo.MessageRepo
	publisher   service.Publisher
	logger      clog.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

// OutboxRelayOption 补发任务配置选项
type OutboxRelayOption func(*OutboxRelay)

// WithOutboxRelayLogger 设置日志记录器
func WithOutboxRelayLogger(logger clog.Logger) OutboxRelayOption {
	return func(r *OutboxRelay) {
		r.logger = logger
	}
}

// NewOutboxRelay 创建 outbox 补发任务
func NewOutboxRelay(messageRepo repo.MessageRepo, publisher service.Publisher, opts ...OutboxRelayOption) (*OutboxRelay, error) {
	if messageRepo == nil {
		return nil, xerrors.New("message repo is nil")
	}
	if publisher == nil {
		return nil, xerrors.New("publisher is nil")
	}

	r := &OutboxRelay{
		messageRepo: messageRepo,
		publisher:   publisher,
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = clog.Discard()
	}

	return r, nil
}

// Start 启动补发循环
func (r *OutboxRelay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.loop(ctx)
	r.logger.Info("outbox relay started",
		clog.Any("interval", relayInterval.String()),
		clog.Int("batch_size", relayBatchSize))
}

// Stop 停止补发循环并等待当前一轮结束
func (r *OutboxRelay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *OutboxRelay) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(relayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.relayOnce(ctx)
		}
	}
}

// relayOnce 扫描并补发一批事件，panic 只中断本轮
func (r *OutboxRelay) relayOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("outbox relay tick panicked", clog.Any("panic", rec))
		}
	}()

	events, err := r.messageRepo.GetPendingOutboxEvents(ctx, relayBatchSize)
	if err != nil {
		r.logger.Error("failed to load pending outbox events", clog.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		r.relayEvent(ctx, event)
	}
}

func (r *OutboxRelay) relayEvent(ctx context.Context, event *model.OutboxEvent) {
	if err := r.publisher.Publish(ctx, event.Topic, event.Payload); err != nil {
		r.handlePublishFailure(ctx, event, err)
		return
	}

	if err := r.messageRepo.UpdateOutboxStatus(ctx, event.ID, model.OutboxStatusSent); err != nil {
		// 标记失败会导致事件被重复发布，下游按 msg_id 幂等兜底
		r.logger.Warn("failed to mark outbox event as sent",
			clog.Int64("event_id", event.ID),
			clog.Error(err))
		return
	}

	observability.RecordOutboxRelayed(ctx)
	r.logger.Debug("outbox event relayed",
		clog.Int64("event_id", event.ID),
		clog.Int64("msg_id", event.MsgID),
		clog.String("topic", event.Topic))
}

func (r *OutboxRelay) handlePublishFailure(ctx context.Context, event *model.OutboxEvent, cause error) {
	retryCount := event.RetryCount + 1
	if retryCount >= relayMaxRetries {
		if err := r.messageRepo.UpdateOutboxStatus(ctx, event.ID, model.OutboxStatusFailed); err != nil {
			r.logger.Error("failed to mark outbox event as failed",
				clog.Int64("event_id", event.ID),
				clog.Error(err))
			return
		}
		observability.RecordOutboxFailed(ctx)
		r.logger.Error("outbox event exhausted retries",
			clog.Int64("event_id", event.ID),
			clog.Int64("msg_id", event.MsgID),
			clog.Error(cause))
		return
	}

	// 平方退避，retryCount 为 1/2/3/4 时分别推迟 1/4/9/16 秒
	backoff := time.Duration(retryCount*retryCount) * time.Second
	nextRetry := time.Now().Add(backoff)

	if err := r.messageRepo.UpdateOutboxRetry(ctx, event.ID, nextRetry, retryCount); err != nil {
		r.logger.Error("failed to schedule outbox retry",
			clog.Int64("event_id", event.ID),
			clog.Error(err))
		return
	}

	r.logger.Warn("outbox publish failed, scheduled retry",
		clog.Int64("event_id", event.ID),
		clog.Int("retry_count", retryCount),
		clog.Any("next_retry", nextRetry.Format(time.RFC3339)),
		clog.Error(cause))
}
