package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ceyewan/courier/cluster"
	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/repo"
	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
	"go.opentelemetry.io/otel/attribute"
)

// Publisher 消息发布接口，由 mq.Client 实现
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, opts ...mq.PublishOption) error
}

// IDGenerator 消息 ID 生成接口，由 idgen.Generator 实现
type IDGenerator interface {
	Next() int64
}

// MessageService 消息管线服务接口
type MessageService interface {
	// ProcessUpstream 处理一条上行消息，完成去重、定序、落库与路由
	// 业务性失败通过 ProcessResult 的状态表达，返回的 error 只表示基础设施故障
	ProcessUpstream(ctx context.Context, msg *model.UpstreamMessage) (*model.ProcessResult, error)

	// CreateAndPersist 同步写入路径，消息与 outbox 事件在同一事务中落库
	// 路由扇出交给异步发布与 outbox 补发完成
	CreateAndPersist(ctx context.Context, msg *model.UpstreamMessage, attachments []*model.Attachment) (*model.ProcessResult, error)

	// ForwardEphemeral 瞬时信令（typing 等）只做在线扇出，不去重不落库
	ForwardEphemeral(ctx context.Context, msg *model.UpstreamMessage) error
}

type messageService struct {
	messageRepo repo.MessageRepo
	channelRepo repo.ChannelRepo
	dedup       repo.DedupStore
	sequencer   cluster.Sequencer
	idGen       IDGenerator
	router      RouterService
	publisher   Publisher
	logger      clog.Logger
}

var _ MessageService = (*messageService)(nil)

// MessageServiceOption 消息服务配置选项
type MessageServiceOption func(*messageService)

// WithMessageServiceLogger 设置日志记录器
func WithMessageServiceLogger(logger clog.Logger) MessageServiceOption {
	return func(s *messageService) {
		s.logger = logger
	}
}

// NewMessageService 创建消息管线服务
func NewMessageService(
	messageRepo repo.MessageRepo,
	channelRepo repo.ChannelRepo,
	dedup repo.DedupStore,
	sequencer cluster.Sequencer,
	idGen IDGenerator,
	router RouterService,
	publisher Publisher,
	opts ...MessageServiceOption,
) (MessageService, error) {
	if messageRepo == nil {
		return nil, xerrors.New("message repo is nil")
	}
	if channelRepo == nil {
		return nil, xerrors.New("channel repo is nil")
	}
	if dedup == nil {
		return nil, xerrors.New("dedup store is nil")
	}
	if sequencer == nil {
		return nil, xerrors.New("sequencer is nil")
	}
	if idGen == nil {
		return nil, xerrors.New("id generator is nil")
	}
	if router == nil {
		return nil, xerrors.New("router service is nil")
	}
	if publisher == nil {
		return nil, xerrors.New("publisher is nil")
	}

	s := &messageService{
		messageRepo: messageRepo,
		channelRepo: channelRepo,
		dedup:       dedup,
		sequencer:   sequencer,
		idGen:       idGen,
		router:      router,
		publisher:   publisher,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = clog.Discard()
	}

	return s, nil
}

func (s *messageService) ProcessUpstream(ctx context.Context, msg *model.UpstreamMessage) (*model.ProcessResult, error) {
	start := time.Now()
	ctx, end := observability.StartSpan(ctx, "message.process_upstream",
		attribute.String("target_type", msg.TargetType),
		attribute.String("target_id", msg.TargetID),
	)
	defer end()
	defer func() {
		observability.RecordProcessDuration(ctx, time.Since(start).Seconds())
	}()

	if err := msg.Validate(); err != nil {
		observability.RecordMessageFailed(ctx)
		return &model.ProcessResult{Status: model.ProcessStatusError, Error: err.Error()}, nil
	}

	// 幂等检查：同一 client_msg_id 的重放返回首次处理的结果
	if msg.ClientMsgID != "" {
		record, err := s.dedup.Check(ctx, msg.ClientMsgID)
		if err != nil {
			s.logger.WarnContext(ctx, "dedup check failed, proceeding",
				clog.String("client_msg_id", msg.ClientMsgID),
				clog.Error(err))
		}
		if record != nil {
			observability.RecordMessageDuplicate(ctx)
			s.logger.InfoContext(ctx, "duplicate upstream message short-circuited",
				clog.String("client_msg_id", msg.ClientMsgID),
				clog.Int64("msg_id", record.MsgID))
			return &model.ProcessResult{
				Status:    model.ProcessStatusDuplicate,
				MsgID:     record.MsgID,
				SeqID:     record.SeqID,
				Timestamp: record.Timestamp,
			}, nil
		}
	}

	// 收件箱簿记随消息同事务写入 Routed=true 事件，由 outbox 补发驱动后置处理
	// 在线扇出仍在本管线内完成，消费侧不会重复路由
	stored, _, err := s.persistMessage(ctx, msg, nil, true)
	if err != nil {
		observability.RecordMessageFailed(ctx)
		s.logger.ErrorContext(ctx, "failed to persist upstream message",
			clog.String("channel_id", msg.TargetID),
			clog.Error(err))
		return &model.ProcessResult{Status: model.ProcessStatusError, Error: err.Error()}, nil
	}

	s.markDedup(ctx, msg.ClientMsgID, stored)

	// 路由扇出与未读计数失败不回滚消息，由 outbox 或补发服务兜底
	recipients, err := s.resolveRecipients(ctx, msg.TargetType, msg.TargetID, msg.SenderID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve recipients",
			clog.String("target_id", msg.TargetID),
			clog.Error(err))
	} else {
		if err := s.router.RouteToUsers(ctx, buildDownstream(msg, stored, recipients), recipients); err != nil {
			s.logger.ErrorContext(ctx, "failed to route message downstream",
				clog.Int64("msg_id", stored.MsgID),
				clog.Error(err))
		}
		if err := s.channelRepo.IncrementUnread(ctx, msg.TargetID, recipients); err != nil {
			s.logger.WarnContext(ctx, "failed to increment unread counts",
				clog.String("channel_id", msg.TargetID),
				clog.Error(err))
		}
	}

	observability.RecordMessageProcessed(ctx)
	return &model.ProcessResult{
		Status:    model.ProcessStatusOK,
		MsgID:     stored.MsgID,
		SeqID:     stored.SeqID,
		Timestamp: stored.CreatedAt.UnixMilli(),
	}, nil
}

func (s *messageService) CreateAndPersist(ctx context.Context, msg *model.UpstreamMessage, attachments []*model.Attachment) (*model.ProcessResult, error) {
	ctx, end := observability.StartSpan(ctx, "message.create_and_persist",
		attribute.String("target_id", msg.TargetID),
	)
	defer end()

	if err := msg.Validate(); err != nil {
		return &model.ProcessResult{Status: model.ProcessStatusError, Error: err.Error()}, nil
	}

	if msg.ClientMsgID != "" {
		record, err := s.dedup.Check(ctx, msg.ClientMsgID)
		if err != nil {
			s.logger.WarnContext(ctx, "dedup check failed, proceeding",
				clog.String("client_msg_id", msg.ClientMsgID),
				clog.Error(err))
		}
		if record != nil {
			observability.RecordMessageDuplicate(ctx)
			return &model.ProcessResult{
				Status:    model.ProcessStatusDuplicate,
				MsgID:     record.MsgID,
				SeqID:     record.SeqID,
				Timestamp: record.Timestamp,
			}, nil
		}
	}

	if attachments == nil {
		attachments = []*model.Attachment{}
	}
	stored, event, err := s.persistMessage(ctx, msg, attachments, false)
	if err != nil {
		observability.RecordMessageFailed(ctx)
		return &model.ProcessResult{Status: model.ProcessStatusError, Error: err.Error()}, nil
	}

	s.markDedup(ctx, msg.ClientMsgID, stored)
	// 旁路异步发布压低同步路径的投递延迟，失败由 outbox 补发兜底
	s.publishOutboxAsync(event, stored.MsgID)
	observability.RecordMessageProcessed(ctx)

	return &model.ProcessResult{
		Status:    model.ProcessStatusOK,
		MsgID:     stored.MsgID,
		SeqID:     stored.SeqID,
		Timestamp: stored.CreatedAt.UnixMilli(),
	}, nil
}

// ForwardEphemeral 在线转发瞬时信令，离线成员静默跳过
func (s *messageService) ForwardEphemeral(ctx context.Context, msg *model.UpstreamMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	recipients, err := s.resolveRecipients(ctx, msg.TargetType, msg.TargetID, msg.SenderID)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	payload := &model.DownstreamPayload{
		SenderID:      msg.SenderID,
		TargetType:    msg.TargetType,
		TargetID:      msg.TargetID,
		TargetUserIDs: recipients,
		Type:          msg.Type,
		Payload:       msg.Payload,
		Timestamp:     msg.Timestamp,
		TraceHeaders:  msg.TraceHeaders,
	}
	return s.router.RouteToUsers(ctx, payload, recipients)
}

// persistMessage 为消息分配 ID 与序号，并与投递簿记事件同事务落库
// routed 标记扇出是否由调用方在管线内完成，事件消费侧据此决定是否补做路由与未读计数
func (s *messageService) persistMessage(ctx context.Context, msg *model.UpstreamMessage, attachments []*model.Attachment, routed bool) (*model.Message, *model.OutboxEvent, error) {
	channel, err := s.channelRepo.GetChannel(ctx, msg.TargetID)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "get channel %s", msg.TargetID)
	}
	if channel == nil {
		return nil, nil, xerrors.New("channel not found: " + msg.TargetID)
	}

	// 频道序号以落库的最大值为底，避免 Redis 丢数据后序号回退
	if err := s.sequencer.SeedIfAbsent(ctx, msg.TargetID, channel.MaxSeqID); err != nil {
		return nil, nil, xerrors.Wrapf(err, "seed sequence for channel %s", msg.TargetID)
	}

	seqID, err := s.sequencer.Next(ctx, msg.TargetID)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "allocate sequence for channel %s", msg.TargetID)
	}

	msgID := s.idGen.Next()

	stored := &model.Message{
		MsgID:       msgID,
		ChannelID:   msg.TargetID,
		SenderID:    msg.SenderID,
		SeqID:       seqID,
		Content:     string(msg.Payload),
		MsgType:     msg.Type,
		ClientMsgID: msg.ClientMsgID,
		GatewayID:   msg.GatewayID,
		CreatedAt:   time.Now(),
	}

	if msg.ParentID != 0 {
		parentID, rootID, err := s.resolveThread(ctx, msg.ParentID)
		if err != nil {
			return nil, nil, err
		}
		stored.ParentID = &parentID
		stored.RootID = &rootID
	}

	for _, att := range attachments {
		att.MsgID = msgID
	}

	event, err := s.buildOutboxEvent(ctx, msg, stored, routed)
	if err != nil {
		return nil, nil, err
	}

	if err := s.messageRepo.SaveMessageWithOutbox(ctx, stored, attachments, event); err != nil {
		return nil, nil, xerrors.Wrapf(err, "save message %d with outbox", msgID)
	}

	return stored, event, nil
}

// resolveThread 解析回复关系，楼中楼拍平为二级结构
// 回复一条回复时，root 继承父消息的 root
func (s *messageService) resolveThread(ctx context.Context, parentID int64) (int64, int64, error) {
	parent, err := s.messageRepo.GetMessage(ctx, parentID)
	if err != nil {
		return 0, 0, xerrors.Wrapf(err, "get parent message %d", parentID)
	}
	if parent == nil {
		return 0, 0, xerrors.New("parent message not found")
	}
	if parent.RootID != nil {
		return parentID, *parent.RootID, nil
	}
	return parentID, parent.MsgID, nil
}

// buildOutboxEvent 构造投递簿记事件
// Routed=false 时扇出与未读计数由事件消费侧补做，Routed=true 时消费侧只写收件箱
func (s *messageService) buildOutboxEvent(ctx context.Context, msg *model.UpstreamMessage, stored *model.Message, routed bool) (*model.OutboxEvent, error) {
	enriched := *msg
	enriched.MsgID = stored.MsgID
	enriched.SeqID = stored.SeqID

	headers := make(map[string]string)
	observability.InjectTraceContext(ctx, headers)

	payload, err := json.Marshal(&model.PostBroadcastEvent{
		Message:      enriched,
		Routed:       routed,
		TraceHeaders: headers,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "marshal post broadcast event for message %d", stored.MsgID)
	}

	now := time.Now()
	return &model.OutboxEvent{
		MsgID:         stored.MsgID,
		EventType:     model.RoutePostBroadcast,
		Topic:         model.UpstreamTopic(model.RoutePostBroadcast),
		Payload:       payload,
		Status:        model.OutboxStatusPending,
		NextRetryTime: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// publishOutboxAsync 事务提交后旁路异步发布，失败只记录，由 outbox 补发兜底
func (s *messageService) publishOutboxAsync(event *model.OutboxEvent, msgID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.publisher.Publish(ctx, event.Topic, event.Payload); err != nil {
			s.logger.Warn("async outbox publish failed, relay will retry",
				clog.Int64("msg_id", msgID),
				clog.String("topic", event.Topic),
				clog.Error(err))
		}
	}()
}

// markDedup 记录幂等信息并缓存热门消息，失败不影响主流程
func (s *messageService) markDedup(ctx context.Context, clientMsgID string, stored *model.Message) {
	if clientMsgID != "" {
		if err := s.dedup.Mark(ctx, clientMsgID, &model.DedupRecord{
			MsgID:     stored.MsgID,
			SeqID:     stored.SeqID,
			Timestamp: stored.CreatedAt.UnixMilli(),
		}); err != nil {
			s.logger.WarnContext(ctx, "failed to mark dedup record",
				clog.String("client_msg_id", clientMsgID),
				clog.Error(err))
		}
	}
	if payload, err := json.Marshal(recentView(stored)); err == nil {
		s.dedup.CacheRecent(ctx, stored.ChannelID, payload)
	}
}

// recentView 构造最近消息缓存里的客户端视图
func recentView(stored *model.Message) *model.DownstreamPayload {
	return &model.DownstreamPayload{
		MsgID:      stored.MsgID,
		SeqID:      stored.SeqID,
		SenderID:   stored.SenderID,
		TargetType: model.TargetTypeChannel,
		TargetID:   stored.ChannelID,
		Type:       stored.MsgType,
		Payload:    json.RawMessage(stored.Content),
		Timestamp:  stored.CreatedAt.UnixMilli(),
	}
}

// resolveRecipients 解析目标收件人，发送者自身不在其中
func (s *messageService) resolveRecipients(ctx context.Context, targetType, targetID, senderID string) ([]string, error) {
	if targetType == model.TargetTypeUser {
		return []string{targetID}, nil
	}

	members, err := s.channelRepo.GetMemberIDs(ctx, targetID)
	if err != nil {
		return nil, xerrors.Wrapf(err, "get members of channel %s", targetID)
	}

	recipients := make([]string, 0, len(members))
	for _, uid := range members {
		if uid != senderID {
			recipients = append(recipients, uid)
		}
	}
	return recipients, nil
}

func buildDownstream(msg *model.UpstreamMessage, stored *model.Message, recipients []string) *model.DownstreamPayload {
	headers := msg.TraceHeaders
	if headers == nil {
		headers = make(map[string]string)
	}
	return &model.DownstreamPayload{
		MsgID:         stored.MsgID,
		SeqID:         stored.SeqID,
		SenderID:      stored.SenderID,
		TargetType:    msg.TargetType,
		TargetID:      msg.TargetID,
		TargetUserIDs: recipients,
		Type:          stored.MsgType,
		Payload:       msg.Payload,
		Timestamp:     stored.CreatedAt.UnixMilli(),
		TraceHeaders:  headers,
	}
}
