package service

import (
	"context"
	"encoding/json"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/repo"
	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

// AckService 回执与在线状态处理服务接口
type AckService interface {
	// HandleRead 处理已读回执，推进已读位点并清零未读计数
	HandleRead(ctx context.Context, read *model.ReadPayload) error

	// HandleAck 处理送达回执，将收件箱条目标记为已送达
	HandleAck(ctx context.Context, ack *model.AckPayload) error

	// HandlePresence 处理在线状态变更
	// 用户上线时补投离线期间的未送达消息，下线为空操作
	HandlePresence(ctx context.Context, presence *model.PresencePayload) error
}

type ackService struct {
	messageRepo repo.MessageRepo
	channelRepo repo.ChannelRepo
	router      RouterService
	logger      clog.Logger
}

var _ AckService = (*ackService)(nil)

// AckServiceOption 回执服务配置选项
type AckServiceOption func(*ackService)

// WithAckServiceLogger 设置日志记录器
func WithAckServiceLogger(logger clog.Logger) AckServiceOption {
	return func(s *ackService) {
		s.logger = logger
	}
}

// NewAckService 创建回执与在线状态处理服务
func NewAckService(
	messageRepo repo.MessageRepo,
	channelRepo repo.ChannelRepo,
	router RouterService,
	opts ...AckServiceOption,
) (AckService, error) {
	if messageRepo == nil {
		return nil, xerrors.New("message repo is nil")
	}
	if channelRepo == nil {
		return nil, xerrors.New("channel repo is nil")
	}
	if router == nil {
		return nil, xerrors.New("router service is nil")
	}

	s := &ackService{
		messageRepo: messageRepo,
		channelRepo: channelRepo,
		router:      router,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = clog.Discard()
	}

	return s, nil
}

func (s *ackService) HandleRead(ctx context.Context, read *model.ReadPayload) error {
	ctx, end := observability.StartSpan(ctx, "ack.handle_read")
	defer end()

	if read.ChannelID == "" || read.UserID == "" {
		return xerrors.New("read receipt missing channel or user")
	}

	// 已读位点只前进不后退，乱序回执由 CAS 条件自然丢弃
	if err := s.channelRepo.UpdateLastReadSeq(ctx, read.ChannelID, read.UserID, read.SeqID); err != nil {
		return xerrors.Wrapf(err, "update last read seq for user %s", read.UserID)
	}

	if err := s.channelRepo.ResetUnread(ctx, read.ChannelID, read.UserID); err != nil {
		return xerrors.Wrapf(err, "reset unread count for user %s", read.UserID)
	}

	s.logger.DebugContext(ctx, "read receipt applied",
		clog.String("channel_id", read.ChannelID),
		clog.String("user_id", read.UserID),
		clog.Int64("seq_id", read.SeqID))
	return nil
}

func (s *ackService) HandleAck(ctx context.Context, ack *model.AckPayload) error {
	ctx, end := observability.StartSpan(ctx, "ack.handle_ack")
	defer end()

	if ack.ChannelID == "" || ack.UserID == "" {
		return xerrors.New("delivery ack missing channel or user")
	}

	// 回执只携带频道内的序号水位，把水位之下未投递的条目全部结清
	entries, err := s.messageRepo.GetUndelivered(ctx, ack.UserID, redeliverBatchLimit)
	if err != nil {
		return xerrors.Wrapf(err, "get undelivered inbox for user %s", ack.UserID)
	}

	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if entry.ChannelID == ack.ChannelID && entry.SeqID <= ack.SeqID {
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	if err := s.messageRepo.MarkDelivered(ctx, ack.UserID, ids); err != nil {
		return xerrors.Wrapf(err, "mark delivered for user %s", ack.UserID)
	}

	s.logger.DebugContext(ctx, "delivery ack applied",
		clog.String("channel_id", ack.ChannelID),
		clog.String("user_id", ack.UserID),
		clog.Int64("seq_id", ack.SeqID),
		clog.Int("settled_count", len(ids)))
	return nil
}

func (s *ackService) HandlePresence(ctx context.Context, presence *model.PresencePayload) error {
	ctx, end := observability.StartSpan(ctx, "ack.handle_presence")
	defer end()

	if presence.UserID == "" {
		return xerrors.New("presence event missing user id")
	}

	if presence.Status != model.PresenceOnline {
		s.logger.DebugContext(ctx, "presence offline, nothing to redeliver",
			clog.String("user_id", presence.UserID))
		return nil
	}

	return s.redeliverUndelivered(ctx, presence.UserID, presence.GatewayID)
}

// redeliverUndelivered 上线补投，把离线期间堆积的收件箱消息重推到用户当前网关
func (s *ackService) redeliverUndelivered(ctx context.Context, userID, gatewayID string) error {
	entries, err := s.messageRepo.GetUndelivered(ctx, userID, redeliverBatchLimit)
	if err != nil {
		return xerrors.Wrapf(err, "get undelivered inbox for user %s", userID)
	}
	if len(entries) == 0 {
		return nil
	}

	delivered := 0
	for _, entry := range entries {
		stored, err := s.messageRepo.GetMessage(ctx, entry.MsgID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to load message for redelivery",
				clog.Int64("msg_id", entry.MsgID),
				clog.Error(err))
			continue
		}
		if stored == nil {
			// 收件箱引用了已删除的消息，直接标记送达以免反复补投
			if err := s.messageRepo.MarkDelivered(ctx, userID, []int64{entry.ID}); err != nil {
				s.logger.WarnContext(ctx, "failed to mark orphan inbox entry",
					clog.Int64("msg_id", entry.MsgID),
					clog.Error(err))
			}
			continue
		}

		payload := &model.DownstreamPayload{
			MsgID:         stored.MsgID,
			SeqID:         stored.SeqID,
			SenderID:      stored.SenderID,
			TargetType:    model.TargetTypeChannel,
			TargetID:      stored.ChannelID,
			TargetUserIDs: []string{userID},
			Type:          stored.MsgType,
			Payload:       json.RawMessage(stored.Content),
			Timestamp:     stored.CreatedAt.UnixMilli(),
		}

		if err := s.router.SendToGateway(ctx, gatewayID, payload); err != nil {
			s.logger.WarnContext(ctx, "failed to redeliver message, will retry next online",
				clog.Int64("msg_id", stored.MsgID),
				clog.String("gateway_id", gatewayID),
				clog.Error(err))
			continue
		}

		if err := s.messageRepo.MarkDelivered(ctx, userID, []int64{entry.ID}); err != nil {
			s.logger.WarnContext(ctx, "failed to mark redelivered entry",
				clog.Int64("msg_id", stored.MsgID),
				clog.Error(err))
			continue
		}
		delivered++
	}

	s.logger.InfoContext(ctx, "offline catch-up completed",
		clog.String("user_id", userID),
		clog.String("gateway_id", gatewayID),
		clog.Int("pending_count", len(entries)),
		clog.Int("delivered_count", delivered))
	return nil
}

// redeliverBatchLimit 单次上线补投的最大条数
const redeliverBatchLimit = 200
