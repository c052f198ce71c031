package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/repo"
	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

// PostBroadcastService 广播后置处理服务接口
// 承接同步写入路径落库后的扇出与簿记工作
type PostBroadcastService interface {
	// HandleEvent 处理一条广播后置事件
	// Routed 为 false 时先完成路由与未读计数，之后统一写收件箱与热缓存
	HandleEvent(ctx context.Context, event *model.PostBroadcastEvent) error
}

type postBroadcastService struct {
	messageRepo repo.MessageRepo
	channelRepo repo.ChannelRepo
	dedup       repo.DedupStore
	router      RouterService
	logger      clog.Logger
}

var _ PostBroadcastService = (*postBroadcastService)(nil)

// PostBroadcastServiceOption 广播后置服务配置选项
type PostBroadcastServiceOption func(*postBroadcastService)

// WithPostBroadcastServiceLogger 设置日志记录器
func WithPostBroadcastServiceLogger(logger clog.Logger) PostBroadcastServiceOption {
	return func(s *postBroadcastService) {
		s.logger = logger
	}
}

// NewPostBroadcastService 创建广播后置处理服务
func NewPostBroadcastService(
	messageRepo repo.MessageRepo,
	channelRepo repo.ChannelRepo,
	dedup repo.DedupStore,
	router RouterService,
	opts ...PostBroadcastServiceOption,
) (PostBroadcastService, error) {
	if messageRepo == nil {
		return nil, xerrors.New("message repo is nil")
	}
	if channelRepo == nil {
		return nil, xerrors.New("channel repo is nil")
	}
	if dedup == nil {
		return nil, xerrors.New("dedup store is nil")
	}
	if router == nil {
		return nil, xerrors.New("router service is nil")
	}

	s := &postBroadcastService{
		messageRepo: messageRepo,
		channelRepo: channelRepo,
		dedup:       dedup,
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

func (s *postBroadcastService) HandleEvent(ctx context.Context, event *model.PostBroadcastEvent) error {
	ctx = observability.ExtractTraceContext(ctx, event.TraceHeaders)
	ctx, end := observability.StartSpan(ctx, "post_broadcast.handle_event")
	defer end()

	msg := &event.Message
	if msg.MsgID == 0 {
		return xerrors.New("post broadcast event has no message id")
	}

	recipients := event.Recipients
	if len(recipients) == 0 {
		resolved, err := s.resolveRecipients(ctx, msg)
		if err != nil {
			return err
		}
		recipients = resolved
	}

	// Routed=false 表示写入路径尚未扇出，未读计数也在此处统一处理
	// 避免与消息管线路径重复计数
	if !event.Routed {
		stored := &model.Message{
			MsgID:     msg.MsgID,
			ChannelID: msg.TargetID,
			SenderID:  msg.SenderID,
			SeqID:     msg.SeqID,
			MsgType:   msg.Type,
			CreatedAt: time.UnixMilli(msg.Timestamp),
		}
		if err := s.router.RouteToUsers(ctx, buildDownstream(msg, stored, recipients), recipients); err != nil {
			s.logger.ErrorContext(ctx, "post broadcast routing failed",
				clog.Int64("msg_id", msg.MsgID),
				clog.Error(err))
		}
		if err := s.channelRepo.IncrementUnread(ctx, msg.TargetID, recipients); err != nil {
			s.logger.WarnContext(ctx, "failed to increment unread counts",
				clog.String("channel_id", msg.TargetID),
				clog.Error(err))
		}
	}

	entries := make([]*model.Inbox, 0, len(recipients))
	for _, uid := range recipients {
		entries = append(entries, &model.Inbox{
			OwnerID:   uid,
			ChannelID: msg.TargetID,
			MsgID:     msg.MsgID,
			SeqID:     msg.SeqID,
			Delivered: model.InboxUndelivered,
		})
	}
	if err := s.messageRepo.SaveInbox(ctx, entries); err != nil {
		return xerrors.Wrapf(err, "save inbox entries for message %d", msg.MsgID)
	}

	stored, err := s.messageRepo.GetMessage(ctx, msg.MsgID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load message for recent cache",
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
	} else if stored != nil {
		if payload, err := json.Marshal(recentView(stored)); err == nil {
			s.dedup.CacheRecent(ctx, stored.ChannelID, payload)
		}
	}

	s.logger.InfoContext(ctx, "post broadcast event handled",
		clog.Int64("msg_id", msg.MsgID),
		clog.Int("recipient_count", len(recipients)),
		clog.Any("routed", event.Routed))
	return nil
}

func (s *postBroadcastService) resolveRecipients(ctx context.Context, msg *model.UpstreamMessage) ([]string, error) {
	if msg.TargetType == model.TargetTypeUser {
		return []string{msg.TargetID}, nil
	}

	members, err := s.channelRepo.GetMemberIDs(ctx, msg.TargetID)
	if err != nil {
		return nil, xerrors.Wrapf(err, "get members of channel %s", msg.TargetID)
	}

	recipients := make([]string, 0, len(members))
	for _, uid := range members {
		if uid != msg.SenderID {
			recipients = append(recipients, uid)
		}
	}
	return recipients, nil
}
