package service

import (
	"context"
	"encoding/json"

	"github.com/ceyewan/courier/cluster"
	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

// RouterService 下行路由服务接口
// 按照目标用户所在网关分组扇出，离线用户静默跳过
type RouterService interface {
	// RouteToUsers 将下行载荷路由给目标用户集合
	RouteToUsers(ctx context.Context, payload *model.DownstreamPayload, userIDs []string) error

	// SendToGateway 向单个网关节点发布一批用户的下行载荷
	SendToGateway(ctx context.Context, gatewayID string, payload *model.DownstreamPayload) error
}

type routerService struct {
	sessions  cluster.SessionRouter
	publisher Publisher
	logger    clog.Logger
}

var _ RouterService = (*routerService)(nil)

// RouterServiceOption 路由服务配置选项
type RouterServiceOption func(*routerService)

// WithRouterServiceLogger 设置日志记录器
func WithRouterServiceLogger(logger clog.Logger) RouterServiceOption {
	return func(s *routerService) {
		s.logger = logger
	}
}

// NewRouterService 创建下行路由服务
func NewRouterService(sessions cluster.SessionRouter, publisher Publisher, opts ...RouterServiceOption) (RouterService, error) {
	if sessions == nil {
		return nil, xerrors.New("session router is nil")
	}
	if publisher == nil {
		return nil, xerrors.New("publisher is nil")
	}

	s := &routerService{
		sessions:  sessions,
		publisher: publisher,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = clog.Discard()
	}

	return s, nil
}

func (s *routerService) RouteToUsers(ctx context.Context, payload *model.DownstreamPayload, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	ctx, end := observability.StartSpan(ctx, "router.route_to_users")
	defer end()

	groups, err := s.sessions.GroupUsersByGateway(ctx, userIDs)
	if err != nil {
		return xerrors.Wrapf(err, "group %d users by gateway", len(userIDs))
	}

	online := 0
	var firstErr error
	for gatewayID, users := range groups {
		scoped := *payload
		scoped.TargetUserIDs = users
		online += len(users)

		if err := s.SendToGateway(ctx, gatewayID, &scoped); err != nil {
			// 单个网关发布失败不中断其余网关的扇出
			s.logger.ErrorContext(ctx, "failed to publish downstream to gateway",
				clog.String("gateway_id", gatewayID),
				clog.Int("user_count", len(users)),
				clog.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.DebugContext(ctx, "downstream fanout completed",
		clog.Int64("msg_id", payload.MsgID),
		clog.Int("target_count", len(userIDs)),
		clog.Int("online_count", online),
		clog.Int("gateway_count", len(groups)))

	return firstErr
}

func (s *routerService) SendToGateway(ctx context.Context, gatewayID string, payload *model.DownstreamPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrapf(err, "marshal downstream payload %d", payload.MsgID)
	}

	topic := model.DownstreamTopic(gatewayID)
	if err := s.publisher.Publish(ctx, topic, data); err != nil {
		observability.RecordRoutePublishFailed(ctx)
		return xerrors.Wrapf(err, "publish downstream to %s", topic)
	}

	observability.RecordRouteFanout(ctx)
	return nil
}
