package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ceyewan/courier/cluster"
	"github.com/ceyewan/courier/gateway/observability"
	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
)

// Publisher 发布消息到 MQ
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, opts ...mq.PublishOption) error
}

// Service 管理本节点的所有 WebSocket 连接
// 本地状态以 socketID 为主键；用户级路由以集群会话表为权威，
// 注销时按 socketID 比对，避免旧连接误删新会话
type Service struct {
	nodeID    string
	sessions  cluster.SessionRouter
	publisher Publisher
	logger    clog.Logger

	conns     sync.Map // socketID -> *Conn
	userConns sync.Map // userID -> socketID（本地最新连接）
	connCount int64
	mu        sync.Mutex
}

// ServiceOption 配置 Service 的可选项
type ServiceOption func(*Service)

// WithServiceLogger 设置日志记录器
func WithServiceLogger(logger clog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger.With(clog.String("component", "connection"))
	}
}

// NewService 创建连接管理服务
func NewService(nodeID string, sessions cluster.SessionRouter, publisher Publisher, opts ...ServiceOption) (*Service, error) {
	if nodeID == "" {
		return nil, xerrors.New("nodeID cannot be empty")
	}
	if sessions == nil {
		return nil, xerrors.New("session router cannot be nil")
	}
	if publisher == nil {
		return nil, xerrors.New("publisher cannot be nil")
	}

	s := &Service{
		nodeID:    nodeID,
		sessions:  sessions,
		publisher: publisher,
		logger:    clog.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register 登记一个新连接并写入集群会话表
// 同一用户在本节点的旧连接会被关闭（后写者胜）
func (s *Service) Register(ctx context.Context, conn *Conn) error {
	userID := conn.UserID()
	socketID := conn.SocketID()

	// 先挤掉本地旧连接
	if oldSocketID, ok := s.userConns.Load(userID); ok {
		if old, ok := s.conns.Load(oldSocketID.(string)); ok {
			old.(*Conn).Close()
			s.conns.Delete(oldSocketID.(string))
			s.addConnCount(-1)
		}
	}

	s.conns.Store(socketID, conn)
	s.userConns.Store(userID, socketID)
	active := s.addConnCount(1)
	observability.RecordConnectionOpened(ctx, active)

	now := time.Now().UnixMilli()
	session := &model.UserSession{
		GatewayID:  s.nodeID,
		SocketID:   socketID,
		LoginTime:  now,
		LastActive: now,
		Device:     conn.Device(),
	}
	if err := s.sessions.SetUserSession(ctx, userID, session); err != nil {
		return xerrors.Wrapf(err, "failed to set user session")
	}

	s.publishPresence(ctx, userID, model.PresenceOnline)

	s.logger.Info("connection registered",
		clog.String("user_id", userID),
		clog.String("socket_id", socketID),
		clog.String("remote_addr", conn.RemoteAddr()),
		clog.Int64("conn_count", active))
	return nil
}

// Unregister 注销连接
// 集群会话按 socketID 比对删除：仅当会话仍指向该 socket 时才移除并广播下线，
// 用户已在别处重连时静默跳过
func (s *Service) Unregister(ctx context.Context, conn *Conn) {
	userID := conn.UserID()
	socketID := conn.SocketID()

	if _, ok := s.conns.LoadAndDelete(socketID); ok {
		active := s.addConnCount(-1)
		observability.RecordConnectionClosed(ctx, active)
	}
	if cur, ok := s.userConns.Load(userID); ok && cur.(string) == socketID {
		s.userConns.Delete(userID)
	}

	removed, err := s.sessions.RemoveUserSession(ctx, userID, socketID)
	if err != nil {
		s.logger.Error("failed to remove user session",
			clog.String("user_id", userID),
			clog.String("socket_id", socketID),
			clog.Error(err))
		return
	}
	if removed {
		s.publishPresence(ctx, userID, model.PresenceOffline)
	}

	s.logger.Info("connection unregistered",
		clog.String("user_id", userID),
		clog.String("socket_id", socketID),
		clog.Any("session_removed", removed))
}

// HandleDownstream 把下行指令投递给本节点在线的目标用户
// 目标用户不在本地（已迁移或刚下线）时静默跳过
func (s *Service) HandleDownstream(ctx context.Context, payload *model.DownstreamPayload) {
	frame, err := json.Marshal(serverFrame{
		Type: "message",
		Data: mustMarshal(payload),
	})
	if err != nil {
		s.logger.Error("failed to marshal downstream frame", clog.Error(err))
		return
	}

	for _, userID := range payload.TargetUserIDs {
		start := time.Now()
		if err := s.SendToUser(userID, frame); err != nil {
			observability.RecordPushFailed(ctx)
			s.logger.Warn("failed to push to user",
				clog.String("user_id", userID),
				clog.Int64("msg_id", payload.MsgID),
				clog.Error(err))
			continue
		}
		observability.RecordPush(ctx, time.Since(start))
	}
}

// SendToUser 向用户在本节点的连接发送一帧
func (s *Service) SendToUser(userID string, frame []byte) error {
	socketID, ok := s.userConns.Load(userID)
	if !ok {
		return xerrors.New("user not connected on this node")
	}
	return s.SendToSocket(socketID.(string), frame)
}

// SendToSocket 向指定 socket 发送一帧
func (s *Service) SendToSocket(socketID string, frame []byte) error {
	conn, ok := s.conns.Load(socketID)
	if !ok {
		return xerrors.New("socket not found")
	}
	return conn.(*Conn).Send(frame)
}

// DisconnectSocket 强制断开本节点上的一条连接，供僵尸清理使用
// 返回该连接是否存在于本节点
func (s *Service) DisconnectSocket(socketID string) bool {
	conn, ok := s.conns.LoadAndDelete(socketID)
	if !ok {
		return false
	}
	c := conn.(*Conn)
	if cur, ok := s.userConns.Load(c.UserID()); ok && cur.(string) == socketID {
		s.userConns.Delete(c.UserID())
	}
	c.Close()
	s.addConnCount(-1)
	return true
}

// OnlineCount 返回本节点当前连接数
func (s *Service) OnlineCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connCount
}

// Close 关闭本节点所有连接
func (s *Service) Close() {
	s.conns.Range(func(_, v any) bool {
		v.(*Conn).Close()
		return true
	})
}

func (s *Service) addConnCount(delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connCount += delta
	if s.connCount < 0 {
		s.connCount = 0
	}
	return s.connCount
}

// publishPresence 发布上下线事件，失败只记日志不中断连接生命周期
func (s *Service) publishPresence(ctx context.Context, userID, status string) {
	payload, err := json.Marshal(&model.PresencePayload{
		Status:    status,
		UserID:    userID,
		GatewayID: s.nodeID,
	})
	if err != nil {
		s.logger.Error("failed to marshal presence payload", clog.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, model.UpstreamTopic(model.RoutePresence), payload); err != nil {
		s.logger.Error("failed to publish presence event",
			clog.String("user_id", userID),
			clog.String("status", status),
			clog.Error(err))
	}
}

// serverFrame 下行给客户端的统一帧格式
type serverFrame struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
