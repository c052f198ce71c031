package cluster

import (
	"context"
	"strconv"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/redis/go-redis/v9"
)

// SessionRouter 用户会话路由表，记录每个在线用户由哪个网关、哪个 socket 服务
//
// 每个用户同时只有一个逻辑会话，重连采用 last-writer-wins；
// 所有删除与续期操作先比对 socket_id 再写入，防止旧连接的断开回调覆盖新会话
type SessionRouter interface {
	// SetUserSession 写入或覆盖用户会话，同时登记心跳检查条目
	SetUserSession(ctx context.Context, userID string, sess *model.UserSession) error
	// GetUserSession 读取用户会话，不在线返回 nil
	GetUserSession(ctx context.Context, userID string) (*model.UserSession, error)
	// RemoveUserSession 比对 socket_id 后删除会话；不匹配时只清理心跳条目并返回 false
	RemoveUserSession(ctx context.Context, userID, socketID string) (bool, error)
	// UpdateHeartbeat 比对 socket_id 后续期会话并刷新心跳分数，不匹配返回 false
	UpdateHeartbeat(ctx context.Context, userID, socketID string) (bool, error)
	// IsUserOnline 判断用户是否有会话路由
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	// GetOnlineUsers 批量读取在线用户的会话，离线用户不出现在结果中
	GetOnlineUsers(ctx context.Context, userIDs []string) (map[string]*model.UserSession, error)
	// GetUsersGateways 批量产出 userId 到 gatewayId 的映射
	GetUsersGateways(ctx context.Context, userIDs []string) (map[string]string, error)
	// GroupUsersByGateway 按归属网关分组，路由扇出的基础原语
	GroupUsersByGateway(ctx context.Context, userIDs []string) (map[string][]string, error)
	// GetZombieSessions 返回心跳早于 now-timeout 的用户，单次最多 100 个
	GetZombieSessions(ctx context.Context, timeout time.Duration) ([]string, error)
}

// zombieBatchLimit 单次僵尸扫描的上限，约束清理批次大小
const zombieBatchLimit = 100

type sessionRouter struct {
	rdb    *redis.Client
	logger clog.Logger
}

var _ SessionRouter = (*sessionRouter)(nil)

// NewSessionRouter 创建会话路由表
func NewSessionRouter(rdb *redis.Client, opts ...Option) (SessionRouter, error) {
	if rdb == nil {
		return nil, xerrors.New("redis client cannot be nil")
	}
	o := applyOptions(opts)
	return &sessionRouter{rdb: rdb, logger: o.logger.WithNamespace("session-router")}, nil
}

func (s *sessionRouter) SetUserSession(ctx context.Context, userID string, sess *model.UserSession) error {
	if userID == "" {
		return xerrors.New("user id cannot be empty")
	}
	if sess == nil || sess.GatewayID == "" || sess.SocketID == "" {
		return xerrors.New("session must carry gateway id and socket id")
	}
	now := time.Now()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, userRouteKey(userID), map[string]any{
		"gateway_id":  sess.GatewayID,
		"socket_id":   sess.SocketID,
		"login_time":  sess.LoginTime,
		"last_active": now.UnixMilli(),
		"device":      sess.Device,
	})
	pipe.Expire(ctx, userRouteKey(userID), SessionTTL)
	pipe.ZAdd(ctx, heartbeatCheckKey(), redis.Z{Score: float64(now.UnixMilli()), Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrapf(err, "set session for user %s", userID)
	}
	s.logger.InfoContext(ctx, "user session set",
		clog.String("user_id", userID),
		clog.String("gateway_id", sess.GatewayID),
		clog.String("socket_id", sess.SocketID))
	return nil
}

func (s *sessionRouter) GetUserSession(ctx context.Context, userID string) (*model.UserSession, error) {
	vals, err := s.rdb.HGetAll(ctx, userRouteKey(userID)).Result()
	if err != nil {
		return nil, xerrors.Wrapf(err, "get session for user %s", userID)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return sessionFromHash(vals), nil
}

func (s *sessionRouter) RemoveUserSession(ctx context.Context, userID, socketID string) (bool, error) {
	stored, err := s.rdb.HGet(ctx, userRouteKey(userID), "socket_id").Result()
	if err == redis.Nil {
		// 会话已不存在，只需清掉残留的心跳条目
		if err := s.rdb.ZRem(ctx, heartbeatCheckKey(), userID).Err(); err != nil {
			return false, xerrors.Wrapf(err, "remove heartbeat entry for user %s", userID)
		}
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrapf(err, "read session for user %s", userID)
	}
	if stored != socketID {
		// 旧 socket 的断开回调晚于新连接的注册到达，保留新会话
		s.logger.InfoContext(ctx, "skip removing superseded session",
			clog.String("user_id", userID),
			clog.String("stale_socket_id", socketID),
			clog.String("live_socket_id", stored))
		return false, nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, userRouteKey(userID))
	pipe.ZRem(ctx, heartbeatCheckKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, xerrors.Wrapf(err, "remove session for user %s", userID)
	}
	s.logger.InfoContext(ctx, "user session removed",
		clog.String("user_id", userID),
		clog.String("socket_id", socketID))
	return true, nil
}

func (s *sessionRouter) UpdateHeartbeat(ctx context.Context, userID, socketID string) (bool, error) {
	stored, err := s.rdb.HGet(ctx, userRouteKey(userID), "socket_id").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrapf(err, "read session for user %s", userID)
	}
	if stored != socketID {
		return false, nil
	}
	now := time.Now()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, userRouteKey(userID), "last_active", now.UnixMilli())
	pipe.Expire(ctx, userRouteKey(userID), SessionTTL)
	pipe.ZAdd(ctx, heartbeatCheckKey(), redis.Z{Score: float64(now.UnixMilli()), Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, xerrors.Wrapf(err, "update heartbeat for user %s", userID)
	}
	return true, nil
}

func (s *sessionRouter) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, userRouteKey(userID)).Result()
	if err != nil {
		return false, xerrors.Wrapf(err, "check online for user %s", userID)
	}
	return n > 0, nil
}

func (s *sessionRouter) GetOnlineUsers(ctx context.Context, userIDs []string) (map[string]*model.UserSession, error) {
	if len(userIDs) == 0 {
		return map[string]*model.UserSession{}, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, userRouteKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, xerrors.Wrapf(err, "batch get sessions")
	}
	result := make(map[string]*model.UserSession, len(userIDs))
	for i, userID := range userIDs {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		result[userID] = sessionFromHash(vals)
	}
	return result, nil
}

func (s *sessionRouter) GetUsersGateways(ctx context.Context, userIDs []string) (map[string]string, error) {
	sessions, err := s.GetOnlineUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	gateways := make(map[string]string, len(sessions))
	for userID, sess := range sessions {
		gateways[userID] = sess.GatewayID
	}
	return gateways, nil
}

func (s *sessionRouter) GroupUsersByGateway(ctx context.Context, userIDs []string) (map[string][]string, error) {
	gateways, err := s.GetUsersGateways(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]string)
	for userID, gatewayID := range gateways {
		groups[gatewayID] = append(groups[gatewayID], userID)
	}
	return groups, nil
}

func (s *sessionRouter) GetZombieSessions(ctx context.Context, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(-timeout).UnixMilli()
	users, err := s.rdb.ZRangeByScore(ctx, heartbeatCheckKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(deadline, 10),
		Count: zombieBatchLimit,
	}).Result()
	if err != nil {
		return nil, xerrors.Wrapf(err, "scan zombie sessions")
	}
	return users, nil
}

func sessionFromHash(vals map[string]string) *model.UserSession {
	sess := &model.UserSession{
		GatewayID: vals["gateway_id"],
		SocketID:  vals["socket_id"],
		Device:    vals["device"],
	}
	if ms, err := strconv.ParseInt(vals["login_time"], 10, 64); err == nil {
		sess.LoginTime = ms
	}
	if ms, err := strconv.ParseInt(vals["last_active"], 10, 64); err == nil {
		sess.LastActive = ms
	}
	return sess
}
