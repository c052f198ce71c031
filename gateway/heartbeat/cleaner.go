// Package heartbeat 周期扫描心跳超时的僵尸会话并清理
package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ceyewan/courier/cluster"
	"github.com/ceyewan/courier/gateway/observability"
	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
)

// LocalDisconnector 断开本节点的一条连接
type LocalDisconnector interface {
	DisconnectSocket(socketID string) bool
}

// Publisher 发布消息到 MQ
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, opts ...mq.PublishOption) error
}

// Cleaner 僵尸会话清理器
// 客户端异常断电、网关节点宕机都会留下心跳停滞的会话，
// 由存活节点按固定周期扫描并回收，单次批量不超过会话表的扫描上限
type Cleaner struct {
	nodeID        string
	sessions      cluster.SessionRouter
	conns         LocalDisconnector
	publisher     Publisher
	logger        clog.Logger
	sweepInterval time.Duration
	zombieTimeout time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
}

// CleanerOption 配置 Cleaner 的可选项
type CleanerOption func(*Cleaner)

// WithCleanerLogger 设置日志记录器
func WithCleanerLogger(logger clog.Logger) CleanerOption {
	return func(c *Cleaner) {
		c.logger = logger.With(clog.String("component", "zombie-cleaner"))
	}
}

// NewCleaner 创建僵尸会话清理器
func NewCleaner(
	nodeID string,
	sessions cluster.SessionRouter,
	conns LocalDisconnector,
	publisher Publisher,
	sweepInterval, zombieTimeout time.Duration,
	opts ...CleanerOption,
) (*Cleaner, error) {
	if nodeID == "" {
		return nil, xerrors.New("nodeID cannot be empty")
	}
	if sessions == nil {
		return nil, xerrors.New("session router cannot be nil")
	}
	if conns == nil {
		return nil, xerrors.New("disconnector cannot be nil")
	}
	if publisher == nil {
		return nil, xerrors.New("publisher cannot be nil")
	}
	if sweepInterval <= 0 || zombieTimeout <= 0 {
		return nil, xerrors.New("sweep interval and zombie timeout must be positive")
	}

	c := &Cleaner{
		nodeID:        nodeID,
		sessions:      sessions,
		conns:         conns,
		publisher:     publisher,
		logger:        clog.Discard(),
		sweepInterval: sweepInterval,
		zombieTimeout: zombieTimeout,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start 启动清理循环
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		c.logger.Info("zombie cleaner started",
			clog.Duration("sweep_interval", c.sweepInterval),
			clog.Duration("zombie_timeout", c.zombieTimeout))

		for {
			select {
			case <-ticker.C:
				c.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止清理循环
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.logger.Info("zombie cleaner stopped")
}

// Sweep 执行一次僵尸扫描
func (c *Cleaner) Sweep(ctx context.Context) {
	userIDs, err := c.sessions.GetZombieSessions(ctx, c.zombieTimeout)
	if err != nil {
		c.logger.Error("failed to scan zombie sessions", clog.Error(err))
		return
	}
	if len(userIDs) == 0 {
		return
	}

	var cleaned int
	for _, userID := range userIDs {
		if c.cleanOne(ctx, userID) {
			cleaned++
		}
	}
	if cleaned > 0 {
		observability.RecordZombieCleaned(ctx, cleaned)
		c.logger.Info("zombie sessions cleaned",
			clog.Int("scanned", len(userIDs)),
			clog.Int("cleaned", cleaned))
	}
}

// cleanOne 回收单个僵尸会话
// 会话属于本节点时先强制断开本地连接，由断开回调完成会话移除与下线广播；
// 会话属于其他节点（通常是已宕机的节点）时直接移除并补发下线事件
func (c *Cleaner) cleanOne(ctx context.Context, userID string) bool {
	sess, err := c.sessions.GetUserSession(ctx, userID)
	if err != nil {
		c.logger.Error("failed to load zombie session",
			clog.String("user_id", userID), clog.Error(err))
		return false
	}
	if sess == nil {
		// 心跳表残留条目，清掉即可
		if _, err := c.sessions.RemoveUserSession(ctx, userID, ""); err != nil {
			c.logger.Error("failed to clear stale heartbeat entry",
				clog.String("user_id", userID), clog.Error(err))
			return false
		}
		return true
	}

	if sess.GatewayID == c.nodeID && c.conns.DisconnectSocket(sess.SocketID) {
		c.logger.Warn("force disconnected zombie connection",
			clog.String("user_id", userID),
			clog.String("socket_id", sess.SocketID))
	}

	removed, err := c.sessions.RemoveUserSession(ctx, userID, sess.SocketID)
	if err != nil {
		c.logger.Error("failed to remove zombie session",
			clog.String("user_id", userID), clog.Error(err))
		return false
	}
	if removed {
		c.publishOffline(ctx, userID, sess.GatewayID)
	}
	return true
}

func (c *Cleaner) publishOffline(ctx context.Context, userID, gatewayID string) {
	payload, err := json.Marshal(&model.PresencePayload{
		Status:    model.PresenceOffline,
		UserID:    userID,
		GatewayID: gatewayID,
	})
	if err != nil {
		return
	}
	if err := c.publisher.Publish(ctx, model.UpstreamTopic(model.RoutePresence), payload); err != nil {
		c.logger.Error("failed to publish offline event",
			clog.String("user_id", userID), clog.Error(err))
	}
}
