// Package gateway 实现接入网关的生命周期管理
// 承载 WebSocket 长连接，维护集群节点注册与用户会话路由，
// 上行事件发布到 MQ，下行指令从专属主题消费后推给本地连接
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/courier/cluster"
	"github.com/ceyewan/courier/gateway/config"
	"github.com/ceyewan/courier/gateway/connection"
	"github.com/ceyewan/courier/gateway/consumer"
	"github.com/ceyewan/courier/gateway/heartbeat"
	"github.com/ceyewan/courier/gateway/middleware"
	"github.com/ceyewan/courier/gateway/observability"
	"github.com/ceyewan/courier/gateway/server"
	"github.com/ceyewan/courier/gateway/ws"
	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/pkg/health"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/ratelimit"
)

// Gateway 接入网关生命周期管理器
type Gateway struct {
	config    *config.Config
	logger    clog.Logger
	nodeID    string
	startTime int64

	// 基础组件
	redisConn connector.RedisConnector
	natsConn  connector.NATSConnector
	mqClient  mq.MQ

	// 集群层
	registry cluster.NodeRegistry
	sessions cluster.SessionRouter

	// 服务实例
	connService        *connection.Service
	downstreamConsumer *consumer.Consumer
	zombieCleaner      *heartbeat.Cleaner
	httpServer         *server.HTTPServer
	healthProbe        *health.Probe

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Gateway 实例
func New(cfg *config.Config) (*Gateway, error) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:    cfg,
		startTime: time.Now().UnixMilli(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := g.initComponents(); err != nil {
		g.Close()
		return nil, err
	}

	return g, nil
}

// initComponents 初始化所有组件
func (g *Gateway) initComponents() error {
	// 1. 初始化可观测性（Trace + Metrics）
	if err := observability.Init(&g.config.Observability); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	// 2. 初始化 Logger（带 Trace Context 支持）
	logger, err := observability.NewLogger(&g.config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	g.logger = logger

	// 3. 初始化外部连接
	if err := g.initConnections(); err != nil {
		return err
	}

	// 4. 使用 Allocator 分配节点序号，生成集群唯一的 nodeID
	allocator, err := idgen.NewAllocator(&idgen.AllocatorConfig{
		Driver: "redis",
		MaxID:  g.config.WorkerID.GetMaxID(),
	}, idgen.WithRedisConnector(g.redisConn))
	if err != nil {
		return fmt.Errorf("create allocator: %w", err)
	}
	nodeNum, err := allocator.Allocate(g.ctx)
	if err != nil {
		return fmt.Errorf("allocate node number: %w", err)
	}
	g.nodeID = fmt.Sprintf("%s-%03d", g.config.GetServiceName(), nodeNum)

	// 监听节点序号保活失败
	go func() {
		if err := <-allocator.KeepAlive(g.ctx); err != nil {
			g.logger.Error("node number keepalive failed, shutting down", clog.String("error", err.Error()))
			g.cancel()
		}
	}()

	// 5. 初始化集群层与服务实例
	if err := g.initCluster(); err != nil {
		return err
	}

	g.healthProbe = health.NewProbe()
	g.healthProbe.RegisterCheck("redis", func(ctx context.Context) error {
		return g.redisConn.GetClient().Ping(ctx).Err()
	})
	return g.initServices()
}

// initConnections 初始化外部连接 (Redis、NATS、MQ)
func (g *Gateway) initConnections() error {
	redisConn, err := connector.NewRedis(&g.config.Redis, connector.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	if err := redisConn.Connect(g.ctx); err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	g.redisConn = redisConn

	natsConn, err := connector.NewNATS(&g.config.NATS, connector.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("nats init: %w", err)
	}
	if err := natsConn.Connect(g.ctx); err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	g.natsConn = natsConn

	mqClient, err := mq.New(&mq.Config{
		Driver: mq.DriverNATSCore,
	}, mq.WithNATSConnector(natsConn), mq.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("mq init: %w", err)
	}
	g.mqClient = mqClient

	return nil
}

// initCluster 初始化节点注册表与会话路由
func (g *Gateway) initCluster() error {
	registry, err := cluster.NewNodeRegistry(g.redisConn.GetClient(), cluster.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("node registry init: %w", err)
	}
	g.registry = registry

	sessions, err := cluster.NewSessionRouter(g.redisConn.GetClient(), cluster.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("session router init: %w", err)
	}
	g.sessions = sessions

	return nil
}

// initServices 初始化连接管理、帧分发、下行消费与清理任务
func (g *Gateway) initServices() error {
	connService, err := connection.NewService(g.nodeID, g.sessions, g.mqClient,
		connection.WithServiceLogger(g.logger))
	if err != nil {
		return fmt.Errorf("connection service init: %w", err)
	}
	g.connService = connService

	dispatcher, err := ws.NewDispatcher(g.nodeID, g.sessions, g.mqClient,
		ws.WithDispatcherLogger(g.logger))
	if err != nil {
		return fmt.Errorf("dispatcher init: %w", err)
	}

	downstreamConsumer, err := consumer.New(g.nodeID, g.mqClient, connService,
		consumer.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("downstream consumer init: %w", err)
	}
	g.downstreamConsumer = downstreamConsumer

	zombieCleaner, err := heartbeat.NewCleaner(
		g.nodeID, g.sessions, connService, g.mqClient,
		g.config.Heartbeat.GetSweepInterval(),
		g.config.Heartbeat.GetZombieTimeout(),
		heartbeat.WithCleanerLogger(g.logger))
	if err != nil {
		return fmt.Errorf("zombie cleaner init: %w", err)
	}
	g.zombieCleaner = zombieCleaner

	limiter, err := ratelimit.New(&ratelimit.Config{
		Driver: ratelimit.DriverStandalone,
	}, ratelimit.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("ratelimit init: %w", err)
	}
	rateLimit := middleware.NewRateLimit(limiter, g.logger)

	handler := server.NewHandler(g.nodeID, connService, dispatcher, g.config, g.logger)
	g.httpServer = server.NewHTTPServer(g.config, handler, rateLimit, g.healthProbe, g.logger)

	return nil
}

// Run 启动 Gateway 服务
func (g *Gateway) Run() error {
	g.logger.Info("starting gateway service",
		clog.String("node_id", g.nodeID),
		clog.String("http_addr", g.config.GetHTTPAddr()))
	g.healthProbe.SetReady(false)
	g.healthProbe.SetShutdown(false)

	if err := g.registry.RegisterNode(g.ctx, g.nodeInfo()); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	go g.nodeHeartbeatLoop()

	if err := g.downstreamConsumer.Start(g.ctx); err != nil {
		return err
	}
	g.zombieCleaner.Start()

	go func() {
		if err := g.httpServer.Start(); err != nil {
			g.logger.Error("http server error", clog.Error(err))
			g.cancel()
		}
	}()

	g.healthProbe.SetReady(true)
	g.logger.Info("gateway service started", clog.String("node_id", g.nodeID))

	<-g.ctx.Done()
	return nil
}

// nodeHeartbeatLoop 周期向注册表续期节点 TTL 并上报连接数
func (g *Gateway) nodeHeartbeatLoop() {
	ticker := time.NewTicker(g.config.Heartbeat.GetNodeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.registry.Heartbeat(g.ctx, g.nodeInfo()); err != nil {
				g.logger.Error("node heartbeat failed", clog.Error(err))
			}
		case <-g.ctx.Done():
			return
		}
	}
}

func (g *Gateway) nodeInfo() *model.NodeInfo {
	var connCount int64
	if g.connService != nil {
		connCount = g.connService.OnlineCount()
	}
	return &model.NodeInfo{
		NodeID:        g.nodeID,
		Address:       g.config.GetAdvertiseAddr(),
		StartTime:     g.startTime,
		LastHeartbeat: time.Now().UnixMilli(),
		ConnCount:     connCount,
	}
}

// Close 优雅关闭 Gateway 服务
func (g *Gateway) Close() {
	if g.logger != nil {
		g.logger.Info("shutting down gateway service")
	}
	if g.healthProbe != nil {
		g.healthProbe.SetReady(false)
		g.healthProbe.SetShutdown(true)
	}

	// 先摘除节点注册，让 Worker 停止向本节点扇出
	if g.registry != nil && g.nodeID != "" {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.registry.UnregisterNode(shutdownCtx, g.nodeID); err != nil {
			g.logger.Error("failed to unregister node", clog.Error(err))
		}
		cancelShutdown()
	}

	g.cancel()

	if g.zombieCleaner != nil {
		g.zombieCleaner.Stop()
	}
	if g.downstreamConsumer != nil {
		g.downstreamConsumer.Stop()
	}
	if g.httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.httpServer.Stop(shutdownCtx); err != nil && g.logger != nil {
			g.logger.Error("http server shutdown error", clog.Error(err))
		}
		cancelShutdown()
	}
	if g.connService != nil {
		g.connService.Close()
	}

	if g.mqClient != nil {
		g.mqClient.Close()
	}
	if g.natsConn != nil {
		g.natsConn.Close()
	}
	if g.redisConn != nil {
		g.redisConn.Close()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := observability.Shutdown(shutdownCtx); err != nil && g.logger != nil {
		g.logger.Error("observability shutdown error", clog.Error(err))
	}

	if g.logger != nil {
		g.logger.Info("gateway service stopped")
	}
}
