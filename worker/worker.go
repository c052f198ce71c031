// Package worker 实现消息处理服务的生命周期管理
// 消费上行信封，完成去重、定序、落库、路由扇出与 outbox 补发
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/courier/cluster"
	"github.com/ceyewan/courier/pkg/health"
	"github.com/ceyewan/courier/repo"
	"github.com/ceyewan/courier/worker/consumer"
	"github.com/ceyewan/courier/worker/job"
	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/courier/worker/server"
	"github.com/ceyewan/courier/worker/service"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/mq"
)

// Worker 消息处理服务生命周期管理器
type Worker struct {
	config   *Config
	logger   clog.Logger
	workerID int64

	// 基础组件
	redisConn connector.RedisConnector
	pgConn    connector.PostgreSQLConnector
	natsConn  connector.NATSConnector
	database  db.DB
	mqClient  mq.MQ

	// 仓储层
	messageRepo repo.MessageRepo
	channelRepo repo.ChannelRepo
	dedupStore  repo.DedupStore

	// 服务层
	messageService       service.MessageService
	routerService        service.RouterService
	postBroadcastService service.PostBroadcastService
	ackService           service.AckService

	// 服务实例
	upstreamConsumer *consumer.Consumer
	outboxRelay      *job.OutboxRelay
	httpServer       *server.HTTPServer
	healthProbe      *health.Probe

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Worker 实例
func New(cfg *Config) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := w.initComponents(); err != nil {
		w.Close()
		return nil, err
	}

	return w, nil
}

// initComponents 初始化所有组件
func (w *Worker) initComponents() error {
	// 1. 初始化可观测性（Trace + Metrics）
	if err := observability.Init(&w.config.Observability); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	// 2. 初始化 Logger（带 Trace Context 支持）
	logger, err := observability.NewLogger(&w.config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	w.logger = logger

	// 3. 初始化外部连接
	if err := w.initConnections(); err != nil {
		return err
	}

	// 4. 使用 Allocator 从 Redis 获取唯一的 workerID
	allocator, err := idgen.NewAllocator(&idgen.AllocatorConfig{
		Driver: "redis",
		MaxID:  w.config.WorkerID.GetMaxID(),
	}, idgen.WithRedisConnector(w.redisConn))
	if err != nil {
		return fmt.Errorf("create allocator: %w", err)
	}
	workerID, err := allocator.Allocate(w.ctx)
	if err != nil {
		return fmt.Errorf("allocate workerID: %w", err)
	}
	w.workerID = workerID

	// 监听 workerID 保活失败
	go func() {
		if err := <-allocator.KeepAlive(w.ctx); err != nil {
			w.logger.Error("workerID keepalive failed, shutting down", clog.String("error", err.Error()))
			w.cancel()
		}
	}()

	// 5. 创建消息 ID 生成器
	idGen, err := idgen.NewGenerator(&idgen.GeneratorConfig{WorkerID: workerID})
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// 6. 初始化仓储层与服务层
	if err := w.initRepositories(); err != nil {
		return err
	}
	if err := w.initServices(idGen); err != nil {
		return err
	}

	// 7. 初始化服务实例
	w.healthProbe = health.NewProbe()
	w.healthProbe.RegisterCheck("redis", func(ctx context.Context) error {
		return w.redisConn.GetClient().Ping(ctx).Err()
	})
	return w.initServers()
}

// initConnections 初始化外部连接 (Redis、PostgreSQL、NATS、DB、MQ)
func (w *Worker) initConnections() error {
	redisConn, err := connector.NewRedis(&w.config.Redis, connector.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	if err := redisConn.Connect(w.ctx); err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	w.redisConn = redisConn

	pgConn, err := connector.NewPostgreSQL(&w.config.Postgres, connector.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("postgres init: %w", err)
	}
	if err := pgConn.Connect(w.ctx); err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	w.pgConn = pgConn

	natsConn, err := connector.NewNATS(&w.config.NATS, connector.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("nats init: %w", err)
	}
	if err := natsConn.Connect(w.ctx); err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	w.natsConn = natsConn

	database, err := db.New(&db.Config{
		Driver:         "postgresql",
		EnableSharding: false,
	}, db.WithPostgreSQLConnector(pgConn), db.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	w.database = database

	mqClient, err := mq.New(&mq.Config{
		Driver: mq.DriverNATSCore,
	}, mq.WithNATSConnector(natsConn), mq.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("mq init: %w", err)
	}
	w.mqClient = mqClient

	return nil
}

// initRepositories 初始化仓储层
func (w *Worker) initRepositories() error {
	messageRepo, err := repo.NewMessageRepo(w.database, repo.WithMessageRepoLogger(w.logger))
	if err != nil {
		return fmt.Errorf("message repo init: %w", err)
	}
	w.messageRepo = messageRepo

	channelRepo, err := repo.NewChannelRepo(w.database, repo.WithChannelRepoLogger(w.logger))
	if err != nil {
		return fmt.Errorf("channel repo init: %w", err)
	}
	w.channelRepo = channelRepo

	dedupStore, err := repo.NewDedupStore(w.redisConn, repo.WithDedupStoreLogger(w.logger))
	if err != nil {
		return fmt.Errorf("dedup store init: %w", err)
	}
	w.dedupStore = dedupStore

	return nil
}

// initServices 初始化服务层
func (w *Worker) initServices(idGen idgen.Generator) error {
	sessions, err := cluster.NewSessionRouter(w.redisConn.GetClient(), cluster.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("session router init: %w", err)
	}
	sequencer, err := cluster.NewSequencer(w.redisConn.GetClient(), cluster.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("sequencer init: %w", err)
	}

	routerService, err := service.NewRouterService(sessions, w.mqClient,
		service.WithRouterServiceLogger(w.logger))
	if err != nil {
		return fmt.Errorf("router service init: %w", err)
	}
	w.routerService = routerService

	messageService, err := service.NewMessageService(
		w.messageRepo, w.channelRepo, w.dedupStore,
		sequencer, idGen, routerService, w.mqClient,
		service.WithMessageServiceLogger(w.logger))
	if err != nil {
		return fmt.Errorf("message service init: %w", err)
	}
	w.messageService = messageService

	postBroadcastService, err := service.NewPostBroadcastService(
		w.messageRepo, w.channelRepo, w.dedupStore, routerService,
		service.WithPostBroadcastServiceLogger(w.logger))
	if err != nil {
		return fmt.Errorf("post broadcast service init: %w", err)
	}
	w.postBroadcastService = postBroadcastService

	ackService, err := service.NewAckService(w.messageRepo, w.channelRepo, routerService,
		service.WithAckServiceLogger(w.logger))
	if err != nil {
		return fmt.Errorf("ack service init: %w", err)
	}
	w.ackService = ackService

	return nil
}

// initServers 初始化消费者、后台任务与 HTTP 服务
func (w *Worker) initServers() error {
	upstreamConsumer, err := consumer.New(
		w.mqClient, w.messageService, w.postBroadcastService, w.ackService,
		consumer.WithLogger(w.logger),
		consumer.WithMaxRetries(w.config.Consumer.GetMaxRetries()))
	if err != nil {
		return fmt.Errorf("consumer init: %w", err)
	}
	w.upstreamConsumer = upstreamConsumer

	outboxRelay, err := job.NewOutboxRelay(w.messageRepo, w.mqClient,
		job.WithOutboxRelayLogger(w.logger))
	if err != nil {
		return fmt.Errorf("outbox relay init: %w", err)
	}
	w.outboxRelay = outboxRelay

	handler := server.NewHandler(w.messageService, w.messageRepo, w.channelRepo, w.dedupStore, w.logger)
	w.httpServer = server.NewHTTPServer(w.config.GetHTTPAddr(), w.logger, handler, w.healthProbe)

	return nil
}

// Run 启动 Worker 服务
func (w *Worker) Run() error {
	w.logger.Info("starting worker service",
		clog.Int64("worker_id", w.workerID),
		clog.String("http_addr", w.config.GetHTTPAddr()))
	w.healthProbe.SetReady(false)
	w.healthProbe.SetShutdown(false)

	if err := w.upstreamConsumer.Start(w.ctx); err != nil {
		return err
	}
	w.outboxRelay.Start(w.ctx)

	go func() {
		if err := w.httpServer.Start(); err != nil {
			w.logger.Error("http server error", clog.Error(err))
			w.cancel()
		}
	}()

	w.healthProbe.SetReady(true)
	w.logger.Info("worker service started")

	<-w.ctx.Done()
	return nil
}

// Close 优雅关闭资源
func (w *Worker) Close() error {
	if w.logger != nil {
		w.logger.Info("shutting down worker...")
	}
	if w.healthProbe != nil {
		w.healthProbe.SetReady(false)
		w.healthProbe.SetShutdown(true)
	}
	w.cancel()

	// 1. 停止消费与后台任务
	if w.upstreamConsumer != nil {
		w.upstreamConsumer.Stop()
	}
	if w.outboxRelay != nil {
		w.outboxRelay.Stop()
	}

	// 2. 停止 HTTP 服务
	if w.httpServer != nil {
		httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		w.httpServer.Stop(httpShutdownCtx)
		httpCancel()
	}

	// 3. 关闭仓储与基础组件
	if w.dedupStore != nil {
		w.dedupStore.Close()
	}
	if w.mqClient != nil {
		w.mqClient.Close()
	}
	if w.natsConn != nil {
		w.natsConn.Close()
	}
	if w.redisConn != nil {
		w.redisConn.Close()
	}
	if w.pgConn != nil {
		w.pgConn.Close()
	}

	// 4. 关闭可观测性组件
	obsCtx, obsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer obsCancel()
	if err := observability.Shutdown(obsCtx); err != nil && w.logger != nil {
		w.logger.Warn("observability shutdown failed", clog.Error(err))
	}

	if w.logger != nil {
		w.logger.Info("worker service stopped")
	}
	return nil
}
