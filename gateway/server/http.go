package server

import (
	"context"
	"net/http"

	"github.com/ceyewan/courier/gateway/config"
	"github.com/ceyewan/courier/gateway/connection"
	"github.com/ceyewan/courier/gateway/middleware"
	"github.com/ceyewan/courier/pkg/health"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HTTPServer 网关 HTTP 服务，承载 WebSocket 接入与探针
type HTTPServer struct {
	server *http.Server
	logger clog.Logger
}

// NewHTTPServer 创建网关 HTTP 服务
func NewHTTPServer(cfg *config.Config, handler *Handler, rateLimit *middleware.RateLimit, probe *health.Probe, logger clog.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), rateLimit.GlobalIP(middleware.GlobalLimit))

	engine.GET("/health", gin.WrapF(probe.LivenessHandler()))
	engine.GET("/ready", gin.WrapF(probe.ReadinessHandler()))

	authed := engine.Group("/",
		rateLimit.IPBased(middleware.UpgradeLimit),
		middleware.Auth(cfg.Auth.GetSecret()))
	authed.GET("/ws", handler.serveWS)

	engine.GET("/v1/node/stats", handler.nodeStats)

	return &HTTPServer{
		server: &http.Server{
			Addr:    cfg.GetHTTPAddr(),
			Handler: engine,
		},
		logger: logger.With(clog.String("component", "http-server")),
	}
}

// Start 启动 HTTP 服务，阻塞直到服务退出
func (s *HTTPServer) Start() error {
	s.logger.Info("http server starting", clog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅关闭 HTTP 服务
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler 网关路由处理器
type Handler struct {
	nodeID   string
	conns    *connection.Service
	frames   connection.Handler
	upgrader websocket.Upgrader
	cfg      *config.Config
	logger   clog.Logger
}

// NewHandler 创建路由处理器
func NewHandler(nodeID string, conns *connection.Service, frames connection.Handler, cfg *config.Config, logger clog.Logger) *Handler {
	return &Handler{
		nodeID: nodeID,
		conns:  conns,
		frames: frames,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WS.GetReadBufferSize(),
			WriteBufferSize: cfg.WS.GetWriteBufferSize(),
			// 鉴权由 JWT 承担，跨域站点接入放行
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger.With(clog.String("component", "ws-handler")),
	}
}

// serveWS 升级 WebSocket 连接并接入连接管理
func (h *Handler) serveWS(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	device := c.GetString("device")

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket",
			clog.String("user_id", userID),
			clog.Error(err))
		return
	}

	socketID := uuid.NewString()
	conn := connection.NewConn(
		userID, socketID, device,
		wsConn,
		h.logger,
		h.frames,
		h.cfg.WS.GetMaxMessageSize(),
		h.cfg.WS.GetPingInterval(),
		h.cfg.WS.GetPongTimeout(),
	)

	if err := h.conns.Register(c.Request.Context(), conn); err != nil {
		h.logger.Error("failed to register connection",
			clog.String("user_id", userID),
			clog.String("socket_id", socketID),
			clog.Error(err))
		conn.Close()
		return
	}

	conn.Run(func(closed *connection.Conn) {
		h.conns.Unregister(context.Background(), closed)
	})
}

// nodeStats 返回本节点的连接统计
func (h *Handler) nodeStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id":    h.nodeID,
		"conn_count": h.conns.OnlineCount(),
	})
}
