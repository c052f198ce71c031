package connection

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/gorilla/websocket"
)

// Handler 处理客户端上行帧
type Handler interface {
	HandleFrame(ctx context.Context, conn *Conn, frame []byte) error
}

// Conn 表示一个 WebSocket 连接
// 每个连接由 socketID 唯一标识，同一用户重连会产生新的 socketID
type Conn struct {
	userID     string
	socketID   string
	device     string
	conn       *websocket.Conn
	send       chan []byte
	logger     clog.Logger
	handler    Handler
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	remoteAddr string

	// 配置
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
}

// NewConn 创建新的连接
func NewConn(
	userID, socketID, device string,
	conn *websocket.Conn,
	logger clog.Logger,
	handler Handler,
	maxMessageSize int64,
	pingInterval time.Duration,
	pongTimeout time.Duration,
) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		userID:         userID,
		socketID:       socketID,
		device:         device,
		conn:           conn,
		send:           make(chan []byte, 256),
		logger:         logger,
		handler:        handler,
		ctx:            ctx,
		cancel:         cancel,
		remoteAddr:     conn.RemoteAddr().String(),
		maxMessageSize: maxMessageSize,
		pingInterval:   pingInterval,
		pongTimeout:    pongTimeout,
	}
}

// UserID 返回连接归属的用户
func (c *Conn) UserID() string {
	return c.userID
}

// SocketID 返回连接的唯一标识
func (c *Conn) SocketID() string {
	return c.socketID
}

// Device 返回连接的设备标识
func (c *Conn) Device() string {
	return c.device
}

// RemoteAddr 返回对端地址
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Send 把一帧放入发送队列，队列满或连接关闭时报错
func (c *Conn) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return xerrors.New("connection closed")
	default:
		return xerrors.New("send buffer full")
	}
}

// Close 关闭连接，幂等
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
	return nil
}

// Run 启动连接的读写协程，onClose 在读协程退出时回调一次
func (c *Conn) Run(onClose func(*Conn)) {
	go c.writePump()
	go c.readPump(onClose)
}

// readPump 从 WebSocket 读取消息
func (c *Conn) readPump(onClose func(*Conn)) {
	defer func() {
		c.Close()
		if onClose != nil {
			onClose(c)
		}
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error",
					clog.String("user_id", c.userID),
					clog.String("socket_id", c.socketID),
					clog.Error(err))
			}
			break
		}

		if err := c.handler.HandleFrame(c.ctx, c, message); err != nil {
			c.logger.Error("failed to handle frame",
				clog.String("user_id", c.userID),
				clog.String("socket_id", c.socketID),
				clog.Error(err))
		}
	}
}

// writePump 向 WebSocket 写入消息
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error("failed to write message",
					clog.String("user_id", c.userID),
					clog.String("socket_id", c.socketID),
					clog.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
