package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ceyewan/courier/cluster"
	"github.com/ceyewan/courier/gateway/connection"
	"github.com/ceyewan/courier/gateway/observability"
	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

// 客户端帧类型
const (
	FrameTypePulse   = "pulse"
	FrameTypeMessage = "message"
	FrameTypeRead    = "read"
	FrameTypeAck     = "ack"
	FrameTypeTyping  = "typing"

	frameTypePong    = "pong"
	frameTypeReceipt = "receipt"
	frameTypeError   = "error"
)

// ClientFrame 客户端上行帧
type ClientFrame struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerFrame 服务端下行帧
type ServerFrame struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// messageData 客户端发送消息的载荷
type messageData struct {
	ClientMsgID string          `json:"client_msg_id"`
	TargetType  string          `json:"target_type"`
	TargetID    string          `json:"target_id"`
	Type        string          `json:"type"`
	ParentID    int64           `json:"parent_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher 解析客户端帧并按类别路由到上行主题
// pulse 帧在本地续期会话心跳，其余帧发布到 MQ 交由 Worker 处理
type Dispatcher struct {
	nodeID    string
	sessions  cluster.SessionRouter
	publisher connection.Publisher
	logger    clog.Logger
}

// DispatcherOption 配置 Dispatcher 的可选项
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 设置日志记录器
func WithDispatcherLogger(logger clog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(clog.String("component", "dispatcher"))
	}
}

// NewDispatcher 创建帧分发器
func NewDispatcher(nodeID string, sessions cluster.SessionRouter, publisher connection.Publisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if nodeID == "" {
		return nil, xerrors.New("nodeID cannot be empty")
	}
	if sessions == nil {
		return nil, xerrors.New("session router cannot be nil")
	}
	if publisher == nil {
		return nil, xerrors.New("publisher cannot be nil")
	}

	d := &Dispatcher{
		nodeID:    nodeID,
		sessions:  sessions,
		publisher: publisher,
		logger:    clog.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// HandleFrame 实现 connection.Handler
func (d *Dispatcher) HandleFrame(ctx context.Context, conn *connection.Conn, raw []byte) error {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.replyError(conn, 0, "malformed frame")
		return xerrors.Wrapf(err, "failed to unmarshal client frame")
	}

	switch frame.Type {
	case FrameTypePulse:
		return d.handlePulse(ctx, conn, &frame)
	case FrameTypeMessage:
		return d.handleMessage(ctx, conn, &frame)
	case FrameTypeRead:
		return d.handleRead(ctx, conn, &frame)
	case FrameTypeAck:
		return d.handleAck(ctx, conn, &frame)
	case FrameTypeTyping:
		return d.handleTyping(ctx, conn, &frame)
	default:
		d.replyError(conn, frame.Seq, "unknown frame type: "+frame.Type)
		return nil
	}
}

// handlePulse 续期集群会话心跳并回复 pong
// 会话已不属于该 socket（别处重连）时不续期，但仍回 pong 让客户端自然走断线逻辑
func (d *Dispatcher) handlePulse(ctx context.Context, conn *connection.Conn, frame *ClientFrame) error {
	renewed, err := d.sessions.UpdateHeartbeat(ctx, conn.UserID(), conn.SocketID())
	if err != nil {
		d.logger.Error("failed to update heartbeat",
			clog.String("user_id", conn.UserID()),
			clog.String("socket_id", conn.SocketID()),
			clog.Error(err))
	} else if renewed {
		observability.RecordSessionHeartbeat(ctx)
	}

	pong, _ := json.Marshal(&ServerFrame{Type: frameTypePong, Seq: frame.Seq})
	return conn.Send(pong)
}

// handleMessage 把客户端消息封装为上行信封发布到 MQ
func (d *Dispatcher) handleMessage(ctx context.Context, conn *connection.Conn, frame *ClientFrame) error {
	var data messageData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		d.replyError(conn, frame.Seq, "malformed message data")
		return xerrors.Wrapf(err, "failed to unmarshal message data")
	}

	headers := make(map[string]string)
	observability.InjectTraceContext(ctx, headers)

	msg := &model.UpstreamMessage{
		ClientMsgID:  data.ClientMsgID,
		SenderID:     conn.UserID(),
		TargetType:   data.TargetType,
		TargetID:     data.TargetID,
		Type:         data.Type,
		ParentID:     data.ParentID,
		Payload:      data.Payload,
		GatewayID:    d.nodeID,
		Timestamp:    time.Now().UnixMilli(),
		TraceHeaders: headers,
	}
	if err := msg.Validate(); err != nil {
		d.replyError(conn, frame.Seq, err.Error())
		return nil
	}

	if err := d.publish(ctx, model.RouteMessage, msg); err != nil {
		d.replyError(conn, frame.Seq, "message not accepted, retry later")
		return err
	}

	receipt, _ := json.Marshal(&ServerFrame{
		Type: frameTypeReceipt,
		Seq:  frame.Seq,
		Data: mustMarshal(map[string]string{"client_msg_id": data.ClientMsgID}),
	})
	return conn.Send(receipt)
}

// handleTyping 把输入状态包装成瞬时信令信封，Worker 侧只做在线转发
func (d *Dispatcher) handleTyping(ctx context.Context, conn *connection.Conn, frame *ClientFrame) error {
	var data messageData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		d.replyError(conn, frame.Seq, "malformed typing data")
		return xerrors.Wrapf(err, "failed to unmarshal typing data")
	}

	headers := make(map[string]string)
	observability.InjectTraceContext(ctx, headers)

	msg := &model.UpstreamMessage{
		SenderID:     conn.UserID(),
		TargetType:   data.TargetType,
		TargetID:     data.TargetID,
		Type:         model.RouteTyping,
		Payload:      data.Payload,
		GatewayID:    d.nodeID,
		Timestamp:    time.Now().UnixMilli(),
		TraceHeaders: headers,
	}
	if err := msg.Validate(); err != nil {
		d.replyError(conn, frame.Seq, err.Error())
		return nil
	}
	return d.publish(ctx, model.RouteTyping, msg)
}

// handleRead 转发已读推进事件，UserID 以连接身份为准
func (d *Dispatcher) handleRead(ctx context.Context, conn *connection.Conn, frame *ClientFrame) error {
	var read model.ReadPayload
	if err := json.Unmarshal(frame.Data, &read); err != nil {
		d.replyError(conn, frame.Seq, "malformed read data")
		return xerrors.Wrapf(err, "failed to unmarshal read data")
	}
	read.UserID = conn.UserID()
	return d.publish(ctx, model.RouteRead, &read)
}

// handleAck 转发投递确认事件，UserID 以连接身份为准
func (d *Dispatcher) handleAck(ctx context.Context, conn *connection.Conn, frame *ClientFrame) error {
	var ack model.AckPayload
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		d.replyError(conn, frame.Seq, "malformed ack data")
		return xerrors.Wrapf(err, "failed to unmarshal ack data")
	}
	ack.UserID = conn.UserID()
	return d.publish(ctx, model.RouteAck, &ack)
}

func (d *Dispatcher) publish(ctx context.Context, route string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrapf(err, "failed to marshal %s payload", route)
	}
	return d.forwardRaw(ctx, route, data)
}

func (d *Dispatcher) forwardRaw(ctx context.Context, route string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := d.publisher.Publish(ctx, model.UpstreamTopic(route), data); err != nil {
		return xerrors.Wrapf(err, "failed to publish %s event", route)
	}
	return nil
}

func (d *Dispatcher) replyError(conn *connection.Conn, seq int64, reason string) {
	frame, _ := json.Marshal(&ServerFrame{
		Type: frameTypeError,
		Seq:  seq,
		Data: mustMarshal(map[string]string{"reason": reason}),
	})
	if err := conn.Send(frame); err != nil {
		d.logger.Warn("failed to send error frame",
			clog.String("socket_id", conn.SocketID()),
			clog.Error(err))
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
