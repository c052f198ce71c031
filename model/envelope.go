package model

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// MQ 路由与主题
// ============================================================================

// 上行路由键，网关按事件类别选择，Worker 按键分发
const (
	RouteMessage       = "message"
	RouteAck           = "ack"
	RouteTyping        = "typing"
	RouteRead          = "read"
	RoutePresence      = "presence"
	RoutePostBroadcast = "post_broadcast"
)

const (
	upstreamTopicPrefix   = "courier.upstream."
	downstreamTopicPrefix = "courier.downstream."
	notifyTopicPrefix     = "courier.notify."

	// TopicDeadLetter 有界重试耗尽后的死信主题，供离线排障消费
	TopicDeadLetter = "courier.upstream.dlq"

	// UpstreamQueueGroup Worker 进程共享的队列组，保证一条上行消息只被一个 Worker 处理
	UpstreamQueueGroup = "worker-service"
)

// UpstreamTopic 返回指定路由键的上行主题
func UpstreamTopic(route string) string {
	return upstreamTopicPrefix + route
}

// DownstreamTopic 返回指定网关节点的下行主题（每节点一个逻辑队列）
func DownstreamTopic(nodeID string) string {
	return downstreamTopicPrefix + nodeID
}

// NotifyTopic 返回指定网关节点的通知投递主题
func NotifyTopic(nodeID string) string {
	return notifyTopicPrefix + nodeID
}

// ============================================================================
// 目标与消息类型
// ============================================================================

const (
	TargetTypeUser    = "user"
	TargetTypeChannel = "channel"
)

const (
	MsgTypeText   = "text"
	MsgTypeFile   = "file"
	MsgTypeImage  = "image"
	MsgTypeSystem = "system"
)

// ============================================================================
// 线缆信封（JSON 序列化，seq/msg id 为 int64，仅在 HTTP 边界转为字符串）
// ============================================================================

// UpstreamMessage 上行信封：网关发布到 MQ、Worker 消费的统一载体
// ClientMsgID 若存在即为发送方提供的幂等键；MsgID/SeqID 由服务端分配
type UpstreamMessage struct {
	MsgID        int64             `json:"msg_id,omitempty"`
	ClientMsgID  string            `json:"client_msg_id,omitempty"`
	SeqID        int64             `json:"seq_id,omitempty"`
	SenderID     string            `json:"sender_id"`
	TargetType   string            `json:"target_type"`
	TargetID     string            `json:"target_id"`
	Type         string            `json:"type"`
	ParentID     int64             `json:"parent_id,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	GatewayID    string            `json:"gateway_id,omitempty"`
	Timestamp    int64             `json:"timestamp"`
	RetryCount   int               `json:"retry_count,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Validate 校验业务必填字段
func (m *UpstreamMessage) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("sender_id cannot be empty")
	}
	if m.TargetID == "" {
		return fmt.Errorf("target_id cannot be empty")
	}
	if m.TargetType != TargetTypeUser && m.TargetType != TargetTypeChannel {
		return fmt.Errorf("invalid target_type: %s", m.TargetType)
	}
	return nil
}

// DownstreamPayload 下行信封：Router 发给网关 Connection Service 的投递指令
type DownstreamPayload struct {
	MsgID         int64             `json:"msg_id"`
	SeqID         int64             `json:"seq_id,omitempty"`
	SenderID      string            `json:"sender_id"`
	TargetType    string            `json:"target_type"`
	TargetID      string            `json:"target_id"`
	TargetUserIDs []string          `json:"target_user_ids"`
	Type          string            `json:"type"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Timestamp     int64             `json:"timestamp"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

// PostBroadcastEvent 广播后置事件：消息扇出之后的收尾工作
// Routed 为 true 表示异步链路已完成在线路由与未读自增，后置处理只做投递簿记与缓存；
// 为 false（同步落库路径经由 outbox 补发）则由后置处理完成全部扇出
type PostBroadcastEvent struct {
	Message      UpstreamMessage   `json:"message"`
	Recipients   []string          `json:"recipients,omitempty"`
	Routed       bool              `json:"routed"`
	RetryCount   int               `json:"retry_count,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresencePayload presence 信封负载
type PresencePayload struct {
	Status    string `json:"status"` // online | offline
	UserID    string `json:"user_id"`
	GatewayID string `json:"gateway_id"`
}

// ReadPayload read 信封负载：已读位置推进
type ReadPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	MessageID int64  `json:"message_id,omitempty"`
	SeqID     int64  `json:"seq_id,omitempty"`
}

// AckPayload ack 信封负载：客户端确认收到某批消息
type AckPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	SeqID     int64  `json:"seq_id"`
}

// ============================================================================
// 处理结果
// ============================================================================

const (
	ProcessStatusOK        = "ok"
	ProcessStatusDuplicate = "duplicate"
	ProcessStatusError     = "error"
)

// ProcessResult 消息管线处理结果
// 业务失败以 Status=error 返回而不是抛出，MQ 层的 ack/nack 决策独立于业务成败
type ProcessResult struct {
	Status    string `json:"status"`
	MsgID     int64  `json:"msg_id,omitempty"`
	SeqID     int64  `json:"seq_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}
