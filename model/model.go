package model

import (
	"time"
)

// ============================================================================
// 非持久化模型（Redis）
// ============================================================================

// NodeInfo 网关节点注册信息，存储在 Redis 中（TTL 约 30s，心跳续期）
type NodeInfo struct {
	NodeID        string `json:"node_id"`
	Address       string `json:"address"`
	StartTime     int64  `json:"start_time"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	ConnCount     int64  `json:"conn_count"`
}

// UserSession 用户路由会话，记录用户当前由哪个网关、哪条 socket 服务
// 同一用户同一时刻最多一条逻辑会话（重连时后写者胜）
type UserSession struct {
	GatewayID  string `json:"gateway_id"`
	SocketID   string `json:"socket_id"`
	LoginTime  int64  `json:"login_time"`
	LastActive int64  `json:"last_active"`
	Device     string `json:"device,omitempty"`
}

// DedupRecord 幂等去重记录，key 为 clientMsgId（TTL 5 分钟）
// 命中即表示该客户端消息已处理过，必须返回首次分配的标识而不是重新落库
type DedupRecord struct {
	MsgID     int64 `json:"msg_id"`
	SeqID     int64 `json:"seq_id"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ============================================================================
// 持久化模型（PostgreSQL）
// 以下结构体的 GORM tag 是数据库表结构的唯一真相来源 (Single Source of Truth)。
// 表结构通过 `go run main.go -module init` 调用 GORM AutoMigrate 自动创建/更新。
//
// 索引总览：
//
//	表                 索引名                    列                                  类型       用途
//	────────────────── ──────────────────────── ──────────────────────────────────── ────────── ─────────────────────────────────
//	t_channel          PK                       channel_id                          主键       按频道 ID 精确查询
//	t_channel_member   PK                       (channel_id, user_id)               复合主键   按频道查成员 / 判断成员资格
//	t_channel_member   idx_member_user          user_id                             普通       按用户反查所有频道
//	t_message          PK                       msg_id                              主键       按消息 ID 精确查询
//	t_message          idx_chan_seq             (channel_id, seq_id)                复合       按频道拉取历史（游标分页）
//	t_message          idx_client_msg           client_msg_id                       普通       幂等兜底检查
//	t_attachment       PK                       id                                  自增主键   —
//	t_attachment       idx_attach_msg           msg_id                              普通       按消息查附件
//	t_inbox            PK                       id                                  自增主键   —
//	t_inbox            uniq_owner_chan_seq      (owner_id, channel_id, seq_id)      唯一复合   投递簿记去重
//	t_inbox            idx_owner_delivered      (owner_id, delivered)               复合       查询某用户未投递消息
//	t_unread_count     PK                       (channel_id, user_id)               复合主键   upsert 自增未读数
//	t_outbox_event     PK                       id                                  自增主键   —
//	t_outbox_event     idx_outbox_msg           msg_id                              普通       按消息 ID 查投递状态
//	t_outbox_event     idx_status_next_retry    (status, next_retry_time)           复合       定时任务轮询待重试事件
//
// ============================================================================

// 频道类型
const (
	ChannelTypeDirect = "direct"
	ChannelTypeGroup  = "group"
)

// 成员角色
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Channel 频道表（单聊/群聊）
// 索引：PK(channel_id)
type Channel struct {
	ChannelID string `gorm:"primaryKey;column:channel_id;type:varchar(64);not null"`
	Type      string `gorm:"column:type;type:varchar(16);not null"` // direct | group
	Name      string `gorm:"column:name;type:varchar(128)"`
	MaxSeqID  int64  `gorm:"column:max_seq_id;type:bigint;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelMember 频道成员表
// 索引：PK(channel_id, user_id) + idx_member_user(user_id)
type ChannelMember struct {
	ChannelID   string `gorm:"primaryKey;column:channel_id;type:varchar(64);not null"`
	UserID      string `gorm:"primaryKey;column:user_id;type:varchar(64);not null;index:idx_member_user"`
	Role        string `gorm:"column:role;type:varchar(16);default:'member'"`
	LastReadSeq int64  `gorm:"column:last_read_seq;type:bigint;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message 消息内容表
// 索引：PK(msg_id) + idx_chan_seq(channel_id, seq_id) + idx_client_msg(client_msg_id)
//   - idx_chan_seq：按频道拉取历史消息，支持 seq_id 游标分页
//     典型查询: WHERE channel_id = ? AND seq_id > ? ORDER BY seq_id LIMIT ?
//   - RootID 在写入时计算：顶层消息为 NULL；回复的回复取原始根而非直接父节点，
//     任意深度的回复链被压平为两层线程模型
type Message struct {
	MsgID       int64  `gorm:"primaryKey;column:msg_id;type:bigint;autoIncrement:false"`
	ChannelID   string `gorm:"column:channel_id;type:varchar(64);not null;index:idx_chan_seq,priority:1"`
	SenderID    string `gorm:"column:sender_id;type:varchar(64);not null"`
	SeqID       int64  `gorm:"column:seq_id;type:bigint;not null;index:idx_chan_seq,priority:2"`
	Content     string `gorm:"column:content;type:text"`
	MsgType     string `gorm:"column:msg_type;type:varchar(32)"`
	ParentID    *int64 `gorm:"column:parent_id;type:bigint"`
	RootID      *int64 `gorm:"column:root_id;type:bigint"`
	ClientMsgID string `gorm:"column:client_msg_id;type:varchar(128);index:idx_client_msg"`
	GatewayID   string `gorm:"column:gateway_id;type:varchar(64)"`
	Metadata    string `gorm:"column:metadata;type:text"`
	CreatedAt   time.Time
}

// Attachment 消息附件表（仅元数据，文件存储由外部系统负责）
// 索引：PK(id) + idx_attach_msg(msg_id)
type Attachment struct {
	ID        int64  `gorm:"primaryKey;column:id;autoIncrement"`
	MsgID     int64  `gorm:"column:msg_id;type:bigint;not null;index:idx_attach_msg"`
	Name      string `gorm:"column:name;type:varchar(255)"`
	URL       string `gorm:"column:url;type:varchar(512)"`
	Size      int64  `gorm:"column:size;type:bigint"`
	MimeType  string `gorm:"column:mime_type;type:varchar(128)"`
	CreatedAt time.Time
}

// Inbox 投递簿记表：记录某条消息是否已送达某用户
// 离线补投（presence online 回放）以 delivered = 0 的行为数据源
// 索引：PK(id) + uniq_owner_chan_seq(owner_id, channel_id, seq_id) + idx_owner_delivered(owner_id, delivered)
type Inbox struct {
	ID        int64  `gorm:"primaryKey;column:id;autoIncrement"`
	OwnerID   string `gorm:"column:owner_id;type:varchar(64);not null;uniqueIndex:uniq_owner_chan_seq,priority:1;index:idx_owner_delivered,priority:1"`
	ChannelID string `gorm:"column:channel_id;type:varchar(64);not null;uniqueIndex:uniq_owner_chan_seq,priority:2"`
	MsgID     int64  `gorm:"column:msg_id;type:bigint;not null"`
	SeqID     int64  `gorm:"column:seq_id;type:bigint;not null;uniqueIndex:uniq_owner_chan_seq,priority:3"`
	Delivered int    `gorm:"column:delivered;type:smallint;default:0;index:idx_owner_delivered,priority:2"`
	CreatedAt time.Time
}

// UnreadCount 未读计数表
// 并发安全依赖 upsert 自增（INSERT ... ON CONFLICT ... count = count + 1），
// 同一频道的并发投递不会丢失计数
type UnreadCount struct {
	ChannelID string `gorm:"primaryKey;column:channel_id;type:varchar(64);not null"`
	UserID    string `gorm:"primaryKey;column:user_id;type:varchar(64);not null"`
	Count     int64  `gorm:"column:count;type:bigint;default:0"`
	UpdatedAt time.Time
}

// OutboxEvent 本地消息表（Outbox Pattern，可靠投递）
// 与消息行同事务写入，保证"消息已落库"与"下游事件必将发布"不可分离；
// 崩溃于提交前两者皆无，崩溃于提交后由后台 relay 扫描 pending 行补发
// 索引：PK(id) + idx_outbox_msg(msg_id) + idx_status_next_retry(status, next_retry_time)
type OutboxEvent struct {
	ID            int64     `gorm:"primaryKey;column:id;autoIncrement"`
	MsgID         int64     `gorm:"column:msg_id;type:bigint;not null;index:idx_outbox_msg"`
	EventType     string    `gorm:"column:event_type;type:varchar(64);not null"`
	Topic         string    `gorm:"column:topic;type:varchar(64);not null"`
	Payload       []byte    `gorm:"column:payload;type:bytea;not null"`
	Status        int       `gorm:"column:status;type:smallint;default:0;index:idx_status_next_retry,priority:1"` // 0-待发送, 1-已发送, 2-失败
	RetryCount    int       `gorm:"column:retry_count;type:int;default:0"`
	NextRetryTime time.Time `gorm:"column:next_retry_time;index:idx_status_next_retry,priority:2"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ============================================================================
// 表名映射
// ============================================================================

func (Channel) TableName() string       { return "t_channel" }
func (ChannelMember) TableName() string { return "t_channel_member" }
func (Message) TableName() string       { return "t_message" }
func (Attachment) TableName() string    { return "t_attachment" }
func (Inbox) TableName() string         { return "t_inbox" }
func (UnreadCount) TableName() string   { return "t_unread_count" }
func (OutboxEvent) TableName() string   { return "t_outbox_event" }

// ============================================================================
// 常量
// ============================================================================

// Outbox 状态
const (
	OutboxStatusPending = 0
	OutboxStatusSent    = 1
	OutboxStatusFailed  = 2
)

// Inbox 投递状态
const (
	InboxUndelivered = 0
	InboxDelivered   = 1
)

// AllModels 返回所有需要 AutoMigrate 的模型列表
func AllModels() []any {
	return []any{
		&Channel{},
		&ChannelMember{},
		&Message{},
		&Attachment{},
		&Inbox{},
		&UnreadCount{},
		&OutboxEvent{},
	}
}
