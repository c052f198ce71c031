package repo

import (
	"context"
	"time"

	"github.com/ceyewan/courier/model"
)

// MessageRepo 定义了消息数据访问接口
type MessageRepo interface {
	// SaveMessage 保存消息行
	SaveMessage(ctx context.Context, msg *model.Message) error
	// SaveMessageWithOutbox 事务内保存消息、附件与 outbox 行，并 CAS 推进频道 MaxSeqID
	SaveMessageWithOutbox(ctx context.Context, msg *model.Message, attachments []*model.Attachment, outbox *model.OutboxEvent) error
	// GetMessage 按 msg_id 读取消息，不存在返回 nil
	GetMessage(ctx context.Context, msgID int64) (*model.Message, error)
	// GetMessageWithAttachments 读取消息及其附件，用于下行投递前的全量重取
	GetMessageWithAttachments(ctx context.Context, msgID int64) (*model.Message, []*model.Attachment, error)
	// GetHistoryMessages 按 seq_id 游标拉取频道历史，升序返回
	GetHistoryMessages(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]*model.Message, error)
	// SaveInbox 批量写入投递簿记，唯一键冲突时忽略
	SaveInbox(ctx context.Context, inboxes []*model.Inbox) error
	// GetUndelivered 拉取用户未投递的信箱条目
	GetUndelivered(ctx context.Context, ownerID string, limit int) ([]*model.Inbox, error)
	// MarkDelivered 标记信箱条目已投递
	MarkDelivered(ctx context.Context, ownerID string, inboxIDs []int64) error
	// GetPendingOutboxEvents 获取到期待发布的 outbox 行
	GetPendingOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	// UpdateOutboxStatus 更新 outbox 行状态
	UpdateOutboxStatus(ctx context.Context, id int64, status int) error
	// UpdateOutboxRetry 更新 outbox 行重试信息
	UpdateOutboxRetry(ctx context.Context, id int64, nextRetry time.Time, count int) error
	// Close 释放资源
	Close() error
}

// ChannelRepo 定义了频道与成员数据访问接口
type ChannelRepo interface {
	// CreateChannel 创建频道
	CreateChannel(ctx context.Context, channel *model.Channel) error
	// GetChannel 获取频道详情，不存在返回 nil
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	// AddMember 添加成员
	AddMember(ctx context.Context, member *model.ChannelMember) error
	// GetMemberIDs 获取频道全部成员的用户 ID
	GetMemberIDs(ctx context.Context, channelID string) ([]string, error)
	// UpdateMaxSeqID 更新频道最新序列号 (CAS 操作，只前进不回退)
	UpdateMaxSeqID(ctx context.Context, channelID string, newSeqID int64) error
	// IncrementUnread 为一批用户累加未读数，upsert 语义下并发安全
	IncrementUnread(ctx context.Context, channelID string, userIDs []string) error
	// ResetUnread 清零用户在频道内的未读数
	ResetUnread(ctx context.Context, channelID, userID string) error
	// GetUnreadCount 读取用户在频道内的未读数
	GetUnreadCount(ctx context.Context, channelID, userID string) (int64, error)
	// UpdateLastReadSeq 推进用户在频道内的已读位置，只前进不回退
	UpdateLastReadSeq(ctx context.Context, channelID, userID string, lastReadSeq int64) error
	// Close 释放资源
	Close() error
}

// DedupStore 幂等与热点缓存，由 Redis 实现
type DedupStore interface {
	// Check 查询 clientMsgId 的去重记录，未命中或记录损坏返回 nil
	Check(ctx context.Context, clientMsgID string) (*model.DedupRecord, error)
	// Mark 写入去重记录，带 5 分钟 TTL
	Mark(ctx context.Context, clientMsgID string, rec *model.DedupRecord) error
	// CacheRecent 把消息追加到频道的最近消息列表，截断到 50 条，尽力而为
	CacheRecent(ctx context.Context, channelID string, payload []byte) error
	// GetRecent 读取频道最近消息列表，新到旧
	GetRecent(ctx context.Context, channelID string, limit int) ([][]byte, error)
	// Close 释放资源
	Close() error
}
