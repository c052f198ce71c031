package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepoOption 配置 MessageRepo 的选项
type MessageRepoOption func(*messageRepoOptions)

type messageRepoOptions struct {
	logger clog.Logger
}

// WithMessageRepoLogger 设置日志记录器
func WithMessageRepoLogger(logger clog.Logger) MessageRepoOption {
	return func(o *messageRepoOptions) {
		o.logger = logger
	}
}

// messageRepo 实现 MessageRepo 接口
type messageRepo struct {
	db     db.DB
	logger clog.Logger
}

var _ MessageRepo = (*messageRepo)(nil)

// NewMessageRepo 创建 MessageRepo 实例
func NewMessageRepo(database db.DB, opts ...MessageRepoOption) (MessageRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &messageRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var logger clog.Logger
	if options.logger != nil {
		logger = options.logger.WithNamespace("message_repo")
	} else {
		var err error
		logger, err = clog.New(&clog.Config{
			Level:  "info",
			Format: "json",
			Output: "/dev/null",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create default logger: %w", err)
		}
		logger = logger.WithNamespace("message_repo")
	}

	return &messageRepo{
		db:     database,
		logger: logger,
	}, nil
}

// SaveMessage 保存消息行
func (r *messageRepo) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("channel_id cannot be empty")
	}
	if msg.SenderID == "" {
		return fmt.Errorf("sender_id cannot be empty")
	}
	if msg.MsgID == 0 {
		return fmt.Errorf("msg_id cannot be zero")
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Create(msg).Error; err != nil {
		r.logger.Error("保存消息失败",
			clog.String("channel_id", msg.ChannelID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
		return fmt.Errorf("failed to save message: %w", err)
	}

	r.logger.Debug("保存消息成功",
		clog.String("channel_id", msg.ChannelID),
		clog.Int64("msg_id", msg.MsgID),
		clog.Int64("seq_id", msg.SeqID))
	return nil
}

// SaveMessageWithOutbox 事务内保存消息、附件与 outbox 行
// 消息行和它的下游事件标记要么一起提交要么一起回滚，崩溃在提交前不丢数据，
// 提交后由 outbox 中继扫描 pending 行补发
func (r *messageRepo) SaveMessageWithOutbox(ctx context.Context, msg *model.Message, attachments []*model.Attachment, outbox *model.OutboxEvent) error {
	if msg == nil || outbox == nil {
		return fmt.Errorf("message and outbox cannot be nil")
	}

	return r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		// 1. 保存消息内容
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		// 2. 保存附件
		if len(attachments) > 0 {
			if err := tx.Create(&attachments).Error; err != nil {
				return fmt.Errorf("failed to save attachments: %w", err)
			}
		}

		// 3. 更新频道 MaxSeqID (使用 CAS 乐观锁防止回退)
		result := tx.Model(&model.Channel{}).
			Where("channel_id = ? AND max_seq_id < ?", msg.ChannelID, msg.SeqID).
			Update("max_seq_id", msg.SeqID)
		if result.Error != nil {
			return fmt.Errorf("failed to update channel max_seq_id: %w", result.Error)
		}

		// 4. 保存 outbox 行
		if err := tx.Create(outbox).Error; err != nil {
			return fmt.Errorf("failed to save outbox: %w", err)
		}

		return nil
	})
}

// GetMessage 按 msg_id 读取消息
func (r *messageRepo) GetMessage(ctx context.Context, msgID int64) (*model.Message, error) {
	var msg model.Message
	gormDB := r.db.DB(ctx)

	if err := gormDB.Where("msg_id = ?", msgID).First(&msg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Error("读取消息失败", clog.Int64("msg_id", msgID), clog.Error(err))
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// GetMessageWithAttachments 读取消息及其附件
func (r *messageRepo) GetMessageWithAttachments(ctx context.Context, msgID int64) (*model.Message, []*model.Attachment, error) {
	msg, err := r.GetMessage(ctx, msgID)
	if err != nil || msg == nil {
		return msg, nil, err
	}

	var attachments []*model.Attachment
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("msg_id = ?", msgID).Find(&attachments).Error; err != nil {
		r.logger.Error("读取附件失败", clog.Int64("msg_id", msgID), clog.Error(err))
		return nil, nil, fmt.Errorf("failed to get attachments: %w", err)
	}

	return msg, attachments, nil
}

// GetHistoryMessages 拉取历史消息
// 语义：
//   - beforeSeq == 0: 拉取该频道“最近”的 limit 条消息
//   - beforeSeq > 0: 拉取 seq_id < beforeSeq 的历史消息
//
// 返回顺序统一为 seq_id 升序，方便前端直接渲染。
func (r *messageRepo) GetHistoryMessages(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]*model.Message, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel_id cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	var messages []*model.Message
	gormDB := r.db.DB(ctx)

	query := gormDB.Where("channel_id = ?", channelID)
	if beforeSeq > 0 {
		query = query.Where("seq_id < ?", beforeSeq)
	}

	// 为了高效拿“最近 limit 条”，先倒序取，再在内存反转为升序输出。
	query = query.Order("seq_id DESC")

	if err := query.Limit(limit).Find(&messages).Error; err != nil {
		r.logger.Error("拉取历史消息失败",
			clog.String("channel_id", channelID),
			clog.Int64("before_seq", beforeSeq),
			clog.Int("limit", limit),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get history messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// SaveInbox 批量写入投递簿记
func (r *messageRepo) SaveInbox(ctx context.Context, inboxes []*model.Inbox) error {
	if len(inboxes) == 0 {
		return nil
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		// 幂等写入：唯一键冲突（owner_id, channel_id, seq_id）时忽略
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&inboxes).Error; err != nil {
			return fmt.Errorf("failed to save inboxes: %w", err)
		}
		return nil
	})

	if err != nil {
		r.logger.Error("批量写入信箱失败",
			clog.Int("count", len(inboxes)),
			clog.Error(err))
		return err
	}

	r.logger.Debug("批量写入信箱成功", clog.Int("count", len(inboxes)))
	return nil
}

// GetUndelivered 拉取用户未投递的信箱条目，presence 上线补投使用
func (r *messageRepo) GetUndelivered(ctx context.Context, ownerID string, limit int) ([]*model.Inbox, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id cannot be empty")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	var inboxes []*model.Inbox
	gormDB := r.db.DB(ctx)

	if err := gormDB.Where("owner_id = ? AND delivered = ?", ownerID, model.InboxUndelivered).
		Order("id ASC").
		Limit(limit).
		Find(&inboxes).Error; err != nil {
		r.logger.Error("获取未投递消息失败",
			clog.String("owner_id", ownerID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get undelivered inboxes: %w", err)
	}

	return inboxes, nil
}

// MarkDelivered 标记信箱条目已投递
func (r *messageRepo) MarkDelivered(ctx context.Context, ownerID string, inboxIDs []int64) error {
	if len(inboxIDs) == 0 {
		return nil
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.Inbox{}).
		Where("owner_id = ? AND id IN ?", ownerID, inboxIDs).
		Update("delivered", model.InboxDelivered).Error; err != nil {
		return fmt.Errorf("failed to mark inboxes delivered: %w", err)
	}
	return nil
}

// GetPendingOutboxEvents 获取到期待发布的 outbox 行
func (r *messageRepo) GetPendingOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	gormDB := r.db.DB(ctx)

	if err := gormDB.Where("status = ? AND next_retry_time <= ?", model.OutboxStatusPending, time.Now()).
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to get pending outbox events: %w", err)
	}

	return events, nil
}

// UpdateOutboxStatus 更新 outbox 行状态
func (r *messageRepo) UpdateOutboxStatus(ctx context.Context, id int64, status int) error {
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.OutboxEvent{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update outbox status: %w", err)
	}
	return nil
}

// UpdateOutboxRetry 更新 outbox 行重试信息
func (r *messageRepo) UpdateOutboxRetry(ctx context.Context, id int64, nextRetry time.Time, count int) error {
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"next_retry_time": nextRetry,
		"retry_count":     count,
	}).Error; err != nil {
		return fmt.Errorf("failed to update outbox retry: %w", err)
	}
	return nil
}

// Close 释放资源
func (r *messageRepo) Close() error {
	r.logger.Info("关闭 MessageRepo")
	// db 实例由外部管理，这里不需要关闭
	return nil
}
