package repo

import (
	"context"
	"fmt"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChannelRepoOption 配置 ChannelRepo 的选项
type ChannelRepoOption func(*channelRepoOptions)

type channelRepoOptions struct {
	logger clog.Logger
}

// WithChannelRepoLogger 设置日志记录器
func WithChannelRepoLogger(logger clog.Logger) ChannelRepoOption {
	return func(o *channelRepoOptions) {
		o.logger = logger
	}
}

// channelRepo 实现 ChannelRepo 接口
type channelRepo struct {
	db     db.DB
	logger clog.Logger
}

var _ ChannelRepo = (*channelRepo)(nil)

// NewChannelRepo 创建 ChannelRepo 实例
func NewChannelRepo(database db.DB, opts ...ChannelRepoOption) (ChannelRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &channelRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var logger clog.Logger
	if options.logger != nil {
		logger = options.logger.WithNamespace("channel_repo")
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
		logger = logger.WithNamespace("channel_repo")
	}

	return &channelRepo{
		db:     database,
		logger: logger,
	}, nil
}

// CreateChannel 创建频道
func (r *channelRepo) CreateChannel(ctx context.Context, channel *model.Channel) error {
	if channel == nil {
		return fmt.Errorf("channel cannot be nil")
	}
	if channel.ChannelID == "" {
		return fmt.Errorf("channel_id cannot be empty")
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Create(channel).Error; err != nil {
		r.logger.Error("创建频道失败",
			clog.String("channel_id", channel.ChannelID),
			clog.Error(err))
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

// GetChannel 获取频道详情
func (r *channelRepo) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel_id cannot be empty")
	}

	var channel model.Channel
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("channel_id = ?", channelID).First(&channel).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &channel, nil
}

// AddMember 添加成员
func (r *channelRepo) AddMember(ctx context.Context, member *model.ChannelMember) error {
	if member == nil {
		return fmt.Errorf("member cannot be nil")
	}
	if member.ChannelID == "" || member.UserID == "" {
		return fmt.Errorf("channel_id and user_id cannot be empty")
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Clauses(clause.OnConflict{DoNothing: true}).Create(member).Error; err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// GetMemberIDs 获取频道全部成员的用户 ID
func (r *channelRepo) GetMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel_id cannot be empty")
	}

	var userIDs []string
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.ChannelMember{}).
		Where("channel_id = ?", channelID).
		Pluck("user_id", &userIDs).Error; err != nil {
		r.logger.Error("获取频道成员失败",
			clog.String("channel_id", channelID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get channel members: %w", err)
	}
	return userIDs, nil
}

// UpdateMaxSeqID 更新频道最新序列号 (CAS 操作)
func (r *channelRepo) UpdateMaxSeqID(ctx context.Context, channelID string, newSeqID int64) error {
	gormDB := r.db.DB(ctx)
	result := gormDB.Model(&model.Channel{}).
		Where("channel_id = ? AND max_seq_id < ?", channelID, newSeqID).
		Update("max_seq_id", newSeqID)
	if result.Error != nil {
		return fmt.Errorf("failed to update max_seq_id: %w", result.Error)
	}
	return nil
}

// IncrementUnread 为一批用户累加未读数
// insert ... on conflict increment，同频道并发投递时可安全重入
func (r *channelRepo) IncrementUnread(ctx context.Context, channelID string, userIDs []string) error {
	if channelID == "" {
		return fmt.Errorf("channel_id cannot be empty")
	}
	if len(userIDs) == 0 {
		return nil
	}

	counters := make([]*model.UnreadCount, 0, len(userIDs))
	for _, userID := range userIDs {
		counters = append(counters, &model.UnreadCount{
			ChannelID: channelID,
			UserID:    userID,
			Count:     1,
		})
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"count": gorm.Expr("t_unread_count.count + 1")}),
	}).Create(&counters).Error; err != nil {
		r.logger.Error("累加未读数失败",
			clog.String("channel_id", channelID),
			clog.Int("count", len(userIDs)),
			clog.Error(err))
		return fmt.Errorf("failed to increment unread counts: %w", err)
	}
	return nil
}

// ResetUnread 清零用户在频道内的未读数
func (r *channelRepo) ResetUnread(ctx context.Context, channelID, userID string) error {
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.UnreadCount{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Update("count", 0).Error; err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	return nil
}

// GetUnreadCount 读取用户在频道内的未读数
func (r *channelRepo) GetUnreadCount(ctx context.Context, channelID, userID string) (int64, error) {
	var counter model.UnreadCount
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("channel_id = ? AND user_id = ?", channelID, userID).
		First(&counter).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get unread count: %w", err)
	}
	return counter.Count, nil
}

// UpdateLastReadSeq 推进用户在频道内的已读位置
func (r *channelRepo) UpdateLastReadSeq(ctx context.Context, channelID, userID string, lastReadSeq int64) error {
	gormDB := r.db.DB(ctx)
	// 只前进不回退，乱序到达的 read 事件不会倒拨游标
	result := gormDB.Model(&model.ChannelMember{}).
		Where("channel_id = ? AND user_id = ? AND last_read_seq < ?", channelID, userID, lastReadSeq).
		Update("last_read_seq", lastReadSeq)
	if result.Error != nil {
		return fmt.Errorf("failed to update last_read_seq: %w", result.Error)
	}
	return nil
}

// Close 释放资源
func (r *channelRepo) Close() error {
	r.logger.Info("关闭 ChannelRepo")
	return nil
}
