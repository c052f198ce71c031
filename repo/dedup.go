package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/cache"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
)

// 确保 dedupStore 实现了 DedupStore 接口
var _ DedupStore = (*dedupStore)(nil)

const (
	// dedupTTL 去重记录存活时间，超过即允许同一 clientMsgId 重新落库
	dedupTTL = 5 * time.Minute
	// recentCap 频道最近消息列表容量
	recentCap = 50
	// recentTTL 最近消息列表存活时间
	recentTTL = time.Hour
)

// dedupStore DedupStore 的 Redis 实现
type dedupStore struct {
	cache     cache.Cache
	redisConn connector.RedisConnector
	logger    clog.Logger
}

// DedupStoreOption 配置选项
type DedupStoreOption func(*dedupStoreOptions)

type dedupStoreOptions struct {
	logger clog.Logger
}

// WithDedupStoreLogger 设置日志记录器
func WithDedupStoreLogger(logger clog.Logger) DedupStoreOption {
	return func(o *dedupStoreOptions) {
		o.logger = logger
	}
}

// NewDedupStore 创建 DedupStore 实例
func NewDedupStore(redisConn connector.RedisConnector, opts ...DedupStoreOption) (DedupStore, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}

	options := &dedupStoreOptions{}
	for _, opt := range opts {
		opt(options)
	}

	cacheInstance, err := cache.New(&cache.Config{
		Driver:     cache.DriverRedis,
		Prefix:     "courier:dedup:",
		Serializer: "json",
	}, cache.WithRedisConnector(redisConn), cache.WithLogger(options.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache instance: %w", err)
	}

	var logger clog.Logger
	if options.logger != nil {
		logger = options.logger.WithNamespace("dedup")
	} else {
		logger, err = clog.New(&clog.Config{
			Level:  "info",
			Format: "json",
			Output: "/dev/null",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create default logger: %w", err)
		}
		logger = logger.WithNamespace("dedup")
	}

	return &dedupStore{
		cache:     cacheInstance,
		redisConn: redisConn,
		logger:    logger,
	}, nil
}

// Check 查询 clientMsgId 的去重记录
// 解析失败视作未命中，绝不因为一条损坏的缓存条目阻塞消息管线
func (s *dedupStore) Check(ctx context.Context, clientMsgID string) (*model.DedupRecord, error) {
	if clientMsgID == "" {
		return nil, nil
	}

	var rec model.DedupRecord
	if err := s.cache.Get(ctx, clientMsgID, &rec); err != nil {
		return nil, nil
	}
	if rec.MsgID == 0 {
		return nil, nil
	}
	return &rec, nil
}

// Mark 写入去重记录
func (s *dedupStore) Mark(ctx context.Context, clientMsgID string, rec *model.DedupRecord) error {
	if clientMsgID == "" {
		return nil
	}
	if rec == nil {
		return fmt.Errorf("dedup record cannot be nil")
	}

	if err := s.cache.Set(ctx, clientMsgID, rec, dedupTTL); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark dedup record",
			clog.String("client_msg_id", clientMsgID),
			clog.Error(err))
		return fmt.Errorf("failed to mark dedup record: %w", err)
	}
	return nil
}

// CacheRecent 把消息追加到频道的最近消息列表
// 缓存纯属加速，任何失败都只记日志不上抛
func (s *dedupStore) CacheRecent(ctx context.Context, channelID string, payload []byte) error {
	if channelID == "" || len(payload) == 0 {
		return nil
	}

	key := recentKey(channelID)
	client := s.redisConn.GetClient()
	pipe := client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, recentCap-1)
	pipe.Expire(ctx, key, recentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to cache recent message",
			clog.String("channel_id", channelID),
			clog.Error(err))
	}
	return nil
}

// GetRecent 读取频道最近消息列表，新到旧
func (s *dedupStore) GetRecent(ctx context.Context, channelID string, limit int) ([][]byte, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel_id cannot be empty")
	}
	if limit <= 0 || limit > recentCap {
		limit = recentCap
	}

	client := s.redisConn.GetClient()
	vals, err := client.LRange(ctx, recentKey(channelID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}

	payloads := make([][]byte, 0, len(vals))
	for _, v := range vals {
		payloads = append(payloads, []byte(v))
	}
	return payloads, nil
}

// Close 释放资源
func (s *dedupStore) Close() error {
	return s.cache.Close()
}

func recentKey(channelID string) string {
	return "courier:recent:" + channelID
}
