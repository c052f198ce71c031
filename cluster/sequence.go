package cluster

import (
	"context"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/redis/go-redis/v9"
)

// Sequencer 按频道发放严格递增的序号
//
// 序号允许有空洞（例如持久化事务失败时已消费的序号不回收），
// 但同一频道内绝不重复、绝不回退
type Sequencer interface {
	// Next 原子递增并返回频道的下一个序号
	Next(ctx context.Context, channelID string) (int64, error)
	// Current 读取频道当前序号，从未发放过返回 0
	Current(ctx context.Context, channelID string) (int64, error)
	// SeedIfAbsent 计数器缺失时播种到 seed（SetNX），已存在则不动
	SeedIfAbsent(ctx context.Context, channelID string, seed int64) error
}

type sequencer struct {
	rdb    *redis.Client
	logger clog.Logger
}

var _ Sequencer = (*sequencer)(nil)

// NewSequencer 创建序号发生器
func NewSequencer(rdb *redis.Client, opts ...Option) (Sequencer, error) {
	if rdb == nil {
		return nil, xerrors.New("redis client cannot be nil")
	}
	o := applyOptions(opts)
	return &sequencer{rdb: rdb, logger: o.logger.WithNamespace("sequencer")}, nil
}

func (s *sequencer) Next(ctx context.Context, channelID string) (int64, error) {
	if channelID == "" {
		return 0, xerrors.New("channel id cannot be empty")
	}
	seq, err := s.rdb.Incr(ctx, seqKey(channelID)).Result()
	if err != nil {
		return 0, xerrors.Wrapf(err, "next seq for channel %s", channelID)
	}
	return seq, nil
}

func (s *sequencer) Current(ctx context.Context, channelID string) (int64, error) {
	val, err := s.rdb.Get(ctx, seqKey(channelID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrapf(err, "current seq for channel %s", channelID)
	}
	return val, nil
}

func (s *sequencer) SeedIfAbsent(ctx context.Context, channelID string, seed int64) error {
	seeded, err := s.rdb.SetNX(ctx, seqKey(channelID), seed, 0).Result()
	if err != nil {
		return xerrors.Wrapf(err, "seed seq for channel %s", channelID)
	}
	if seeded {
		s.logger.InfoContext(ctx, "sequence counter seeded",
			clog.String("channel_id", channelID),
			clog.Int64("seq", seed))
	}
	return nil
}
