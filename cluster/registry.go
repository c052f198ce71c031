package cluster

import (
	"context"
	"strconv"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/redis/go-redis/v9"
)

// NodeRegistry 集群节点注册表，维护活跃网关节点的元数据与负载视图
type NodeRegistry interface {
	// RegisterNode 注册节点并写入初始负载，幂等
	RegisterNode(ctx context.Context, info *model.NodeInfo) error
	// Heartbeat 续期节点 TTL 并刷新连接数，节点缺失时重新注册
	Heartbeat(ctx context.Context, info *model.NodeInfo) error
	// UnregisterNode 摘除节点的注册键、集合成员与负载条目
	UnregisterNode(ctx context.Context, nodeID string) error
	// GetNode 读取单个节点元数据，不存在返回 nil
	GetNode(ctx context.Context, nodeID string) (*model.NodeInfo, error)
	// GetActiveNodes 返回注册键仍存活的节点集合，顺带清理已过期成员
	GetActiveNodes(ctx context.Context) ([]string, error)
	// GetLeastLoadedNode 返回当前连接数最少的活跃节点
	GetLeastLoadedNode(ctx context.Context) (string, error)
	// IncrConnCount 原子调整节点负载计数，delta 可为负
	IncrConnCount(ctx context.Context, nodeID string, delta int64) error
}

type nodeRegistry struct {
	rdb    *redis.Client
	logger clog.Logger
}

var _ NodeRegistry = (*nodeRegistry)(nil)

// NewNodeRegistry 创建节点注册表
func NewNodeRegistry(rdb *redis.Client, opts ...Option) (NodeRegistry, error) {
	if rdb == nil {
		return nil, xerrors.New("redis client cannot be nil")
	}
	o := applyOptions(opts)
	return &nodeRegistry{rdb: rdb, logger: o.logger.WithNamespace("node-registry")}, nil
}

func (r *nodeRegistry) RegisterNode(ctx context.Context, info *model.NodeInfo) error {
	if info == nil || info.NodeID == "" {
		return xerrors.New("node info cannot be empty")
	}
	now := time.Now()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, nodeKey(info.NodeID), map[string]any{
		"node_id":        info.NodeID,
		"address":        info.Address,
		"start_time":     info.StartTime,
		"last_heartbeat": now.UnixMilli(),
		"conn_count":     info.ConnCount,
	})
	pipe.Expire(ctx, nodeKey(info.NodeID), NodeTTL)
	pipe.SAdd(ctx, nodesSetKey(), info.NodeID)
	pipe.ZAdd(ctx, nodeConnectionsKey(), redis.Z{Score: float64(info.ConnCount), Member: info.NodeID})
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrapf(err, "register node %s", info.NodeID)
	}
	r.logger.InfoContext(ctx, "node registered",
		clog.String("node_id", info.NodeID),
		clog.String("address", info.Address))
	return nil
}

func (r *nodeRegistry) Heartbeat(ctx context.Context, info *model.NodeInfo) error {
	if info == nil || info.NodeID == "" {
		return xerrors.New("node info cannot be empty")
	}
	exists, err := r.rdb.Exists(ctx, nodeKey(info.NodeID)).Result()
	if err != nil {
		return xerrors.Wrapf(err, "heartbeat node %s", info.NodeID)
	}
	if exists == 0 {
		// 注册键过期（例如 Redis 抖动），心跳兼作重新注册
		r.logger.WarnContext(ctx, "node key missing, re-registering", clog.String("node_id", info.NodeID))
		return r.RegisterNode(ctx, info)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, nodeKey(info.NodeID),
		"last_heartbeat", time.Now().UnixMilli(),
		"conn_count", info.ConnCount)
	pipe.Expire(ctx, nodeKey(info.NodeID), NodeTTL)
	pipe.ZAdd(ctx, nodeConnectionsKey(), redis.Z{Score: float64(info.ConnCount), Member: info.NodeID})
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrapf(err, "heartbeat node %s", info.NodeID)
	}
	return nil
}

func (r *nodeRegistry) UnregisterNode(ctx context.Context, nodeID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, nodeKey(nodeID))
	pipe.SRem(ctx, nodesSetKey(), nodeID)
	pipe.ZRem(ctx, nodeConnectionsKey(), nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrapf(err, "unregister node %s", nodeID)
	}
	r.logger.InfoContext(ctx, "node unregistered", clog.String("node_id", nodeID))
	return nil
}

func (r *nodeRegistry) GetNode(ctx context.Context, nodeID string) (*model.NodeInfo, error) {
	vals, err := r.rdb.HGetAll(ctx, nodeKey(nodeID)).Result()
	if err != nil {
		return nil, xerrors.Wrapf(err, "get node %s", nodeID)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return nodeInfoFromHash(vals), nil
}

func (r *nodeRegistry) GetActiveNodes(ctx context.Context) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, nodesSetKey()).Result()
	if err != nil {
		return nil, xerrors.Wrapf(err, "list nodes")
	}
	if len(members) == 0 {
		return nil, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, nodeID := range members {
		cmds[i] = pipe.Exists(ctx, nodeKey(nodeID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, xerrors.Wrapf(err, "check node liveness")
	}
	active := make([]string, 0, len(members))
	var stale []string
	for i, nodeID := range members {
		if cmds[i].Val() > 0 {
			active = append(active, nodeID)
		} else {
			stale = append(stale, nodeID)
		}
	}
	if len(stale) > 0 {
		r.cleanupStale(ctx, stale)
	}
	return active, nil
}

func (r *nodeRegistry) GetLeastLoadedNode(ctx context.Context) (string, error) {
	// 从负载最低处开始探测，跳过注册键已过期的节点
	entries, err := r.rdb.ZRangeWithScores(ctx, nodeConnectionsKey(), 0, 9).Result()
	if err != nil {
		return "", xerrors.Wrapf(err, "query node load")
	}
	var stale []string
	for _, z := range entries {
		nodeID, _ := z.Member.(string)
		exists, err := r.rdb.Exists(ctx, nodeKey(nodeID)).Result()
		if err != nil {
			return "", xerrors.Wrapf(err, "check node liveness")
		}
		if exists > 0 {
			if len(stale) > 0 {
				r.cleanupStale(ctx, stale)
			}
			return nodeID, nil
		}
		stale = append(stale, nodeID)
	}
	if len(stale) > 0 {
		r.cleanupStale(ctx, stale)
	}
	return "", xerrors.New("no active nodes available")
}

func (r *nodeRegistry) IncrConnCount(ctx context.Context, nodeID string, delta int64) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZIncrBy(ctx, nodeConnectionsKey(), float64(delta), nodeID)
	pipe.HIncrBy(ctx, nodeKey(nodeID), "conn_count", delta)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrapf(err, "adjust conn count for node %s", nodeID)
	}
	return nil
}

func (r *nodeRegistry) cleanupStale(ctx context.Context, nodeIDs []string) {
	pipe := r.rdb.TxPipeline()
	for _, nodeID := range nodeIDs {
		pipe.SRem(ctx, nodesSetKey(), nodeID)
		pipe.ZRem(ctx, nodeConnectionsKey(), nodeID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WarnContext(ctx, "failed to cleanup stale nodes", clog.Error(err))
		return
	}
	r.logger.InfoContext(ctx, "stale nodes removed", clog.Int("count", len(nodeIDs)))
}

func nodeInfoFromHash(vals map[string]string) *model.NodeInfo {
	info := &model.NodeInfo{
		NodeID:  vals["node_id"],
		Address: vals["address"],
	}
	if ms, err := strconv.ParseInt(vals["start_time"], 10, 64); err == nil {
		info.StartTime = ms
	}
	if ms, err := strconv.ParseInt(vals["last_heartbeat"], 10, 64); err == nil {
		info.LastHeartbeat = ms
	}
	if n, err := strconv.ParseInt(vals["conn_count"], 10, 64); err == nil {
		info.ConnCount = n
	}
	return info
}
