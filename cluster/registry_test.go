package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeRegistry_RegisterAndGet(t *testing.T) {
	redisConn := getTestRedis(t)
	defer cleanupRedisData(t, redisConn)

	registry, err := NewNodeRegistry(redisConn.GetClient(), WithLogger(getTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("注册节点并读回元数据", func(t *testing.T) {
		info := &model.NodeInfo{
			NodeID:    "gateway-001",
			Address:   "10.0.0.1:8080",
			StartTime: time.Now().UnixMilli(),
			ConnCount: 3,
		}
		require.NoError(t, registry.RegisterNode(ctx, info))

		got, err := registry.GetNode(ctx, "gateway-001")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "gateway-001", got.NodeID)
		assert.Equal(t, "10.0.0.1:8080", got.Address)
		assert.EqualValues(t, 3, got.ConnCount)
	})

	t.Run("不存在的节点返回nil", func(t *testing.T) {
		got, err := registry.GetNode(ctx, "gateway-999")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("注册是幂等的", func(t *testing.T) {
		info := &model.NodeInfo{NodeID: "gateway-002", Address: "10.0.0.2:8080", StartTime: time.Now().UnixMilli()}
		require.NoError(t, registry.RegisterNode(ctx, info))
		require.NoError(t, registry.RegisterNode(ctx, info))

		nodes, err := registry.GetActiveNodes(ctx)
		require.NoError(t, err)
		assert.Contains(t, nodes, "gateway-002")
	})
}

func TestNodeRegistry_LeastLoaded(t *testing.T) {
	redisConn := getTestRedis(t)
	defer cleanupRedisData(t, redisConn)

	registry, err := NewNodeRegistry(redisConn.GetClient(), WithLogger(getTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("返回连接数最少的节点", func(t *testing.T) {
		for _, n := range []struct {
			id    string
			count int64
		}{
			{"gateway-010", 50},
			{"gateway-011", 5},
			{"gateway-012", 20},
		} {
			info := &model.NodeInfo{NodeID: n.id, Address: n.id + ":8080", StartTime: time.Now().UnixMilli(), ConnCount: n.count}
			require.NoError(t, registry.RegisterNode(ctx, info))
		}

		nodeID, err := registry.GetLeastLoadedNode(ctx)
		require.NoError(t, err)
		assert.Equal(t, "gateway-011", nodeID)
	})

	t.Run("负载调整后选择变化", func(t *testing.T) {
		require.NoError(t, registry.IncrConnCount(ctx, "gateway-011", 100))

		nodeID, err := registry.GetLeastLoadedNode(ctx)
		require.NoError(t, err)
		assert.Equal(t, "gateway-012", nodeID)
	})

	t.Run("没有节点时报错", func(t *testing.T) {
		cleanupRedisData(t, redisConn)

		_, err := registry.GetLeastLoadedNode(ctx)
		assert.Error(t, err)
	})
}

func TestNodeRegistry_Unregister(t *testing.T) {
	redisConn := getTestRedis(t)
	defer cleanupRedisData(t, redisConn)

	registry, err := NewNodeRegistry(redisConn.GetClient(), WithLogger(getTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()

	info := &model.NodeInfo{NodeID: "gateway-020", Address: "10.0.0.20:8080", StartTime: time.Now().UnixMilli()}
	require.NoError(t, registry.RegisterNode(ctx, info))

	require.NoError(t, registry.UnregisterNode(ctx, "gateway-020"))

	got, err := registry.GetNode(ctx, "gateway-020")
	require.NoError(t, err)
	assert.Nil(t, got)

	nodes, err := registry.GetActiveNodes(ctx)
	require.NoError(t, err)
	assert.NotContains(t, nodes, "gateway-020")
}

func TestNodeRegistry_Heartbeat(t *testing.T) {
	redisConn := getTestRedis(t)
	defer cleanupRedisData(t, redisConn)

	registry, err := NewNodeRegistry(redisConn.GetClient(), WithLogger(getTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("心跳刷新连接数", func(t *testing.T) {
		info := &model.NodeInfo{NodeID: "gateway-030", Address: "10.0.0.30:8080", StartTime: time.Now().UnixMilli(), ConnCount: 1}
		require.NoError(t, registry.RegisterNode(ctx, info))

		info.ConnCount = 42
		require.NoError(t, registry.Heartbeat(ctx, info))

		got, err := registry.GetNode(ctx, "gateway-030")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.EqualValues(t, 42, got.ConnCount)
	})

	t.Run("注册键丢失时心跳触发重新注册", func(t *testing.T) {
		info := &model.NodeInfo{NodeID: "gateway-031", Address: "10.0.0.31:8080", StartTime: time.Now().UnixMilli()}
		require.NoError(t, registry.RegisterNode(ctx, info))

		// 模拟注册键过期
		require.NoError(t, redisConn.GetClient().Del(ctx, nodeKey("gateway-031")).Err())

		require.NoError(t, registry.Heartbeat(ctx, info))

		got, err := registry.GetNode(ctx, "gateway-031")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "gateway-031", got.NodeID)
	})
}
