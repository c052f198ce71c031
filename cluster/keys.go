package cluster

import "time"

// Redis 键空间约定，全部以 courier: 前缀隔离
//
// | 键                               | 类型   | 含义                               | TTL  |
// |----------------------------------|--------|------------------------------------|------|
// | courier:node:{nodeId}            | hash   | 节点元数据（地址、启动时间等）     | 30s  |
// | courier:nodes                    | set    | 活跃节点 ID 集合                   | 无   |
// | courier:node_connections         | zset   | member=nodeId score=连接数         | 无   |
// | courier:user_route:{userId}      | hash   | 用户会话路由（网关、socket 等）    | 300s |
// | courier:heartbeat_check          | zset   | member=userId score=最后心跳毫秒   | 无   |
// | courier:seq:{channelId}          | string | 频道序号计数器                     | 无   |

const (
	keyPrefix = "courier:"

	// NodeTTL 节点注册键的存活时间，心跳续期失败则自然过期
	NodeTTL = 30 * time.Second
	// SessionTTL 用户路由键的存活时间，心跳续期
	SessionTTL = 300 * time.Second
)

func nodeKey(nodeID string) string {
	return keyPrefix + "node:" + nodeID
}

func nodesSetKey() string {
	return keyPrefix + "nodes"
}

func nodeConnectionsKey() string {
	return keyPrefix + "node_connections"
}

func userRouteKey(userID string) string {
	return keyPrefix + "user_route:" + userID
}

func heartbeatCheckKey() string {
	return keyPrefix + "heartbeat_check"
}

func seqKey(channelID string) string {
	return keyPrefix + "seq:" + channelID
}
