package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ceyewan/courier/gateway/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
)

// Config Gateway 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		Host     string `mapstructure:"host"`      // 服务主机名（环境变量 HOSTNAME）
		HTTPPort int    `mapstructure:"http_port"` // HTTP 服务端口
	} `mapstructure:"service"`

	// 基础组件配置
	Log   clog.Config           `mapstructure:"log"`   // 日志配置
	Redis connector.RedisConfig `mapstructure:"redis"` // Redis 配置
	NATS  connector.NATSConfig  `mapstructure:"nats"`  // NATS 配置

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`

	// 认证配置
	Auth AuthConfig `mapstructure:"auth"`

	// WebSocket 配置
	WS WSConfig `mapstructure:"ws"`

	// WorkerID 配置
	WorkerID WorkerIDConfig `mapstructure:"worker_id"`

	// 心跳与僵尸会话清理配置
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Secret string `mapstructure:"secret"` // JWT 签名密钥
}

// GetSecret 获取签名密钥，未配置时使用开发密钥
func (c *AuthConfig) GetSecret() string {
	if c.Secret != "" {
		return c.Secret
	}
	return "courier-dev-secret"
}

// WSConfig WebSocket 相关配置
type WSConfig struct {
	ReadBufferSize  int `mapstructure:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int `mapstructure:"write_buffer_size"` // 写缓冲区大小
	MaxMessageSize  int `mapstructure:"max_message_size"`  // 最大消息大小
	PingInterval    int `mapstructure:"ping_interval"`     // 心跳间隔（秒）
	PongTimeout     int `mapstructure:"pong_timeout"`      // 心跳超时（秒）
}

// GetReadBufferSize 获取读缓冲区大小，默认 4096
func (c *WSConfig) GetReadBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return 4096
}

// GetWriteBufferSize 获取写缓冲区大小，默认 4096
func (c *WSConfig) GetWriteBufferSize() int {
	if c.WriteBufferSize > 0 {
		return c.WriteBufferSize
	}
	return 4096
}

// GetMaxMessageSize 获取最大消息大小，默认 64KB
func (c *WSConfig) GetMaxMessageSize() int64 {
	if c.MaxMessageSize > 0 {
		return int64(c.MaxMessageSize)
	}
	return 64 * 1024
}

// GetPingInterval 获取心跳间隔，默认 30 秒
func (c *WSConfig) GetPingInterval() time.Duration {
	if c.PingInterval > 0 {
		return time.Duration(c.PingInterval) * time.Second
	}
	return 30 * time.Second
}

// GetPongTimeout 获取心跳超时，默认 60 秒
func (c *WSConfig) GetPongTimeout() time.Duration {
	if c.PongTimeout > 0 {
		return time.Duration(c.PongTimeout) * time.Second
	}
	return 60 * time.Second
}

// WorkerIDConfig WorkerID 分发配置
type WorkerIDConfig struct {
	MaxID int `mapstructure:"max_id"` // 最大 ID 范围 [0, max_id)
}

// GetMaxID 获取最大 ID，默认 1024
func (c *WorkerIDConfig) GetMaxID() int {
	if c.MaxID <= 0 {
		return 1024
	}
	return c.MaxID
}

// HeartbeatConfig 节点心跳与僵尸会话清理配置
type HeartbeatConfig struct {
	NodeInterval  int `mapstructure:"node_interval"`  // 节点心跳上报间隔（秒）
	SweepInterval int `mapstructure:"sweep_interval"` // 僵尸会话扫描间隔（秒）
	ZombieTimeout int `mapstructure:"zombie_timeout"` // 会话心跳超时（秒）
}

// GetNodeInterval 获取节点心跳间隔，默认 10 秒
func (c *HeartbeatConfig) GetNodeInterval() time.Duration {
	if c.NodeInterval > 0 {
		return time.Duration(c.NodeInterval) * time.Second
	}
	return 10 * time.Second
}

// GetSweepInterval 获取僵尸会话扫描间隔，默认 60 秒
func (c *HeartbeatConfig) GetSweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return time.Duration(c.SweepInterval) * time.Second
	}
	return 60 * time.Second
}

// GetZombieTimeout 获取会话心跳超时，默认 180 秒
func (c *HeartbeatConfig) GetZombieTimeout() time.Duration {
	if c.ZombieTimeout > 0 {
		return time.Duration(c.ZombieTimeout) * time.Second
	}
	return 180 * time.Second
}

// GetHost 获取服务主机名，优先使用配置，其次环境变量 HOSTNAME，最后 "localhost"
func (c *Config) GetHost() string {
	if c.Service.Host != "" {
		return c.Service.Host
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	return "localhost"
}

// GetServiceName 获取服务名称
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "gateway"
}

// GetHTTPPort 获取 HTTP 端口
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536 {
		return c.Service.HTTPPort
	}
	return 8080
}

// GetHTTPAddr 获取 HTTP 绑定地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.GetHTTPPort())
}

// GetAdvertiseAddr 获取注册到节点注册表的外部地址
func (c *Config) GetAdvertiseAddr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.GetHTTPPort())
}

// Load 创建并加载 Gateway 配置（无参数）
// 配置加载顺序：环境变量 > .env > gateway.{env}.yaml > gateway.yaml
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "gateway",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "COURIER",
	})
	if err != nil {
		return nil, err
	}

	// 必须先 Load 才能读取配置
	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if os.Getenv("DEBUG_CONFIG") == "true" || os.Getenv("COURIER_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}

	return &cfg, nil
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "***"
	}
	if sanitized.Auth.Secret != "" {
		sanitized.Auth.Secret = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Gateway Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
