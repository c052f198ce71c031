package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ceyewan/courier/worker/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
)

// Config Worker 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		HTTPPort int    `mapstructure:"http_port"` // HTTP 服务端口
	} `mapstructure:"service"`

	// 基础组件配置
	Log      clog.Config                `mapstructure:"log"`      // 日志配置
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"` // PostgreSQL 配置
	Redis    connector.RedisConfig      `mapstructure:"redis"`    // Redis 配置
	NATS     connector.NATSConfig       `mapstructure:"nats"`     // NATS 配置

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`

	// WorkerID 配置
	WorkerID WorkerIDConfig `mapstructure:"worker_id"`

	// 消费者配置
	Consumer ConsumerConfig `mapstructure:"consumer"`
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

// ConsumerConfig 上行消费者配置
type ConsumerConfig struct {
	MaxRetries int `mapstructure:"max_retries"` // 信封最大重试次数
}

// GetMaxRetries 获取最大重试次数，默认 3
func (c *ConsumerConfig) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

// GetServiceName 获取服务名称
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "worker"
}

// GetHTTPPort 获取 HTTP 端口
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536 {
		return c.Service.HTTPPort
	}
	return 8081
}

// GetHTTPAddr 获取 HTTP 绑定地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.GetHTTPPort())
}

// Load 创建并加载 Worker 配置（无参数）
// 配置加载顺序：环境变量 > .env > worker.{env}.yaml > worker.yaml
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "worker",
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

// MustLoad 创建并加载配置，出错时 panic
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "***"
	}
	if sanitized.Postgres.Password != "" {
		sanitized.Postgres.Password = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Worker Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
