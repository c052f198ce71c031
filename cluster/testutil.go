package cluster

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	globalLogger  clog.Logger
	globalLogOnce sync.Once

	globalRedisConn connector.RedisConnector

	redisContainer testcontainers.Container
	redisOnce      sync.Once
	redisStartErr  error
)

func getTestLogger(t *testing.T) clog.Logger {
	globalLogOnce.Do(func() {
		globalLogger = clog.Discard()
	})

	if globalLogger == nil {
		t.Fatalf("测试日志初始化失败")
	}
	return globalLogger
}

func startRedisContainer() (string, int, error) {
	redisOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				redisStartErr = fmt.Errorf("启动 Redis Testcontainer panic: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		req := testcontainers.ContainerRequest{
			Image:        "redis:7.2-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			redisStartErr = fmt.Errorf("启动 Redis Testcontainer 失败: %w", err)
			return
		}
		redisContainer = container
	})
	if redisStartErr != nil {
		return "", 0, redisStartErr
	}

	ctx := context.Background()
	host, err := redisContainer.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("获取 Redis 容器 host 失败: %w", err)
	}
	mappedPort, err := redisContainer.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return "", 0, fmt.Errorf("获取 Redis 映射端口失败: %w", err)
	}
	port, err := strconv.Atoi(mappedPort.Port())
	if err != nil {
		return "", 0, fmt.Errorf("解析 Redis 端口失败: %w", err)
	}

	return host, port, nil
}

func connectWithRetry(fn func() error, maxAttempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(interval)
	}
	return lastErr
}

func setupTestRedis(t *testing.T) connector.RedisConnector {
	if globalRedisConn != nil {
		return globalRedisConn
	}

	host, port, err := startRedisContainer()
	if err != nil {
		t.Skipf("跳过测试：%v", err)
		return nil
	}
	logger := getTestLogger(t)

	redisConfig := &connector.RedisConfig{
		Name:         "test-redis",
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Password:     "",
		DB:           1,
		PoolSize:     20,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	globalRedisConn, err = connector.NewRedis(redisConfig, connector.WithLogger(logger))
	if err != nil {
		t.Fatalf("创建 Redis 连接器失败: %v", err)
	}

	if err := connectWithRetry(func() error {
		return globalRedisConn.Connect(context.Background())
	}, 20, 500*time.Millisecond); err != nil {
		t.Fatalf("连接 Redis 失败: %v", err)
	}

	return globalRedisConn
}

func getTestRedis(t *testing.T) connector.RedisConnector {
	conn := setupTestRedis(t)
	if conn == nil {
		t.Fatalf("Redis 连接初始化失败")
	}
	return conn
}

func cleanupRedisData(t *testing.T, redisConn connector.RedisConnector) {
	if redisConn == nil {
		return
	}

	ctx := context.Background()
	client := redisConn.GetClient()
	keys, err := client.Keys(ctx, "courier:*").Result()
	if err != nil {
		t.Logf("警告：获取 Redis key 列表失败: %v", err)
		return
	}

	if len(keys) > 0 {
		if err := client.Del(ctx, keys...).Err(); err != nil {
			t.Logf("警告：清理 Redis 数据失败: %v", err)
		}
	}
}

func TestMain(m *testing.M) {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if globalRedisConn != nil {
		_ = globalRedisConn.Close()
		globalRedisConn = nil
	}
	if redisContainer != nil {
		_ = redisContainer.Terminate(ctx)
		redisContainer = nil
	}

	os.Exit(code)
}
