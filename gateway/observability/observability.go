// Package observability 提供 Gateway 服务的可观测性支持
// 包括 Trace（分布式追踪）和 Metrics（指标收集）
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const (
	// ServiceName 服务名称
	ServiceName = "courier-gateway"

	// TracerName Tracer 名称
	TracerName = "gateway-service"
)

var (
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// 业务指标 - WebSocket 连接
	wsConnectionsActive metrics.Gauge
	wsConnectionsTotal  metrics.Counter

	// 业务指标 - 下行推送
	pushTotal       metrics.Counter
	pushFailedTotal metrics.Counter
	pushDuration    metrics.Histogram
	downstreamTotal metrics.Counter

	// 业务指标 - 会话维护
	sessionHeartbeatTotal metrics.Counter
	zombiesCleanedTotal   metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭
func Shutdown(ctx context.Context) error {
	if shutdown != nil {
		return shutdown(ctx)
	}
	if meter != nil {
		return meter.Shutdown(ctx)
	}
	return nil
}

// initTrace 初始化 Trace
func initTrace(cfg *Config) (func(context.Context) error, error) {
	if cfg.Trace.Disable {
		// 禁用 Trace，只生成 TraceID 不上报
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(ServiceName),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		return tp.Shutdown, nil
	}

	endpoint := cfg.Trace.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	sampler := cfg.Trace.Sampler
	if sampler == 0 {
		sampler = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// initMetrics 初始化 Metrics
func initMetrics(cfg *Config) (metrics.Meter, error) {
	metricsCfg := &metrics.Config{
		ServiceName:   ServiceName,
		Port:          cfg.Metrics.Port,
		Path:          cfg.Metrics.Path,
		EnableRuntime: cfg.Metrics.EnableRuntime,
	}
	if metricsCfg.Port == 0 {
		metricsCfg.Port = 9092
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}

	return metrics.New(metricsCfg)
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	wsConnectionsActive, _ = meter.Gauge(
		"gateway_ws_connections_active",
		"Current number of active websocket connections",
	)

	wsConnectionsTotal, _ = meter.Counter(
		"gateway_ws_connections_total",
		"Total number of accepted websocket connections",
	)

	pushTotal, _ = meter.Counter(
		"gateway_push_total",
		"Total number of payloads pushed to local sockets",
	)

	pushFailedTotal, _ = meter.Counter(
		"gateway_push_failed_total",
		"Total number of failed socket pushes",
	)

	pushDuration, _ = meter.Histogram(
		"gateway_push_duration_seconds",
		"Downstream push latency per socket",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}),
	)

	downstreamTotal, _ = meter.Counter(
		"gateway_downstream_consumed_total",
		"Total number of downstream envelopes consumed from the broker",
	)

	sessionHeartbeatTotal, _ = meter.Counter(
		"gateway_session_heartbeat_total",
		"Total number of client heartbeats applied",
	)

	zombiesCleanedTotal, _ = meter.Counter(
		"gateway_zombie_sessions_cleaned_total",
		"Total number of zombie sessions removed by the sweeper",
	)
}

// ============================================================================
// Trace 辅助函数
// ============================================================================

// StartSpan 开始一个新的 Span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() {
		span.End()
	}
}

// ExtractTraceContext 从 map 中提取 Trace Context
func ExtractTraceContext(ctx context.Context, traceHeaders map[string]string) context.Context {
	if len(traceHeaders) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(traceHeaders))
}

// InjectTraceContext 将当前 Context 的 Trace 信息注入到 map
func InjectTraceContext(ctx context.Context, carrier map[string]string) {
	if carrier == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// NewLogger 创建带有 Trace Context 的 Logger
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}

// ============================================================================
// Metrics 记录函数
// ============================================================================

// RecordConnectionOpened 记录一条新建的 WebSocket 连接
func RecordConnectionOpened(ctx context.Context, active int64) {
	if wsConnectionsTotal != nil {
		wsConnectionsTotal.Inc(ctx)
	}
	if wsConnectionsActive != nil {
		wsConnectionsActive.Set(ctx, float64(active))
	}
}

// RecordConnectionClosed 记录一条关闭的 WebSocket 连接
func RecordConnectionClosed(ctx context.Context, active int64) {
	if wsConnectionsActive != nil {
		wsConnectionsActive.Set(ctx, float64(active))
	}
}

// RecordPush 记录一次本地推送
func RecordPush(ctx context.Context, duration time.Duration) {
	if pushTotal != nil {
		pushTotal.Inc(ctx)
	}
	if pushDuration != nil {
		pushDuration.Record(ctx, duration.Seconds())
	}
}

// RecordPushFailed 记录一次失败的本地推送
func RecordPushFailed(ctx context.Context) {
	if pushFailedTotal != nil {
		pushFailedTotal.Inc(ctx)
	}
}

// RecordDownstreamConsumed 记录一条消费到的下行信封
func RecordDownstreamConsumed(ctx context.Context) {
	if downstreamTotal != nil {
		downstreamTotal.Inc(ctx)
	}
}

// RecordSessionHeartbeat 记录一次客户端心跳
func RecordSessionHeartbeat(ctx context.Context) {
	if sessionHeartbeatTotal != nil {
		sessionHeartbeatTotal.Inc(ctx)
	}
}

// RecordZombieCleaned 记录一次僵尸会话清理
func RecordZombieCleaned(ctx context.Context, count int) {
	if zombiesCleanedTotal != nil {
		for i := 0; i < count; i++ {
			zombiesCleanedTotal.Inc(ctx)
		}
	}
}
