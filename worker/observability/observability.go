// Package observability 提供 Worker 服务的可观测性支持
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
	ServiceName = "courier-worker"

	// TracerName Tracer 名称
	TracerName = "worker-service"
)

var (
	// 全局组件
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// 业务指标 - 消息管线
	messagesProcessedTotal metrics.Counter
	messagesDuplicateTotal metrics.Counter
	messagesFailedTotal    metrics.Counter
	processDuration        metrics.Histogram

	// 业务指标 - 路由扇出
	routeFanoutTotal        metrics.Counter
	routePublishFailedTotal metrics.Counter

	// 业务指标 - Outbox 补发
	outboxRelayedTotal metrics.Counter
	outboxFailedTotal  metrics.Counter

	// 业务指标 - 消费者
	consumerRetriesTotal metrics.Counter
	deadLetterTotal      metrics.Counter
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

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))),
	}
	tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))

	tp := sdktrace.NewTracerProvider(tpOpts...)
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
		metricsCfg.Port = 9093
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}

	return metrics.New(metricsCfg)
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	messagesProcessedTotal, _ = meter.Counter(
		"worker_messages_processed_total",
		"Total number of upstream messages processed",
	)

	messagesDuplicateTotal, _ = meter.Counter(
		"worker_messages_duplicate_total",
		"Total number of upstream messages short-circuited by dedup",
	)

	messagesFailedTotal, _ = meter.Counter(
		"worker_messages_failed_total",
		"Total number of upstream messages that failed processing",
	)

	processDuration, _ = meter.Histogram(
		"worker_message_process_duration_seconds",
		"Upstream message pipeline latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}),
	)

	routeFanoutTotal, _ = meter.Counter(
		"worker_route_fanout_total",
		"Total number of downstream deliveries published per gateway",
	)

	routePublishFailedTotal, _ = meter.Counter(
		"worker_route_publish_failed_total",
		"Total number of failed downstream publishes",
	)

	outboxRelayedTotal, _ = meter.Counter(
		"worker_outbox_relayed_total",
		"Total number of outbox events relayed to the broker",
	)

	outboxFailedTotal, _ = meter.Counter(
		"worker_outbox_failed_total",
		"Total number of outbox events that exhausted retries",
	)

	consumerRetriesTotal, _ = meter.Counter(
		"worker_consumer_retries_total",
		"Total number of consumer-level retries",
	)

	deadLetterTotal, _ = meter.Counter(
		"worker_dead_letter_total",
		"Total number of envelopes routed to the dead letter topic",
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

// RecordMessageProcessed 记录处理完成的上行消息
func RecordMessageProcessed(ctx context.Context) {
	if messagesProcessedTotal != nil {
		messagesProcessedTotal.Inc(ctx)
	}
}

// RecordMessageDuplicate 记录被去重短路的上行消息
func RecordMessageDuplicate(ctx context.Context) {
	if messagesDuplicateTotal != nil {
		messagesDuplicateTotal.Inc(ctx)
	}
}

// RecordMessageFailed 记录处理失败的上行消息
func RecordMessageFailed(ctx context.Context) {
	if messagesFailedTotal != nil {
		messagesFailedTotal.Inc(ctx)
	}
}

// RecordProcessDuration 记录消息管线耗时
func RecordProcessDuration(ctx context.Context, seconds float64) {
	if processDuration != nil {
		processDuration.Record(ctx, seconds)
	}
}

// RecordRouteFanout 记录一次按网关的下行发布
func RecordRouteFanout(ctx context.Context) {
	if routeFanoutTotal != nil {
		routeFanoutTotal.Inc(ctx)
	}
}

// RecordRoutePublishFailed 记录一次失败的下行发布
func RecordRoutePublishFailed(ctx context.Context) {
	if routePublishFailedTotal != nil {
		routePublishFailedTotal.Inc(ctx)
	}
}

// RecordOutboxRelayed 记录一次 outbox 补发成功
func RecordOutboxRelayed(ctx context.Context) {
	if outboxRelayedTotal != nil {
		outboxRelayedTotal.Inc(ctx)
	}
}

// RecordOutboxFailed 记录一条重试耗尽的 outbox 事件
func RecordOutboxFailed(ctx context.Context) {
	if outboxFailedTotal != nil {
		outboxFailedTotal.Inc(ctx)
	}
}

// RecordConsumerRetry 记录一次消费重试
func RecordConsumerRetry(ctx context.Context) {
	if consumerRetriesTotal != nil {
		consumerRetriesTotal.Inc(ctx)
	}
}

// RecordDeadLetter 记录一条进入死信主题的信封
func RecordDeadLetter(ctx context.Context) {
	if deadLetterTotal != nil {
		deadLetterTotal.Inc(ctx)
	}
}
