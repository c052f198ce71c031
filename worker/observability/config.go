package observability

// Config 流水线进程的可观测性配置
type Config struct {
	Trace   TraceConfig   `mapstructure:"trace"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// TraceConfig Trace 上报配置
type TraceConfig struct {
	Disable  bool    `mapstructure:"disable"`  // 禁用导出（TraceID 仍会生成并透传）
	Endpoint string  `mapstructure:"endpoint"` // OTLP gRPC 端点
	Insecure bool    `mapstructure:"insecure"` // 是否跳过 TLS
	Sampler  float64 `mapstructure:"sampler"`  // 采样率 (0, 1]
}

// MetricsConfig Metrics 暴露配置
type MetricsConfig struct {
	Port          int    `mapstructure:"port"`           // Prometheus 端口
	Path          string `mapstructure:"path"`           // 指标路径
	EnableRuntime bool   `mapstructure:"enable_runtime"` // 是否采集 Go runtime 指标
}
