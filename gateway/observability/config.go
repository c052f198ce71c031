package observability

// Config 可观测性配置
type Config struct {
	Trace   TraceConfig   `mapstructure:"trace"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// TraceConfig Trace 配置
type TraceConfig struct {
	Disable  bool    `mapstructure:"disable"`  // 禁用上报（仍生成 TraceID）
	Endpoint string  `mapstructure:"endpoint"` // OTLP gRPC 端点
	Insecure bool    `mapstructure:"insecure"` // 是否跳过 TLS
	Sampler  float64 `mapstructure:"sampler"`  // 采样率 (0, 1]
}

// MetricsConfig Metrics 配置
type MetricsConfig struct {
	Port          int    `mapstructure:"port"`           // Prometheus 暴露端口
	Path          string `mapstructure:"path"`           // 指标路径
	EnableRuntime bool   `mapstructure:"enable_runtime"` // 是否采集 Go runtime 指标
}
