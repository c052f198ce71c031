package cluster

import "github.com/ceyewan/genesis/clog"

// Option 配置选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		// 未提供 logger 时静默输出，避免 nil 指针
		o.logger = clog.Discard()
	}
	return o
}
