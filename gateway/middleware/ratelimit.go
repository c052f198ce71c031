package middleware

import (
	"fmt"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimit 限流中间件配置
type RateLimit struct {
	limiter ratelimit.Limiter
	logger  clog.Logger
}

// NewRateLimit 创建限流配置
func NewRateLimit(limiter ratelimit.Limiter, logger clog.Logger) *RateLimit {
	return &RateLimit{
		limiter: limiter,
		logger:  logger,
	}
}

// IPBased 基于 IP 与路径的限流中间件，适用于 WebSocket 升级等公开入口
func (r *RateLimit) IPBased(limit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("ip:%s:path:%s", c.ClientIP(), c.FullPath())

		allowed, err := r.limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			r.logger.Error("ratelimit check failed", clog.Error(err))
			// 降级：限流器出错时放行
			c.Next()
			return
		}

		if !allowed {
			r.logger.Warn("rate limit exceeded (IP-based)",
				clog.String("client_ip", c.ClientIP()),
				clog.String("path", c.FullPath()),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// GlobalIP 全局 IP 限流中间件，所有请求共享一个限流池
func (r *RateLimit) GlobalIP(limit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("global_ip:%s", c.ClientIP())

		allowed, err := r.limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			r.logger.Error("global ratelimit check failed", clog.Error(err))
			c.Next()
			return
		}

		if !allowed {
			r.logger.Warn("global rate limit exceeded",
				clog.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// 预定义的限流规则
var (
	// UpgradeLimit WebSocket 升级入口：连接建立是低频操作
	UpgradeLimit = ratelimit.Limit{Rate: 10, Burst: 20}
	// GlobalLimit 全局兜底
	GlobalLimit = ratelimit.Limit{Rate: 1000, Burst: 2000}
)
