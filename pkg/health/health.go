// Package health 提供就绪与存活探针，可挂载到任意 HTTP 路由。
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout 单个依赖检查的超时上限
const checkTimeout = 2 * time.Second

// Check 依赖健康检查函数，返回非 nil 表示该依赖不可用
type Check func(ctx context.Context) error

// Probe 维护健康检查状态
// liveness 只反映进程存活；readiness 叠加就绪标记、关闭标记与各依赖检查
type Probe struct {
	ready    atomic.Bool
	shutdown atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

// NewProbe 创建健康探针状态
func NewProbe() *Probe {
	return &Probe{checks: make(map[string]Check)}
}

// SetReady 设置服务就绪状态
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// SetShutdown 设置服务关闭状态
func (p *Probe) SetShutdown(shutdown bool) {
	p.shutdown.Store(shutdown)
}

// RegisterCheck 注册一个命名的依赖检查，参与就绪判定
func (p *Probe) RegisterCheck(name string, check Check) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = check
}

// LivenessHandler 返回 liveness handler（/health）
func (p *Probe) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	}
}

// ReadinessHandler 返回 readiness handler（/ready）
func (p *Probe) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !p.ready.Load() || p.shutdown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}

		if failed := p.runChecks(r.Context()); len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"failed": failed,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

// runChecks 执行所有依赖检查，返回失败的依赖名与原因
func (p *Probe) runChecks(ctx context.Context) map[string]string {
	p.mu.RLock()
	checks := make(map[string]Check, len(p.checks))
	for name, check := range p.checks {
		checks[name] = check
	}
	p.mu.RUnlock()

	var failed map[string]string
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[name] = err.Error()
		}
	}
	return failed
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
