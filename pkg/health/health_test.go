package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func get(t *testing.T, handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestProbe(t *testing.T) {
	t.Run("存活探针始终返回 200", func(t *testing.T) {
		probe := NewProbe()
		rec := get(t, probe.LivenessHandler(), "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("未就绪时返回 503", func(t *testing.T) {
		probe := NewProbe()
		rec := get(t, probe.ReadinessHandler(), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("就绪后返回 200", func(t *testing.T) {
		probe := NewProbe()
		probe.SetReady(true)
		rec := get(t, probe.ReadinessHandler(), "/ready")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("关闭标记覆盖就绪标记", func(t *testing.T) {
		probe := NewProbe()
		probe.SetReady(true)
		probe.SetShutdown(true)
		rec := get(t, probe.ReadinessHandler(), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("依赖检查失败时就绪探针报 503 并列出失败项", func(t *testing.T) {
		probe := NewProbe()
		probe.SetReady(true)
		probe.RegisterCheck("redis", func(context.Context) error {
			return errors.New("connection refused")
		})
		probe.RegisterCheck("nats", func(context.Context) error { return nil })

		rec := get(t, probe.ReadinessHandler(), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "redis")
		assert.Contains(t, rec.Body.String(), "connection refused")
		assert.NotContains(t, rec.Body.String(), "nats")
	})
}
