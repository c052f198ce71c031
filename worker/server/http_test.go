package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMessages 返回预置结果的消息服务桩
type stubMessages struct {
	result *model.ProcessResult
}

func (s *stubMessages) ProcessUpstream(context.Context, *model.UpstreamMessage) (*model.ProcessResult, error) {
	return s.result, nil
}

func (s *stubMessages) CreateAndPersist(context.Context, *model.UpstreamMessage, []*model.Attachment) (*model.ProcessResult, error) {
	return s.result, nil
}

func (s *stubMessages) ForwardEphemeral(context.Context, *model.UpstreamMessage) error {
	return nil
}

func newTestRouter(result *model.ProcessResult) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(&stubMessages{result: result}, nil, nil, nil, clog.Discard())
	router := gin.New()
	h.RegisterRoutes(router)
	return router
}

func postMessage(t *testing.T, router *gin.Engine, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandler_SendMessage(t *testing.T) {
	body := `{"client_msg_id":"c-1","sender_id":"alice","target_type":"channel","target_id":"chan-1","payload":{"text":"hi"}}`

	t.Run("首次写入返回 persisted 并携带时间戳", func(t *testing.T) {
		router := newTestRouter(&model.ProcessResult{
			Status:    model.ProcessStatusOK,
			MsgID:     12345,
			SeqID:     7,
			Timestamp: 1700000000000,
		})

		rec, resp := postMessage(t, router, body)
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "persisted", resp["status"])
		assert.Equal(t, "12345", resp["msg_id"])
		assert.Equal(t, "7", resp["seq_id"])
		assert.Equal(t, "c-1", resp["client_msg_id"])
		assert.Equal(t, float64(1700000000000), resp["timestamp"])
	})

	t.Run("重放返回 duplicate 且字段一致", func(t *testing.T) {
		router := newTestRouter(&model.ProcessResult{
			Status:    model.ProcessStatusDuplicate,
			MsgID:     12345,
			SeqID:     7,
			Timestamp: 1700000000000,
		})

		rec, resp := postMessage(t, router, body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "duplicate", resp["status"])
		assert.Equal(t, "12345", resp["msg_id"])
		assert.Equal(t, "7", resp["seq_id"])
		assert.Equal(t, "c-1", resp["client_msg_id"])
	})

	t.Run("未带 client_msg_id 时响应不回显该字段", func(t *testing.T) {
		router := newTestRouter(&model.ProcessResult{
			Status: model.ProcessStatusOK,
			MsgID:  1,
			SeqID:  1,
		})

		noClientID := `{"sender_id":"alice","target_type":"channel","target_id":"chan-1","payload":{"text":"hi"}}`
		rec, resp := postMessage(t, router, noClientID)
		assert.Equal(t, http.StatusCreated, rec.Code)
		_, present := resp["client_msg_id"]
		assert.False(t, present)
	})

	t.Run("管线拒绝返回 422", func(t *testing.T) {
		router := newTestRouter(&model.ProcessResult{
			Status: model.ProcessStatusError,
			Error:  "channel not found",
		})

		rec, resp := postMessage(t, router, body)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "channel not found", resp["error"])
	})
}
