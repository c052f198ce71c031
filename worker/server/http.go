// Package server 提供 Worker 的 HTTP 接入层
// 同步写入与历史查询走这里，实时链路走 MQ 消费者
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/courier/pkg/health"
	"github.com/ceyewan/courier/repo"
	"github.com/ceyewan/courier/worker/service"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
)

// HTTPServer HTTP 服务包装器
type HTTPServer struct {
	addr    string
	logger  clog.Logger
	handler *Handler
	probe   *health.Probe
	server  *http.Server
}

// NewHTTPServer 创建 HTTP 服务
func NewHTTPServer(addr string, logger clog.Logger, h *Handler, probe *health.Probe) *HTTPServer {
	return &HTTPServer{
		addr:    addr,
		logger:  logger,
		handler: h,
		probe:   probe,
	}
}

// Start 启动 HTTP 服务
func (s *HTTPServer) Start() error {
	router := gin.New()
	router.Use(gin.Recovery())

	s.handler.RegisterRoutes(router)

	router.GET("/health", gin.WrapF(s.probe.LivenessHandler()))
	router.GET("/ready", gin.WrapF(s.probe.ReadinessHandler()))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	s.logger.Info("http server started", clog.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler 聚合 Worker 的 HTTP 接口
type Handler struct {
	messages    service.MessageService
	messageRepo repo.MessageRepo
	channelRepo repo.ChannelRepo
	dedup       repo.DedupStore
	logger      clog.Logger
}

// NewHandler 创建 HTTP Handler
func NewHandler(
	messages service.MessageService,
	messageRepo repo.MessageRepo,
	channelRepo repo.ChannelRepo,
	dedup repo.DedupStore,
	logger clog.Logger,
) *Handler {
	return &Handler{
		messages:    messages,
		messageRepo: messageRepo,
		channelRepo: channelRepo,
		dedup:       dedup,
		logger:      logger,
	}
}

// RegisterRoutes 注册 API 路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	{
		v1.POST("/messages", h.sendMessage)
		v1.POST("/channels", h.createChannel)
		v1.GET("/channels/:channel_id/messages", h.getHistory)
		v1.GET("/channels/:channel_id/recent", h.getRecent)
		v1.GET("/channels/:channel_id/unread", h.getUnread)
		v1.POST("/channels/:channel_id/read", h.updateReadPosition)
	}
}

// sendMessageRequest 同步发送请求体
type sendMessageRequest struct {
	ClientMsgID string          `json:"client_msg_id"`
	SenderID    string          `json:"sender_id" binding:"required"`
	TargetType  string          `json:"target_type" binding:"required"`
	TargetID    string          `json:"target_id" binding:"required"`
	Type        string          `json:"type"`
	ParentID    string          `json:"parent_id"`
	Payload     json.RawMessage `json:"payload"`
	Attachments []struct {
		Name     string `json:"name"`
		URL      string `json:"url"`
		Size     int64  `json:"size"`
		MimeType string `json:"mime_type"`
	} `json:"attachments"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgType := req.Type
	if msgType == "" {
		msgType = model.MsgTypeText
	}

	var parentID int64
	if req.ParentID != "" {
		id, err := strconv.ParseInt(req.ParentID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parent_id"})
			return
		}
		parentID = id
	}

	msg := &model.UpstreamMessage{
		ClientMsgID: req.ClientMsgID,
		SenderID:    req.SenderID,
		TargetType:  req.TargetType,
		TargetID:    req.TargetID,
		Type:        msgType,
		ParentID:    parentID,
		Payload:     req.Payload,
	}

	attachments := make([]*model.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, &model.Attachment{
			Name:     a.Name,
			URL:      a.URL,
			Size:     a.Size,
			MimeType: a.MimeType,
		})
	}

	result, err := h.messages.CreateAndPersist(c.Request.Context(), msg, attachments)
	if err != nil {
		h.logger.Error("send message failed", clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	switch result.Status {
	case model.ProcessStatusError:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": result.Error})
	case model.ProcessStatusDuplicate:
		c.JSON(http.StatusOK, messageResponse("duplicate", req.ClientMsgID, result))
	default:
		c.JSON(http.StatusCreated, messageResponse("persisted", req.ClientMsgID, result))
	}
}

// messageResponse 同步发送的响应体，回显 client_msg_id 并携带服务端时间戳
func messageResponse(status, clientMsgID string, result *model.ProcessResult) gin.H {
	resp := gin.H{
		"status":    status,
		"msg_id":    strconv.FormatInt(result.MsgID, 10),
		"seq_id":    strconv.FormatInt(result.SeqID, 10),
		"timestamp": result.Timestamp,
	}
	if clientMsgID != "" {
		resp["client_msg_id"] = clientMsgID
	}
	return resp
}

// createChannelRequest 建频道请求体
type createChannelRequest struct {
	ChannelID string   `json:"channel_id" binding:"required"`
	Type      string   `json:"type" binding:"required,oneof=direct group"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
}

func (h *Handler) createChannel(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	channel := &model.Channel{
		ChannelID: req.ChannelID,
		Type:      req.Type,
		Name:      req.Name,
	}
	if err := h.channelRepo.CreateChannel(ctx, channel); err != nil {
		h.logger.Error("create channel failed",
			clog.String("channel_id", req.ChannelID),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	for _, uid := range req.Members {
		if err := h.channelRepo.AddMember(ctx, &model.ChannelMember{
			ChannelID: req.ChannelID,
			UserID:    uid,
			Role:      model.RoleMember,
		}); err != nil {
			h.logger.Error("add channel member failed",
				clog.String("channel_id", req.ChannelID),
				clog.String("user_id", uid),
				clog.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"channel_id": req.ChannelID})
}

func (h *Handler) getHistory(c *gin.Context) {
	channelID := c.Param("channel_id")
	beforeSeq, _ := strconv.ParseInt(c.DefaultQuery("before_seq", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	messages, err := h.messageRepo.GetHistoryMessages(c.Request.Context(), channelID, beforeSeq, limit)
	if err != nil {
		h.logger.Error("get history failed",
			clog.String("channel_id", channelID),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": renderMessages(messages)})
}

func (h *Handler) getRecent(c *gin.Context) {
	channelID := c.Param("channel_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	payloads, err := h.dedup.GetRecent(c.Request.Context(), channelID, limit)
	if err != nil {
		h.logger.Error("get recent failed",
			clog.String("channel_id", channelID),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// 缓存里已是客户端视图的 JSON，原样透传
	messages := make([]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		messages = append(messages, json.RawMessage(p))
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) getUnread(c *gin.Context) {
	channelID := c.Param("channel_id")
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	count, err := h.channelRepo.GetUnreadCount(c.Request.Context(), channelID, userID)
	if err != nil {
		h.logger.Error("get unread failed",
			clog.String("channel_id", channelID),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "user_id": userID, "unread": count})
}

// updateReadPositionRequest 已读位点推进请求体
type updateReadPositionRequest struct {
	UserID string `json:"user_id" binding:"required"`
	SeqID  string `json:"seq_id" binding:"required"`
}

func (h *Handler) updateReadPosition(c *gin.Context) {
	channelID := c.Param("channel_id")

	var req updateReadPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seqID, err := strconv.ParseInt(req.SeqID, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid seq_id"})
		return
	}

	ctx := c.Request.Context()
	if err := h.channelRepo.UpdateLastReadSeq(ctx, channelID, req.UserID, seqID); err != nil {
		h.logger.Error("update read position failed",
			clog.String("channel_id", channelID),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if err := h.channelRepo.ResetUnread(ctx, channelID, req.UserID); err != nil {
		h.logger.Error("reset unread failed",
			clog.String("channel_id", channelID),
			clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "unread": 0})
}

// renderMessage 消息的 HTTP 视图，int64 主键在边界上转字符串
type renderedMessage struct {
	MsgID     string `json:"msg_id"`
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"sender_id"`
	SeqID     string `json:"seq_id"`
	Content   string `json:"content"`
	MsgType   string `json:"msg_type"`
	ParentID  string `json:"parent_id,omitempty"`
	RootID    string `json:"root_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func renderMessages(messages []*model.Message) []renderedMessage {
	out := make([]renderedMessage, 0, len(messages))
	for _, m := range messages {
		r := renderedMessage{
			MsgID:     strconv.FormatInt(m.MsgID, 10),
			ChannelID: m.ChannelID,
			SenderID:  m.SenderID,
			SeqID:     strconv.FormatInt(m.SeqID, 10),
			Content:   m.Content,
			MsgType:   m.MsgType,
			CreatedAt: m.CreatedAt.UnixMilli(),
		}
		if m.ParentID != nil {
			r.ParentID = strconv.FormatInt(*m.ParentID, 10)
		}
		if m.RootID != nil {
			r.RootID = strconv.FormatInt(*m.RootID, 10)
		}
		out = append(out, r)
	}
	return out
}
