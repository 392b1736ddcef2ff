package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pair-send-go/internal/middleware"
	"pair-send-go/internal/service"
)

// SessionHandler 负责处理会话配对相关的 API 请求。
type SessionHandler struct {
	sessionService service.SessionService
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// Create 处理创建会话的请求，返回会话与当前连接码。
func (h *SessionHandler) Create(c *gin.Context) {
	session, err := h.sessionService.Create(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, session)
}

// JoinRequest 定义了按连接码加入会话的请求体结构。
type JoinRequest struct {
	Code string `json:"code" binding:"required,len=8"`
}

// Join 处理访客按连接码申请加入的请求。
func (h *SessionHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	session, err := h.sessionService.JoinByCode(c.Request.Context(), req.Code, middleware.UserID(c), middleware.DisplayName(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, session)
}

// Approve 处理创建者批准待审批访客的请求。
func (h *SessionHandler) Approve(c *gin.Context) {
	session, err := h.sessionService.Approve(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, session)
}

// Reject 处理创建者拒绝待审批访客的请求。
func (h *SessionHandler) Reject(c *gin.Context) {
	session, err := h.sessionService.Reject(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, session)
}

// CloseRequest 定义了关闭会话的请求体结构。reason 可选。
type CloseRequest struct {
	Reason string `json:"reason"`
}

// Close 处理任一参与者关闭会话的请求。
func (h *SessionHandler) Close(c *gin.Context) {
	var req CloseRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.sessionService.Close(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.Reason); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

// Get 返回会话详情，仅限会话成员查看。
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessionService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.sessionService.ValidateMembership(session, middleware.UserID(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c, session)
}
