package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pair-send-go/internal/service"
	"pair-send-go/internal/ws"
	"pair-send-go/pkg/log"
	"pair-send-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 推送通道对所有来源开放，访问控制由 token 与会话成员校验承担
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler 负责建立面向会话参与者的 WebSocket 推送连接。
type WSHandler struct {
	hub            *ws.Hub
	sessionService service.SessionService
	jwtManager     *token.JWTManager
}

// NewWSHandler 创建一个新的 WSHandler 实例。
func NewWSHandler(hub *ws.Hub, sessionService service.SessionService, jwtManager *token.JWTManager) *WSHandler {
	return &WSHandler{hub: hub, sessionService: sessionService, jwtManager: jwtManager}
}

// Connect 处理 WebSocket 握手请求。
// 浏览器的 WebSocket API 无法携带授权头，token 通过查询参数传递。
func (h *WSHandler) Connect(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少 token"})
		return
	}
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
		return
	}

	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 sessionId"})
		return
	}

	session, err := h.sessionService.Get(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.sessionService.ValidateMembership(session, claims.UserID); err != nil {
		fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("WebSocket 升级失败: %v", err)
		return
	}

	client := h.hub.Register(conn, claims.UserID, sessionID)
	log.Infof("[WS] 连接已建立, sessionID: %s, userID: %s", sessionID, claims.UserID)

	// 阻塞到对端断开，随后注销连接
	client.ReadLoop()
	h.hub.Unregister(client)
	_ = conn.Close()
	log.Infof("[WS] 连接已断开, sessionID: %s, userID: %s", sessionID, claims.UserID)
}
