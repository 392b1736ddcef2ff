package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pair-send-go/internal/middleware"
	"pair-send-go/internal/service"
)

// DownloadHandler 负责处理文件清单与下载授权相关的 API 请求。
type DownloadHandler struct {
	downloadService service.DownloadService
}

// NewDownloadHandler 创建一个新的 DownloadHandler 实例。
func NewDownloadHandler(downloadService service.DownloadService) *DownloadHandler {
	return &DownloadHandler{downloadService: downloadService}
}

// ListFiles 返回会话内的文件清单。
func (h *DownloadHandler) ListFiles(c *gin.Context) {
	files, err := h.downloadService.ListFiles(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, files)
}

// IssueToken 为单个已完成文件签发一次性下载令牌。
func (h *DownloadHandler) IssueToken(c *gin.Context) {
	ticket, err := h.downloadService.IssueToken(c.Request.Context(),
		c.Param("id"), c.Param("fileId"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, ticket)
}

// Redeem 兑换一次性下载令牌。令牌本身即凭证，该接口不要求授权头。
func (h *DownloadHandler) Redeem(c *gin.Context) {
	tok := c.Query("token")
	if tok == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少下载令牌"})
		return
	}

	target, err := h.downloadService.Redeem(c.Request.Context(), tok)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, target)
}
