package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pair-send-go/internal/middleware"
	"pair-send-go/internal/service"
)

// UploadHandler 负责处理分片上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// StartRequest 定义了上传登记 API 的请求体结构。
type StartRequest struct {
	FileName     string `json:"fileName" binding:"required"`
	TotalSize    int64  `json:"totalSize" binding:"required"`
	DeclaredMime string `json:"declaredMime"`
	ContentHash  string `json:"contentHash" binding:"required,len=32"`
}

// Start 处理上传登记的请求。会话内已有同内容文件时返回 duplicate 标记。
func (h *UploadHandler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	result, err := h.uploadService.StartUpload(c.Request.Context(),
		c.Param("id"), middleware.UserID(c), req.FileName, req.TotalSize, req.DeclaredMime, req.ContentHash)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

// UploadChunk 处理分片上传的请求。分片以 multipart 表单提交。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	chunkIndexStr := c.PostForm("chunkIndex")
	chunkHash := c.PostForm("chunkHash")
	if chunkIndexStr == "" || chunkHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少必要的参数"})
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的分片索引"})
		return
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未能获取上传的分片"})
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取分片内容失败"})
		return
	}

	result, err := h.uploadService.SubmitChunk(c.Request.Context(),
		c.Param("id"), middleware.UserID(c), c.Param("fileId"), chunkIndex, chunkHash, payload)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

// Progress 处理进度查询的请求，供客户端断线重连后续传。
func (h *UploadHandler) Progress(c *gin.Context) {
	result, err := h.uploadService.Progress(c.Request.Context(), c.Param("fileId"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

// Pending 返回会话内未完成的传输清单。
func (h *UploadHandler) Pending(c *gin.Context) {
	result, err := h.uploadService.PendingUploads(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}
