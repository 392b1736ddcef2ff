// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pair-send-go/pkg/apperr"
	"pair-send-go/pkg/log"
)

// fail 把业务错误统一映射为 HTTP 状态码并写出响应。
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrInvalidChunk):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrHashMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrSecurityBlocked):
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		log.Errorf("请求处理失败, path: %s, error: %v", c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "服务器内部错误"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ok 写出统一的成功响应。
func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    data,
	})
}
