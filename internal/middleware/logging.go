package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"pair-send-go/pkg/log"
)

// RequestLogger 是一个 Gin 中间件，用于记录请求日志。
// 分片上传的请求体可能有数兆字节，这里只记录大小而不捕获内容。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestSize", c.Request.ContentLength,
			"responseSize", c.Writer.Size(),
		)
	}
}
