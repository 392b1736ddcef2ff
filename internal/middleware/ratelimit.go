package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pair-send-go/pkg/ratelimit"
)

// RateLimitMiddleware 创建一个按用户限流的 Gin 中间件。
// 使用 Redis 滑动窗口，超限返回 429；限流器本身故障时放行，不把 Redis 抖动放大成拒绝服务。
func RateLimitMiddleware(limiter *ratelimit.Limiter, action string, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), userID, action, limit)
		if err != nil {
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁，请稍后再试"})
			return
		}
		c.Next()
	}
}
