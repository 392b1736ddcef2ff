// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pair-send-go/pkg/token"
)

// 存入 Gin 上下文的键。
const (
	CtxUserID      = "userID"
	CtxDisplayName = "displayName"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 签发由外部认证服务负责，这里只校验签名与有效期，并把用户标识存入上下文。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxDisplayName, claims.DisplayName)
		c.Next()
	}
}

// UserID 从上下文取出已认证的用户标识。
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserID)
}

// DisplayName 从上下文取出用户的展示名。
func DisplayName(c *gin.Context) string {
	return c.GetString(CtxDisplayName)
}
