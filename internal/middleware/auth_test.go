package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"pair-send-go/pkg/token"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newAuthRouter(jwtManager *token.JWTManager) *gin.Engine {
	r := gin.New()
	r.GET("/me", AuthMiddleware(jwtManager), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c), "displayName": DisplayName(c)})
	})
	return r
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	t.Parallel()

	m := token.NewJWTManager("secret")
	r := newAuthRouter(m)

	tok, err := m.Sign("user-1", "张三", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user-1")
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	t.Parallel()

	r := newAuthRouter(token.NewJWTManager("secret"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_BadHeaderFormat(t *testing.T) {
	t.Parallel()

	r := newAuthRouter(token.NewJWTManager("secret"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Basic abc")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	t.Parallel()

	r := newAuthRouter(token.NewJWTManager("secret"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	t.Parallel()

	m := token.NewJWTManager("secret")
	r := newAuthRouter(m)

	tok, err := m.Sign("user-1", "张三", -time.Minute)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}
