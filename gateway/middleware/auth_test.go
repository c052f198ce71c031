package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws", Auth(testSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey)})
	})
	return engine
}

func TestAuth(t *testing.T) {
	router := newAuthRouter()

	t.Run("Bearer 头携带合法令牌放行", func(t *testing.T) {
		token, err := SignToken(testSecret, "alice", "ios", time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"user_id":"alice"`)
	})

	t.Run("查询参数携带令牌放行", func(t *testing.T) {
		token, err := SignToken(testSecret, "bob", "", time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"user_id":"bob"`)
	})

	t.Run("缺少令牌返回 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("密钥不匹配返回 401", func(t *testing.T) {
		token, err := SignToken("other-secret", "alice", "", time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("过期令牌返回 401", func(t *testing.T) {
		token, err := SignToken(testSecret, "alice", "", -time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestParseToken(t *testing.T) {
	t.Run("声明完整来回一致", func(t *testing.T) {
		token, err := SignToken(testSecret, "carol", "web", time.Minute)
		require.NoError(t, err)

		claims, err := ParseToken(testSecret, token)
		require.NoError(t, err)
		assert.Equal(t, "carol", claims.UserID)
		assert.Equal(t, "web", claims.Device)
	})

	t.Run("缺少用户标识视为非法", func(t *testing.T) {
		token, err := SignToken(testSecret, "", "", time.Minute)
		require.NoError(t, err)

		_, err = ParseToken(testSecret, token)
		assert.Error(t, err)
	})
}
