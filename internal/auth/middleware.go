package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/logging"
)

// RequireSession はクッキーのセッションを検証し、無ければ新しく作成するミドルウェアです。
func (m *Manager) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := m.resolve(c)
		if !ok {
			var err error
			id, err = m.bind(c)
			if err != nil {
				logging.Error("auth", "create session failed", "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    "SESSION_SAVE_FAILED",
					"message": "セッションの作成に失敗しました",
				})
				return
			}
		}
		c.Set(ContextSessionKey, id)
		c.Next()
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(CSRFHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}

// RequireAdmin は管理者のベーシック認証を検証するミドルウェアです。
// 失敗が続いた接続元は一定時間ロックします。
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.adminConfigured() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "ADMIN_DISABLED",
				"message": "管理者アカウントが設定されていません",
			})
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok || !m.verifyAdmin(username, password) {
			remaining := m.recordFailure(ip)
			logging.Warn("auth", "admin authentication failed", "ip", ip, "remaining", remaining)
			c.Header("WWW-Authenticate", `Basic realm="media-forge admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":              "INVALID_CREDENTIALS",
				"message":           "ユーザー名またはパスワードが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}

		m.resetAttempts(ip)
		c.Next()
	}
}
