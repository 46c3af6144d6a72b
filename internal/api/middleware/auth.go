package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/line_persona_bot/internal/pkg/jwt"
	"github.com/qs3c/line_persona_bot/internal/pkg/response"
)

const (
	AdminSubjectKey  = "adminSubject"
	CronSecretHeader = "X-Cron-Secret"
)

// AdminAuth 管理接口 JWT 认证，要求 admin 角色；未配置密钥时接口整体关闭
func AdminAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			response.UnavailableError(c, "admin api disabled")
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.AuthError(c, "missing authorization header")
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			response.AuthError(c, "malformed authorization header")
			c.Abort()
			return
		}

		claims, err := jwt.ParseToken(tokenString, jwtSecret)
		if err != nil {
			response.AuthError(c, err.Error())
			c.Abort()
			return
		}
		if claims.Role != jwt.RoleAdmin {
			response.PermissionError(c, "")
			c.Abort()
			return
		}

		c.Set(AdminSubjectKey, claims.Subject)
		c.Next()
	}
}

// CronSecret 外部调度器触发广播时携带的共享密钥
func CronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			response.UnavailableError(c, "broadcast trigger disabled")
			c.Abort()
			return
		}
		got := c.GetHeader(CronSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			response.AuthError(c, "invalid cron secret")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetAdminSubject 从上下文获取操作者
func GetAdminSubject(c *gin.Context) (string, bool) {
	v, exists := c.Get(AdminSubjectKey)
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
