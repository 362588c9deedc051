// Package middleware 提供路由层的鉴权中间件。
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/sorapool/internal/pkg/response"
)

// BearerAuth Bearer token 鉴权。key 留空时放行所有请求。
func BearerAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			response.Error(c, http.StatusUnauthorized, "无效的 API Key")
			c.Abort()
			return
		}
		c.Next()
	}
}
