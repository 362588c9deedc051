// Package response 统一的 JSON 响应封装。
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body 统一响应结构。
type Body struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Success 200 成功响应。
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Code: 0, Data: data})
}

// Error 错误响应,HTTP 状态码与 body code 一致。
func Error(c *gin.Context, status int, message string) {
	c.JSON(status, Body{Code: status, Message: message})
}
