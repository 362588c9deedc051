// Package routes 集中注册全部 HTTP 路由。
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/sorapool/internal/handler"
	"github.com/Wei-Shaw/sorapool/internal/server/middleware"
)

// Options 路由注册参数。
type Options struct {
	// 客户端与管理端的 API Key,留空表示对应分组不鉴权。
	APIKey      string
	AdminAPIKey string
	// 本地缓存目录,挂载到 /cache 静态服务。
	CacheDir string
}

// Register 注册 OpenAI 兼容路由、管理路由和静态缓存服务。
func Register(router *gin.Engine, openai *handler.OpenAIHandler, admin *handler.AdminHandler, opts Options) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	v1.Use(middleware.BearerAuth(opts.APIKey))
	{
		v1.GET("/models", openai.Models)
		v1.POST("/chat/completions", openai.ChatCompletions)
		v1.POST("/tasks/:task_id/cancel-watermark-wait", openai.CancelWatermarkWait)
	}

	adminGroup := router.Group("/api/admin")
	adminGroup.Use(middleware.BearerAuth(opts.AdminAPIKey))
	{
		adminGroup.POST("/accounts", admin.CreateAccount)
		adminGroup.GET("/accounts", admin.ListAccounts)
		adminGroup.DELETE("/accounts/:id", admin.DeleteAccount)
		adminGroup.PUT("/accounts/:id/enabled", admin.SetAccountEnabled)
		adminGroup.PUT("/accounts/:id/limits", admin.SetAccountLimits)
		adminGroup.GET("/cache-config", admin.GetCacheConfig)
		adminGroup.PUT("/cache-config", admin.UpdateCacheConfig)
		adminGroup.GET("/watermark-config", admin.GetWatermarkConfig)
		adminGroup.PUT("/watermark-config", admin.UpdateWatermarkConfig)
		adminGroup.GET("/tasks", admin.ListTasks)
	}

	if opts.CacheDir != "" {
		router.Static("/cache", opts.CacheDir)
	}
}
