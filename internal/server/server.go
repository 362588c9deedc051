// Package server 封装 HTTP 服务的启动与优雅停机。
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

// Server 持有 gin 引擎和底层 http.Server。
type Server struct {
	router *gin.Engine
	http   *http.Server
}

// New 创建服务实例。写超时放宽到 0:SSE 流会长时间保持连接。
func New(host string, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Router 暴露引擎供路由注册。
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run 阻塞运行直到监听失败或 Shutdown 被调用。
func (s *Server) Run() error {
	logger.LegacyPrintf("server", "[Start] 监听 %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅停机,等在途请求完成。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
