// internal/api/router.go
package api

import (
	"fmt"
	"log"
	"net/http"
	"path/filepath"

	"github.com/Corphon/CharacterStudio/internal/config"
	"github.com/Corphon/CharacterStudio/internal/di"
	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/Corphon/CharacterStudio/internal/utils"
	"github.com/gin-gonic/gin"
)

// Router HTTP 引擎及其后台组件
type Router struct {
	Engine           *gin.Engine
	Handler          *Handler
	WebSocketManager *WebSocketManager
	RateLimiter      *RateLimiter
}

// Close 停止 WebSocket 管理器和限流器
func (r *Router) Close() {
	r.WebSocketManager.Stop()
	r.RateLimiter.Stop()
}

// SetupRouter 使用全局容器设置路由
func SetupRouter() (*Router, error) {
	return SetupRouterWith(di.GetContainer())
}

// SetupRouterWith 使用指定容器中的服务设置路由
func SetupRouterWith(container *di.Container) (*Router, error) {
	cfg := config.GetCurrentConfig()

	studio, err := di.Resolve[*services.StudioService](container, di.ServiceStudio)
	if err != nil {
		return nil, fmt.Errorf("studio service not initialised: %w", err)
	}
	metrics, err := di.Resolve[*utils.StudioMetrics](container, di.ServiceMetrics)
	if err != nil {
		return nil, fmt.Errorf("metrics not initialised: %w", err)
	}

	manager := NewWebSocketManager()
	studio.SetEventSink(manager)
	container.Register(di.ServiceEvents, manager)

	limiter := NewRateLimiter()
	handler := NewHandler(studio, metrics, manager)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(RequestMetricsMiddleware(metrics))

	// 静态文件和模板
	r.Static("/static", cfg.StaticDir)
	templates, _ := filepath.Glob(filepath.Join(cfg.TemplatesDir, "*.html"))
	if len(templates) > 0 {
		r.LoadHTMLGlob(filepath.Join(cfg.TemplatesDir, "*.html"))
		r.GET("/", handler.IndexPage)
	} else {
		log.Printf("⚠️ %s 中没有模板，/ 返回 API 说明", cfg.TemplatesDir)
		r.GET("/", handler.APIIndex)
	}

	// WebSocket 路由
	r.GET("/ws/session/:id", handler.SessionWebSocket)

	// ===============================
	// API
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit(limiter))
	{
		sessions := api.Group("/sessions")
		{
			sessions.GET("", handler.ListSessions)
			sessions.POST("", handler.CreateSession)
			sessions.GET("/:id", handler.GetSession)
			sessions.DELETE("/:id", handler.DeleteSession)

			sessions.POST("/:id/description", GenerationRateLimit(limiter), handler.SubmitDescription)
			sessions.POST("/:id/reset", handler.ResetSession)
			sessions.POST("/:id/cancel", handler.CancelGeneration)

			wizard := sessions.Group("/:id/wizard")
			{
				wizard.GET("", handler.GetWizard)
				wizard.PUT("/fields", handler.SetWizardFields)
				wizard.POST("/traits", handler.AddTrait)
				wizard.DELETE("/traits/:trait", handler.RemoveTrait)
				wizard.POST("/next", handler.WizardNext)
				wizard.POST("/previous", handler.WizardPrevious)
				wizard.POST("/submit", GenerationRateLimit(limiter), handler.WizardSubmit)
				wizard.POST("/restart", handler.WizardRestart)
			}

			results := sessions.Group("/:id/results")
			{
				results.GET("", handler.GetResults)
				results.PUT("/view", handler.SelectView)
				results.GET("/download/:view", handler.DownloadView)
				results.POST("/download-all", handler.DownloadAll)
				results.GET("/downloads", handler.ListDownloads)
			}
		}

		api.GET("/progress/:taskID", handler.SubscribeProgress)

		settings := api.Group("/settings")
		{
			settings.GET("", handler.GetSettings)
			settings.PUT("", handler.UpdateSettings)
		}

		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return &Router{
		Engine:           r,
		Handler:          handler,
		WebSocketManager: manager,
		RateLimiter:      limiter,
	}, nil
}

// corsMiddleware 跨域中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID, X-RateLimit-Remaining")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
