// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RouterOptions 路由层可调参数
type RouterOptions struct {
	DebugMode bool

	// 启动接口的限流，Limit 为 0 时不限流
	StartLimit  int
	StartWindow time.Duration
	RateLimiter *RateLimiter
}

// SetupRouter 配置HTTP路由
func SetupRouter(handler *Handler, opts RouterOptions) *gin.Engine {
	if !opts.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if opts.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware())
	r.Use(metricsMiddleware(handler.metrics))

	// WebSocket 状态推送
	r.GET("/ws/pipeline", handler.PipelineWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.HealthCheck)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)

		pipelineGroup := api.Group("/pipeline")
		{
			startHandlers := []gin.HandlerFunc{}
			if opts.StartLimit > 0 {
				limiter := opts.RateLimiter
				if limiter == nil {
					limiter = NewRateLimiter()
				}
				handler.limitStarts(limiter, opts.StartLimit, opts.StartWindow)
				startHandlers = append(startHandlers, RateLimitByIP(limiter, opts.StartLimit, opts.StartWindow))
			}
			startHandlers = append(startHandlers, handler.StartPipeline)

			pipelineGroup.POST("/start", startHandlers...)
			pipelineGroup.POST("/abort", handler.AbortPipeline)
			pipelineGroup.GET("/status", handler.GetPipelineStatus)
			pipelineGroup.GET("/image", handler.GetPipelineImage)
		}
	}

	return r
}
