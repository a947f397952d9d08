// internal/api/middleware.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDKey = "request_id"

// RateLimiter 固定窗口限流，用于保护启动接口
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	now      func() time.Time
}

// Visitor 单个客户端在当前窗口内的额度
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*Visitor),
		now:      time.Now,
	}
}

// StartCleanup 定期清理过期窗口，ctx 结束时退出
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, visitor := range rl.visitors {
		if now.After(visitor.Reset) {
			delete(rl.visitors, key)
		}
	}
}

// Allow 检查并消耗一次额度，同时返回用于响应头的剩余额度和重置时间
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	visitor, exists := rl.visitors[key]

	if !exists || now.After(visitor.Reset) {
		visitor = &Visitor{
			Limit:     limit,
			Remaining: limit - 1,
			Reset:     now.Add(window),
		}
		rl.visitors[key] = visitor
		return true, visitor.Remaining, visitor.Reset
	}

	if visitor.Remaining <= 0 {
		return false, 0, visitor.Reset
	}

	visitor.Remaining--
	return true, visitor.Remaining, visitor.Reset
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(rl *RateLimiter, limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, reset := rl.Allow(keyFunc(c), limit, window)

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			NewResponseHelper().Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁，请稍后再试")
			c.Abort()
			return
		}

		c.Next()
	}
}

// RateLimitByIP applies rate limiting based on client IP address
func RateLimitByIP(rl *RateLimiter, limit int, window time.Duration) gin.HandlerFunc {
	return RateLimitMiddleware(rl, limit, window, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// requestIDMiddleware 为每个请求分配ID，客户端传入的 X-Request-ID 优先
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// metricsMiddleware 记录每个接口的请求数、状态码和耗时
func metricsMiddleware(metrics *utils.PipelineMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordAPIRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(startTime))
	}
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
