// internal/api/handlers.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/gin-gonic/gin"
)

// PipelineController 控制面对流水线的全部操作
type PipelineController interface {
	Start(theme string) (string, error)
	Abort() bool
	IsBusy() bool
	MaxRetries() int
}

// StatusView 由状态事件构建出的只读视图
type StatusView interface {
	EventSource
	Snapshot() services.PipelineSnapshot
	LatestImage() ([]byte, string, bool)
}

// HealthInfo 健康检查中展示的静态信息
type HealthInfo struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	ComfyAddress string `json:"comfy_address"`
}

// Handler 处理API请求
type Handler struct {
	pipeline  PipelineController
	hub       StatusView
	metrics   *utils.PipelineMetrics
	ws        *WebSocketManager
	health    HealthInfo
	startedAt time.Time
	Response  *ResponseHelper

	// 启动额度，HTTP 接口与 WebSocket 指令共用
	startLimiter *RateLimiter
	startLimit   int
	startWindow  time.Duration
}

// StartPipelineRequest 启动流水线的请求结构
type StartPipelineRequest struct {
	Theme string `json:"theme"`
}

// NewHandler 创建API处理器
func NewHandler(pipeline PipelineController, hub StatusView, metrics *utils.PipelineMetrics, ws *WebSocketManager, health HealthInfo) *Handler {
	if metrics == nil {
		metrics = utils.NewPipelineMetrics()
	}
	if ws == nil {
		ws = NewWebSocketManager()
	}
	return &Handler{
		pipeline:  pipeline,
		hub:       hub,
		metrics:   metrics,
		ws:        ws,
		health:    health,
		startedAt: time.Now(),
		Response:  NewResponseHelper(),
	}
}

// limitStarts 为启动操作设置按客户端IP计算的额度
func (h *Handler) limitStarts(limiter *RateLimiter, limit int, window time.Duration) {
	h.startLimiter = limiter
	h.startLimit = limit
	h.startWindow = window
}

// allowStart 消耗一次启动额度，未设置限流时总是允许
func (h *Handler) allowStart(clientIP string) bool {
	if h.startLimiter == nil || h.startLimit <= 0 {
		return true
	}
	allowed, _, _ := h.startLimiter.Allow(clientIP, h.startLimit, h.startWindow)
	return allowed
}

// StartPipeline 启动一次新的运行，立即返回运行ID
func (h *Handler) StartPipeline(c *gin.Context) {
	var req StartPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	runID, err := h.pipeline.Start(req.Theme)
	if err != nil {
		h.Response.ServiceError(c, err)
		return
	}

	h.Response.Accepted(c, gin.H{"run_id": runID}, "流水线已启动")
}

// AbortPipeline 请求在下一个检查点停止当前运行
func (h *Handler) AbortPipeline(c *gin.Context) {
	signalled := h.pipeline.Abort()

	message := "当前没有运行中的流水线"
	if signalled {
		message = "已发送中止信号"
	}
	h.Response.Success(c, gin.H{"signalled": signalled}, message)
}

// GetPipelineStatus 返回最近的状态快照
func (h *Handler) GetPipelineStatus(c *gin.Context) {
	h.Response.Success(c, h.hub.Snapshot())
}

// GetPipelineImage 返回最近一次渲染的图像原始字节
func (h *Handler) GetPipelineImage(c *gin.Context) {
	image, mime, ok := h.hub.LatestImage()
	if !ok {
		h.Response.NotFound(c, ErrorImageNotFound, "暂无渲染结果")
		return
	}
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, mime, image)
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"status":        "ok",
		"provider":      h.health.Provider,
		"model":         h.health.Model,
		"comfy_address": h.health.ComfyAddress,
		"busy":          h.pipeline.IsBusy(),
		"max_retries":   h.pipeline.MaxRetries(),
		"uptime":        time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// GetMetrics 返回指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.metrics.Collector().GetMetrics())
}

// GetWebSocketStatus 返回状态推送连接信息
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.Response.Success(c, h.ws.GetStatus())
}
