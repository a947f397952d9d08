// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/api"
	"github.com/Corphon/StoryboardMCP/internal/comfy"
	"github.com/Corphon/StoryboardMCP/internal/config"
	"github.com/Corphon/StoryboardMCP/internal/di"
	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/Corphon/StoryboardMCP/internal/telemetry"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	// 注册LLM提供者
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/google"
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/ollama"
	_ "github.com/Corphon/StoryboardMCP/internal/llm/providers/openrouter"
)

const (
	serviceName           = "storyboard"
	metricsReportInterval = 5 * time.Minute
)

// 启动检查要求的组件
var criticalServices = []string{di.Config, di.Hub, di.Pipeline, di.WS}

// App 装配好的应用
type App struct {
	Config   *config.Config
	Logger   *utils.Logger
	Metrics  *utils.PipelineMetrics
	Hub      *services.StatusHub
	Pipeline *services.PipelineService
	WS       *api.WebSocketManager
	Router   *gin.Engine

	container      *di.Container
	limiter        *api.RateLimiter
	ctx            context.Context
	cancel         context.CancelFunc
	shutdownTracer func(context.Context) error
	background     *errgroup.Group
	startOnce      sync.Once
}

// Option 替换默认的外部依赖，测试和终端模式使用
type Option func(*overrides)

type overrides struct {
	invoker   services.ModelInvoker
	renderer  services.ImageRenderer
	workflows comfy.WorkflowSource
	logger    *utils.Logger
	fileLog   bool
}

// WithInvoker 使用指定的模型调用方
func WithInvoker(invoker services.ModelInvoker) Option {
	return func(o *overrides) { o.invoker = invoker }
}

// WithRenderer 使用指定的渲染器
func WithRenderer(renderer services.ImageRenderer) Option {
	return func(o *overrides) { o.renderer = renderer }
}

// WithWorkflowSource 使用指定的工作流来源
func WithWorkflowSource(source comfy.WorkflowSource) Option {
	return func(o *overrides) { o.workflows = source }
}

// WithLogger 使用指定的日志器，同时不再写日志文件
func WithLogger(logger *utils.Logger) Option {
	return func(o *overrides) {
		o.logger = logger
		o.fileLog = false
	}
}

// New 按依赖顺序装配所有组件
func New(parent context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("缺少配置")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &overrides{fileLog: true}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(parent)
	a := &App{
		Config:     cfg,
		container:  di.NewContainer(),
		ctx:        ctx,
		cancel:     cancel,
		background: &errgroup.Group{},
	}

	// 1. 日志
	a.Logger = o.logger
	if a.Logger == nil {
		a.Logger = utils.GetLogger()
	}
	a.Logger.SetLogLevel(utils.ParseLogLevel(cfg.LogLevel))
	if o.fileLog && cfg.LogDir != "" {
		logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("storyboard_%s.log", time.Now().Format("2006-01-02")))
		if err := utils.InitLogger(logFile); err != nil {
			a.Logger.Warn("无法初始化日志文件，仅输出到控制台", map[string]interface{}{"error": err.Error()})
		}
	}
	a.container.Register(di.Config, cfg)
	a.container.Register(di.Logger, a.Logger)

	// 2. 追踪与指标
	a.shutdownTracer = telemetry.InitTracer(ctx, serviceName, cfg.TraceStdout)
	a.Metrics = utils.NewPipelineMetricsWith(utils.GetMetricsCollector(), a.Logger)
	a.container.Register(di.Metrics, a.Metrics)

	// 3. 外部服务
	slot, err := comfy.ParseSlotPath(cfg.PromptSlot())
	if err != nil {
		cancel()
		return nil, err
	}

	health := api.HealthInfo{ComfyAddress: cfg.ComfyAddress}

	invoker := o.invoker
	if invoker == nil {
		llmService, err := services.NewLLMService(cfg, a.Metrics)
		if err != nil {
			cancel()
			return nil, err
		}
		a.container.Register(di.LLM, llmService)
		invoker = llmService
		health.Provider = llmService.GetProviderName()
		health.Model = llmService.GetDefaultModel()
	} else {
		health.Provider = "custom"
		health.Model = cfg.LLMModel
	}

	renderer := o.renderer
	if renderer == nil {
		client := comfy.NewClient(cfg.ComfyAddress, comfy.WithLogger(a.Logger))
		a.container.Register(di.Comfy, client)
		renderer = client
	}

	workflows := o.workflows
	if workflows == nil {
		workflows = comfy.FileWorkflowSource{Path: cfg.WorkflowFile}
	}

	// 4. 流水线与事件中心
	a.Hub = services.NewStatusHub()
	a.container.Register(di.Hub, a.Hub)

	a.Pipeline = services.NewPipelineService(invoker, renderer, workflows, a.Hub, services.PipelineOptions{
		MaxRetries:  cfg.MaxRetries,
		PacingDelay: cfg.PacingDelay,
		Slot:        slot,
		BaseContext: ctx,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
		Tracer:      telemetry.Tracer(),
	})
	a.container.Register(di.Pipeline, a.Pipeline)

	// 5. 控制面
	a.WS = api.NewWebSocketManager()
	a.container.Register(di.WS, a.WS)

	a.limiter = api.NewRateLimiter()
	handler := api.NewHandler(a.Pipeline, a.Hub, a.Metrics, a.WS, health)
	a.Router = api.SetupRouter(handler, api.RouterOptions{
		DebugMode:   cfg.DebugMode,
		StartLimit:  cfg.StartRateLimit,
		StartWindow: time.Minute,
		RateLimiter: a.limiter,
	})

	return a, nil
}

// Container 已注册组件
func (a *App) Container() *di.Container {
	return a.container
}

// HealthCheck 检查关键组件是否都已注册
func (a *App) HealthCheck() error {
	if missing := a.container.Missing(criticalServices...); len(missing) > 0 {
		return fmt.Errorf("关键服务未注册: %v", missing)
	}
	return nil
}

// Start 启动后台任务：状态推送、连接清理、限流清理和指标报告
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.background.Go(func() error {
			a.WS.Run(a.ctx)
			return nil
		})
		a.background.Go(func() error {
			a.WS.Relay(a.ctx, a.Hub)
			return nil
		})

		a.limiter.StartCleanup(a.ctx, time.Minute)
		a.Metrics.StartMetricsCollection(a.ctx, metricsReportInterval)

		a.Logger.Info("Application started", map[string]interface{}{
			"components": a.container.Names(),
		})
	})
}

// Shutdown 中止当前运行并等待它在检查点退出，然后停止后台任务
func (a *App) Shutdown(ctx context.Context) error {
	if a.Pipeline.Abort() {
		a.Logger.Info("Shutdown requested, aborting active run", nil)
	}

	finished := make(chan struct{})
	go func() {
		a.Pipeline.Wait()
		close(finished)
	}()

	var shutdownErr error
	select {
	case <-finished:
	case <-ctx.Done():
		shutdownErr = fmt.Errorf("等待流水线结束超时: %w", ctx.Err())
	}

	// 取消基础上下文，仍在进行的远程调用随之返回
	a.cancel()
	if err := a.background.Wait(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	if err := a.shutdownTracer(ctx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	a.Logger.Info("Application stopped", nil)
	a.Logger.Close()
	return shutdownErr
}
