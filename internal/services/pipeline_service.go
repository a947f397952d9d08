// internal/services/pipeline_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Corphon/StoryboardMCP/internal/comfy"
	appErrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/review"
	"github.com/Corphon/StoryboardMCP/internal/telemetry"
	"github.com/Corphon/StoryboardMCP/internal/utils"
)

// DefaultMaxRetries 生产循环的默认上限
const DefaultMaxRetries = 3

// 尝试间隔期间检查中止标志的频率
const abortPollInterval = 50 * time.Millisecond

// errRunAborted 在检查点观察到中止信号
var errRunAborted = errors.New("pipeline aborted")

// ImageRenderer 把提示词注入工作流模板并返回渲染出的图片
type ImageRenderer interface {
	Render(ctx context.Context, workflow comfy.Workflow, promptText string, slot comfy.SlotPath) ([]byte, error)
}

// PipelineOptions 控制器参数
type PipelineOptions struct {
	MaxRetries  int
	PacingDelay time.Duration
	Slot        comfy.SlotPath
	BaseContext context.Context // Start 启动的后台运行使用
	Metrics     *utils.PipelineMetrics
	Logger      *utils.Logger
	Tracer      trace.Tracer
}

// PipelineService 故事板流水线状态机。同一时间最多一个运行
type PipelineService struct {
	invoker   ModelInvoker
	renderer  ImageRenderer
	workflows comfy.WorkflowSource
	events    EventPublisher

	maxRetries int
	pacing     time.Duration
	slot       comfy.SlotPath
	baseCtx    context.Context
	metrics    *utils.PipelineMetrics
	logger     *utils.Logger
	tracer     trace.Tracer

	mutex   sync.Mutex
	active  *models.PipelineRun
	abort   atomic.Bool
	running sync.WaitGroup
}

// NewPipelineService 创建流水线控制器
func NewPipelineService(invoker ModelInvoker, renderer ImageRenderer, workflows comfy.WorkflowSource, events EventPublisher, opts PipelineOptions) *PipelineService {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Metrics == nil {
		opts.Metrics = utils.NewPipelineMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}

	return &PipelineService{
		invoker:    invoker,
		renderer:   renderer,
		workflows:  workflows,
		events:     events,
		maxRetries: opts.MaxRetries,
		pacing:     opts.PacingDelay,
		slot:       opts.Slot,
		baseCtx:    opts.BaseContext,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}
}

// MaxRetries 每次运行的最大尝试次数
func (s *PipelineService) MaxRetries() int {
	return s.maxRetries
}

// IsBusy 是否有运行尚未结束
func (s *PipelineService) IsBusy() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.active != nil
}

// Start 在后台启动一次运行，返回运行ID
func (s *PipelineService) Start(theme string) (string, error) {
	run, err := s.begin(theme)
	if err != nil {
		return "", err
	}

	go func() {
		defer s.running.Done()
		s.execute(s.baseCtx, run)
	}()
	return run.ID, nil
}

// Run 同步执行一次运行。只有无法启动时才返回错误，运行本身的失败体现在结果状态里
func (s *PipelineService) Run(ctx context.Context, theme string) (*models.RunResult, error) {
	run, err := s.begin(theme)
	if err != nil {
		return nil, err
	}
	defer s.running.Done()

	return s.execute(ctx, run), nil
}

// Abort 设置中止标志，在下一个检查点生效。无运行时为空操作，返回是否有运行被通知
func (s *PipelineService) Abort() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.active == nil {
		return false
	}
	if !s.abort.Swap(true) {
		s.logger.Info("Pipeline abort requested", map[string]interface{}{
			"run_id": s.active.ID,
		})
	}
	return true
}

// Wait 阻塞直到当前运行结束
func (s *PipelineService) Wait() {
	s.running.Wait()
}

func (s *PipelineService) begin(theme string) (*models.PipelineRun, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return nil, appErrors.NewValidationError("主题不能为空", nil)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.active != nil {
		return nil, appErrors.NewAlreadyRunningError("已有流水线正在运行: " + s.active.ID)
	}

	s.abort.Store(false)
	run := &models.PipelineRun{
		ID:         uuid.NewString(),
		Theme:      theme,
		MaxRetries: s.maxRetries,
		Status:     models.RunStatusConceptInProgress,
		StartedAt:  time.Now(),
	}
	s.active = run
	s.running.Add(1)
	return run, nil
}

// checkpoint 中止标志或进程退出时返回 true
func (s *PipelineService) checkpoint(ctx context.Context) bool {
	return s.abort.Load() || ctx.Err() != nil
}

func (s *PipelineService) execute(ctx context.Context, run *models.PipelineRun) *models.RunResult {
	ctx, span := s.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("pipeline.max_retries", run.MaxRetries),
	))
	defer span.End()

	s.metrics.RecordRunStarted()
	s.logger.Info("Pipeline run started", map[string]interface{}{
		"run_id": run.ID,
		"theme":  run.Theme,
	})
	s.publish(run, models.StagePipeline, models.StageStarted, 0, "开始运行", models.TextArtifact(run.Theme))

	attempts, err := s.drive(ctx, run)
	if err != nil && ctx.Err() != nil {
		// 上下文取消打断了进行中的调用，按中止处理
		err = errRunAborted
	}

	var (
		message  string
		artifact *models.Artifact
		errMsg   string
	)
	switch {
	case err == nil && run.Status == models.RunStatusApproved:
		message = fmt.Sprintf("审阅通过，第 %d/%d 次尝试", attempts, run.MaxRetries)
		artifact = models.ImageArtifact(run.RenderedImage, http.DetectContentType(run.RenderedImage))
	case err == nil:
		run.Status = models.RunStatusExhausted
		message = fmt.Sprintf("已用完 %d 次尝试，未获通过", run.MaxRetries)
		if run.LastFeedback != "" {
			artifact = models.TextArtifact(run.LastFeedback)
		}
	case errors.Is(err, errRunAborted):
		run.Status = models.RunStatusAborted
		message = "运行已被用户中止"
	default:
		run.Status = models.RunStatusFailed
		errMsg = err.Error()
		message = "运行失败: " + errMsg
		artifact = models.TextArtifact(errMsg)
		span.RecordError(err)
		span.SetStatus(codes.Error, errMsg)
		s.metrics.RecordError(string(appErrors.TypeOf(err)), "pipeline")
		s.logger.Error("Pipeline run failed", map[string]interface{}{
			"run_id": run.ID,
			"error":  errMsg,
		})
	}
	run.FinishedAt = time.Now()
	span.SetAttributes(
		attribute.String("run.status", string(run.Status)),
		attribute.Int("run.attempts", attempts),
	)

	result := run.Result(attempts, errMsg)
	s.metrics.RecordRunFinished(string(run.Status), attempts, run.FinishedAt.Sub(run.StartedAt))

	// 终态事件发布前释放运行槽位，订阅者收到终态后即可重新启动
	s.mutex.Lock()
	s.active = nil
	s.abort.Store(false)
	s.publish(run, models.StagePipeline, terminalState(run.Status), 0, message, artifact)
	s.mutex.Unlock()

	return result
}

func terminalState(status models.RunStatus) models.StageState {
	switch status {
	case models.RunStatusApproved:
		return models.StageApproved
	case models.RunStatusFailed:
		return models.StageFailed
	default:
		return models.StageCompleted
	}
}

// drive 概念阶段执行一次，然后进入有界的生产循环。返回实际进入的尝试次数
func (s *PipelineService) drive(ctx context.Context, run *models.PipelineRun) (int, error) {
	workflow, err := s.workflows.Load()
	if err != nil {
		return 0, err
	}

	// 概念阶段
	if s.checkpoint(ctx) {
		return 0, errRunAborted
	}
	story, err := s.textStage(ctx, run, models.StageStory, 0, "正在创作故事", "故事完成", func(ctx context.Context) (string, error) {
		return s.invoker.Invoke(ctx, novelistInstruction, novelistInput(run.Theme), nil)
	})
	if err != nil {
		return 0, err
	}
	run.Story = story

	if s.checkpoint(ctx) {
		return 0, errRunAborted
	}
	scene, err := s.textStage(ctx, run, models.StageScene, 0, "正在设计场景", "场景完成", func(ctx context.Context) (string, error) {
		return s.invoker.Invoke(ctx, directorInstruction, directorInput(run.Story), nil)
	})
	if err != nil {
		return 0, err
	}
	run.SceneDescription = scene

	// 生产阶段
	run.Status = models.RunStatusProductionInProgress
	run.Attempt = 0
	attempts := 0

	for attempt := 0; attempt < run.MaxRetries; attempt++ {
		run.Attempt = attempt
		if s.checkpoint(ctx) {
			return attempts, errRunAborted
		}
		attempts = attempt + 1

		userContent := promptEngineerInput(run.SceneDescription, run.CurrentPrompt, run.LastFeedback, attempt)
		prompt, err := s.textStage(ctx, run, models.StagePrompt, attempts, "正在生成提示词", "提示词完成", func(ctx context.Context) (string, error) {
			return s.invoker.Invoke(ctx, promptEngineerInstruction, userContent, nil)
		})
		if err != nil {
			return attempts, err
		}
		run.CurrentPrompt = prompt

		if s.checkpoint(ctx) {
			return attempts, errRunAborted
		}
		image, soft, err := s.renderStage(ctx, run, workflow, attempts)
		if err != nil {
			if soft {
				continue
			}
			return attempts, err
		}
		run.RenderedImage = image

		if s.checkpoint(ctx) {
			return attempts, errRunAborted
		}
		verdict, err := s.reviewStage(ctx, run, attempts)
		if err != nil {
			return attempts, err
		}
		run.LastFeedback = verdict.Reason

		if verdict.Approved {
			run.Status = models.RunStatusApproved
			return attempts, nil
		}

		if attempts < run.MaxRetries {
			s.pace(ctx)
		}
	}

	return attempts, nil
}

// textStage 执行一次纯文本的模型调用阶段，前后各发布一条事件。空回复视为模型错误
func (s *PipelineService) textStage(ctx context.Context, run *models.PipelineRun, stage models.Stage, attempt int, startMsg, doneMsg string, call func(context.Context) (string, error)) (string, error) {
	ctx, span := s.startSpan(ctx, stage, attempt)
	defer span.End()

	s.publish(run, stage, models.StageStarted, attempt, startMsg, nil)
	startTime := time.Now()
	text, err := call(ctx)
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = appErrors.NewModelError("模型返回了空内容", nil)
		s.metrics.RecordError(string(appErrors.ErrorTypeModel), "llm")
	}
	s.metrics.RecordStage(string(stage), err == nil, time.Since(startTime))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.publish(run, stage, models.StageFailed, attempt, err.Error(), nil)
		return "", err
	}

	s.logger.Info("Pipeline stage completed", map[string]interface{}{
		"run_id":  run.ID,
		"stage":   string(stage),
		"attempt": attempt,
	})
	s.publish(run, stage, models.StageCompleted, attempt, doneMsg, models.TextArtifact(text))
	return text, nil
}

// renderStage 渲染失败时 soft 表示可进入下一次尝试
func (s *PipelineService) renderStage(ctx context.Context, run *models.PipelineRun, workflow comfy.Workflow, attempt int) ([]byte, bool, error) {
	ctx, span := s.startSpan(ctx, models.StageRender, attempt)
	defer span.End()

	s.publish(run, models.StageRender, models.StageStarted, attempt, "正在渲染图片", nil)
	startTime := time.Now()
	image, err := s.renderer.Render(ctx, workflow, run.CurrentPrompt, s.slot)
	if err == nil && len(image) == 0 {
		err = appErrors.NewNoOutputError("渲染未产生图片", nil)
	}
	s.metrics.RecordStage(string(models.StageRender), err == nil, time.Since(startTime))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordError(string(appErrors.TypeOf(err)), "render")

		soft := appErrors.IsTransportError(err) || appErrors.IsNoOutputError(err)
		if soft {
			s.logger.Warn("Render failed, moving to next attempt", map[string]interface{}{
				"run_id":  run.ID,
				"attempt": attempt,
				"error":   err.Error(),
			})
			s.publish(run, models.StageRender, models.StageFailed, attempt, "渲染失败，进入下一次尝试: "+err.Error(), nil)
		} else {
			s.publish(run, models.StageRender, models.StageFailed, attempt, "渲染失败: "+err.Error(), nil)
		}
		return nil, soft, err
	}

	span.SetAttributes(attribute.Int("render.bytes", len(image)))
	s.publish(run, models.StageRender, models.StageCompleted, attempt, "渲染完成",
		models.ImageArtifact(image, http.DetectContentType(image)))
	return image, false, nil
}

// reviewStage 附带图片请求审阅，回复原样交给解析器，空回复或格式不符时按驳回处理
func (s *PipelineService) reviewStage(ctx context.Context, run *models.PipelineRun, attempt int) (models.ReviewVerdict, error) {
	ctx, span := s.startSpan(ctx, models.StageReview, attempt)
	defer span.End()

	s.publish(run, models.StageReview, models.StageStarted, attempt, "正在审阅图片", nil)
	startTime := time.Now()
	raw, err := s.invoker.Invoke(ctx, artDirectorInstruction, artDirectorInput(run.SceneDescription), run.RenderedImage)
	s.metrics.RecordStage(string(models.StageReview), err == nil, time.Since(startTime))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.publish(run, models.StageReview, models.StageFailed, attempt, err.Error(), nil)
		return models.ReviewVerdict{}, err
	}

	verdict := review.Parse(raw)
	span.SetAttributes(attribute.Bool("review.approved", verdict.Approved))

	if verdict.Approved {
		s.publish(run, models.StageReview, models.StageApproved, attempt, "审阅通过", models.TextArtifact(verdict.Reason))
	} else {
		s.logger.Info("Review requested retry", map[string]interface{}{
			"run_id":  run.ID,
			"attempt": attempt,
		})
		s.publish(run, models.StageReview, models.StageRetry, attempt,
			fmt.Sprintf("第 %d 次尝试被驳回", attempt), models.TextArtifact(verdict.Reason))
	}
	return verdict, nil
}

func (s *PipelineService) startSpan(ctx context.Context, stage models.Stage, attempt int) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("pipeline.stage", string(stage)),
		attribute.Int("pipeline.attempt", attempt),
	))
}

// pace 两次尝试之间的间隔，仅用于展示节奏。期间收到中止信号时立即返回
func (s *PipelineService) pace(ctx context.Context) {
	if s.pacing <= 0 {
		return
	}
	timer := time.NewTimer(s.pacing)
	defer timer.Stop()
	poll := time.NewTicker(abortPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		case <-poll.C:
			if s.abort.Load() {
				return
			}
		}
	}
}

func (s *PipelineService) publish(run *models.PipelineRun, stage models.Stage, state models.StageState, attempt int, message string, artifact *models.Artifact) {
	if s.events == nil {
		return
	}
	s.events.Publish(models.StatusEvent{
		RunID:       run.ID,
		Stage:       stage,
		State:       state,
		Status:      run.Status,
		Attempt:     attempt,
		MaxAttempts: run.MaxRetries,
		Message:     message,
		Artifact:    artifact,
		Timestamp:   time.Now(),
	})
}
