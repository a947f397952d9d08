package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryboardMCP/internal/comfy"
	appErrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/utils"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), []byte("fake-image-body")...)

const (
	roleNovelist = "novelist"
	roleDirector = "director"
	rolePrompt   = "prompt"
	roleReview   = "review"
)

func roleOf(system string) string {
	switch system {
	case novelistInstruction:
		return roleNovelist
	case directorInstruction:
		return roleDirector
	case promptEngineerInstruction:
		return rolePrompt
	case artDirectorInstruction:
		return roleReview
	}
	return "unknown"
}

type invokeCall struct {
	role  string
	user  string
	image []byte
}

// fakeInvoker 按角色返回脚本化的回复，n 为该角色的第几次调用
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []invokeCall
	counts map[string]int
	handle func(role string, n int) (string, error)
}

func newFakeInvoker(handle func(role string, n int) (string, error)) *fakeInvoker {
	if handle == nil {
		handle = defaultReply
	}
	return &fakeInvoker{counts: make(map[string]int), handle: handle}
}

func defaultReply(role string, n int) (string, error) {
	switch role {
	case roleNovelist:
		return "The keeper trims the wick while the sea keeps its own counsel.", nil
	case roleDirector:
		return "An old keeper at the lantern room window, storm outside, warm lamplight, lonely mood.", nil
	case rolePrompt:
		return fmt.Sprintf("prompt %d", n+1), nil
	case roleReview:
		return `{"status":"PASS","reason":"ok"}`, nil
	}
	return "", fmt.Errorf("unexpected role %s", role)
}

func (f *fakeInvoker) Invoke(ctx context.Context, system, user string, image []byte) (string, error) {
	f.mu.Lock()
	call := invokeCall{role: roleOf(system), user: user, image: image}
	n := f.counts[call.role]
	f.counts[call.role]++
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	return f.handle(call.role, n)
}

func (f *fakeInvoker) callsFor(role string) []invokeCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []invokeCall
	for _, c := range f.calls {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

type renderResult struct {
	image []byte
	err   error
}

type fakeRenderer struct {
	mu       sync.Mutex
	prompts  []string
	results  []renderResult
	onRender func(n int)
}

func (r *fakeRenderer) Render(ctx context.Context, workflow comfy.Workflow, promptText string, slot comfy.SlotPath) ([]byte, error) {
	r.mu.Lock()
	n := len(r.prompts)
	r.prompts = append(r.prompts, promptText)
	r.mu.Unlock()

	if r.onRender != nil {
		r.onRender(n)
	}
	if n < len(r.results) {
		return r.results[n].image, r.results[n].err
	}
	return pngBytes, nil
}

func (r *fakeRenderer) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (p *recordingPublisher) Publish(event models.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []models.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StatusEvent(nil), p.events...)
}

func (p *recordingPublisher) last() models.StatusEvent {
	events := p.all()
	return events[len(events)-1]
}

func (p *recordingPublisher) find(stage models.Stage, state models.StageState) []models.StatusEvent {
	var out []models.StatusEvent
	for _, e := range p.all() {
		if e.Stage == stage && e.State == state {
			out = append(out, e)
		}
	}
	return out
}

func testWorkflowSource() comfy.WorkflowSource {
	return comfy.StaticWorkflowSource{Workflow: comfy.Workflow{
		"26:24": map[string]interface{}{
			"class_type": "PrimitiveStringMultiline",
			"inputs":     map[string]interface{}{"value": ""},
		},
	}}
}

func newTestPipeline(invoker ModelInvoker, renderer ImageRenderer, source comfy.WorkflowSource) (*PipelineService, *recordingPublisher) {
	logger := utils.NewLogger(io.Discard, utils.ERROR)
	events := &recordingPublisher{}
	svc := NewPipelineService(invoker, renderer, source, events, PipelineOptions{
		MaxRetries: 3,
		Slot:       comfy.SlotPath{NodeID: "26:24"},
		Metrics:    utils.NewPipelineMetricsWith(utils.NewMetricsCollector(), logger),
		Logger:     logger,
	})
	return svc, events
}

func TestRun_ApprovedOnFirstAttempt(t *testing.T) {
	invoker := newFakeInvoker(nil)
	renderer := &fakeRenderer{}
	svc, events := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusApproved, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.NotEmpty(t, result.Story)
	assert.NotEmpty(t, result.SceneDescription)
	assert.Equal(t, "prompt 1", result.FinalPrompt)
	assert.Equal(t, "ok", result.LastFeedback)
	assert.Equal(t, pngBytes, result.Image)
	assert.Empty(t, result.Error)

	assert.Equal(t, []string{"prompt 1"}, renderer.prompts)
	assert.Equal(t, "Theme: a lonely lighthouse keeper", invoker.callsFor(roleNovelist)[0].user)

	reviews := invoker.callsFor(roleReview)
	require.Len(t, reviews, 1)
	assert.Equal(t, pngBytes, reviews[0].image)
	assert.Contains(t, reviews[0].user, result.SceneDescription)

	final := events.last()
	assert.True(t, final.IsTerminal())
	assert.Equal(t, models.StageApproved, final.State)
	require.NotNil(t, final.Artifact)
	assert.Equal(t, models.ArtifactImage, final.Artifact.Kind)
	assert.Equal(t, "image/png", final.Artifact.MimeType)
	assert.Equal(t, pngBytes, final.Artifact.Image)
	assert.False(t, svc.IsBusy())
}

func TestRun_EventOrder(t *testing.T) {
	svc, events := newTestPipeline(newFakeInvoker(nil), &fakeRenderer{}, testWorkflowSource())

	_, err := svc.Run(context.Background(), "cyberpunk detective")
	require.NoError(t, err)

	type step struct {
		stage   models.Stage
		state   models.StageState
		attempt int
	}
	expected := []step{
		{models.StagePipeline, models.StageStarted, 0},
		{models.StageStory, models.StageStarted, 0},
		{models.StageStory, models.StageCompleted, 0},
		{models.StageScene, models.StageStarted, 0},
		{models.StageScene, models.StageCompleted, 0},
		{models.StagePrompt, models.StageStarted, 1},
		{models.StagePrompt, models.StageCompleted, 1},
		{models.StageRender, models.StageStarted, 1},
		{models.StageRender, models.StageCompleted, 1},
		{models.StageReview, models.StageStarted, 1},
		{models.StageReview, models.StageApproved, 1},
		{models.StagePipeline, models.StageApproved, 0},
	}

	all := events.all()
	require.Len(t, all, len(expected))
	runID := all[0].RunID
	require.NotEmpty(t, runID)
	for i, want := range expected {
		assert.Equal(t, want.stage, all[i].Stage, "event %d", i)
		assert.Equal(t, want.state, all[i].State, "event %d", i)
		assert.Equal(t, want.attempt, all[i].Attempt, "event %d", i)
		assert.Equal(t, runID, all[i].RunID)
		assert.Equal(t, 3, all[i].MaxAttempts)
	}
	assert.Equal(t, models.RunStatusConceptInProgress, all[2].Status)
	assert.Equal(t, models.RunStatusProductionInProgress, all[6].Status)
}

func TestRun_ExhaustedAfterMaxRetries(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			return fmt.Sprintf(`{"status":"RETRY","reason":"issue %d"}`, n+1), nil
		}
		return defaultReply(role, n)
	})
	renderer := &fakeRenderer{}
	svc, events := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusExhausted, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "issue 3", result.LastFeedback)
	assert.Equal(t, 3, renderer.calls())
	assert.Len(t, invoker.callsFor(roleReview), 3)
	assert.Len(t, events.find(models.StageReview, models.StageRetry), 3)

	prompts := invoker.callsFor(rolePrompt)
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[0].user, "Scene Description:")
	assert.NotContains(t, prompts[0].user, "Previous Prompt")
	assert.Contains(t, prompts[1].user, "Previous Prompt: prompt 1")
	assert.Contains(t, prompts[1].user, "Reviewer Feedback (Fix this): issue 1")
	assert.Contains(t, prompts[2].user, "Previous Prompt: prompt 2")
	assert.Contains(t, prompts[2].user, "Reviewer Feedback (Fix this): issue 2")

	final := events.last()
	assert.True(t, final.IsTerminal())
	assert.Equal(t, models.RunStatusExhausted, final.Status)
	require.NotNil(t, final.Artifact)
	assert.Equal(t, "issue 3", final.Artifact.Text)
}

func TestRun_RenderTransportErrorContinuesToNextAttempt(t *testing.T) {
	renderer := &fakeRenderer{results: []renderResult{
		{err: appErrors.NewTransportError("渲染服务不可达", io.ErrUnexpectedEOF)},
	}}
	invoker := newFakeInvoker(nil)
	svc, events := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusApproved, result.Status)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, renderer.calls())
	assert.Len(t, invoker.callsFor(roleReview), 1)

	failed := events.find(models.StageRender, models.StageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempt)

	prompts := invoker.callsFor(rolePrompt)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1].user, "Previous Prompt: prompt 1")
	assert.True(t, strings.HasSuffix(prompts[1].user, "Reviewer Feedback (Fix this): "), prompts[1].user)
}

func TestRun_RenderFailureKeepsEarlierFeedback(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			return `{"status":"RETRY","reason":"too dark"}`, nil
		}
		return defaultReply(role, n)
	})
	renderer := &fakeRenderer{results: []renderResult{
		{image: pngBytes},
		{err: appErrors.NewTransportError("连接中断", nil)},
	}}
	svc, _ := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusExhausted, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, invoker.callsFor(roleReview), 2)

	prompts := invoker.callsFor(rolePrompt)
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[2].user, "Previous Prompt: prompt 2")
	assert.Contains(t, prompts[2].user, "Reviewer Feedback (Fix this): too dark")
}

func TestRun_NoOutputIsSoft(t *testing.T) {
	renderer := &fakeRenderer{results: []renderResult{
		{err: appErrors.NewNoOutputError("渲染完成但没有图片", nil)},
		{image: nil},
		{image: []byte{}},
	}}
	invoker := newFakeInvoker(nil)
	svc, events := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "empty frames")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusExhausted, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Empty(t, result.LastFeedback)
	assert.Nil(t, result.Image)
	assert.Empty(t, invoker.callsFor(roleReview))
	assert.Len(t, events.find(models.StageRender, models.StageFailed), 3)
	assert.Nil(t, events.last().Artifact)
}

func TestRun_RenderConfigErrorFails(t *testing.T) {
	renderer := &fakeRenderer{results: []renderResult{
		{err: appErrors.NewConfigError("注入点不存在: 26:24", nil)},
	}}
	invoker := newFakeInvoker(nil)
	svc, events := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "broken template")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Contains(t, result.Error, "注入点不存在")
	assert.Equal(t, 1, renderer.calls())
	assert.Empty(t, invoker.callsFor(roleReview))

	final := events.last()
	assert.Equal(t, models.StageFailed, final.State)
	assert.Equal(t, models.RunStatusFailed, final.Status)
}

func TestRun_WorkflowLoadFailureFails(t *testing.T) {
	invoker := newFakeInvoker(nil)
	renderer := &fakeRenderer{}
	svc, _ := newTestPipeline(invoker, renderer, comfy.StaticWorkflowSource{})

	result, err := svc.Run(context.Background(), "no template")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Equal(t, 0, result.Attempts)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, invoker.calls)
	assert.Zero(t, renderer.calls())
}

func TestRun_ModelErrorFails(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleDirector {
			return "", appErrors.NewModelError("模型调用失败", io.ErrUnexpectedEOF)
		}
		return defaultReply(role, n)
	})
	renderer := &fakeRenderer{}
	svc, events := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "模型调用失败")
	assert.NotEmpty(t, result.Story)
	assert.Empty(t, result.SceneDescription)
	assert.Zero(t, renderer.calls())
	assert.Len(t, events.find(models.StageScene, models.StageFailed), 1)
	assert.True(t, events.last().IsTerminal())
}

func TestRun_ReviewModelErrorFails(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			return "", appErrors.NewModelError("视觉模型不可用", nil)
		}
		return defaultReply(role, n)
	})
	svc, _ := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Equal(t, 1, result.Attempts)
}

func TestRun_MalformedReviewIsRetry(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			if n == 0 {
				return "not json at all", nil
			}
			return "```json\n{\"status\":\"PASS\",\"reason\":\"sharp\"}\n```", nil
		}
		return defaultReply(role, n)
	})
	svc, _ := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusApproved, result.Status)
	assert.Equal(t, 2, result.Attempts)
	prompts := invoker.callsFor(rolePrompt)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1].user, "Reviewer Feedback (Fix this): not json at all")
}

func TestRun_BlankReviewIsRetry(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			if n == 0 {
				return "  \n", nil
			}
			return `{"status":"PASS","reason":"ok"}`, nil
		}
		return defaultReply(role, n)
	})
	svc, events := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusApproved, result.Status)
	assert.Equal(t, 2, result.Attempts)
	assert.Empty(t, result.Error)
	require.Len(t, events.find(models.StageReview, models.StageRetry), 1)
	assert.Empty(t, events.find(models.StageReview, models.StageFailed))
}

func TestRun_BlankReviewsExhaust(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			return "", nil
		}
		return defaultReply(role, n)
	})
	renderer := &fakeRenderer{}
	svc, _ := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusExhausted, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, renderer.calls())
	assert.Empty(t, result.LastFeedback)
}

func TestRun_ReviewFallbackReasonKeepsPadding(t *testing.T) {
	const reply = "  too dark, the lamp is missing \n"
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			return reply, nil
		}
		return defaultReply(role, n)
	})
	svc, _ := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusExhausted, result.Status)
	assert.Equal(t, reply, result.LastFeedback)
}

func TestRun_BlankTextStageFails(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleNovelist {
			return " \n ", nil
		}
		return defaultReply(role, n)
	})
	svc, events := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "模型返回了空内容")
	assert.Empty(t, invoker.callsFor(roleDirector))
	assert.Len(t, events.find(models.StageStory, models.StageFailed), 1)
}

func TestRun_TextStagesAreTrimmed(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == rolePrompt {
			return "\n  lighthouse at night, oil painting  \n", nil
		}
		return defaultReply(role, n)
	})
	renderer := &fakeRenderer{}
	svc, _ := newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusApproved, result.Status)
	assert.Equal(t, "lighthouse at night, oil painting", result.FinalPrompt)
	require.Equal(t, 1, renderer.calls())
	assert.Equal(t, "lighthouse at night, oil painting", renderer.prompts[0])
}

func TestRun_EmptyThemeRejected(t *testing.T) {
	svc, events := newTestPipeline(newFakeInvoker(nil), &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(context.Background(), "   ")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, appErrors.IsValidationError(err))
	assert.Empty(t, events.all())
	assert.False(t, svc.IsBusy())
}

func TestRun_CancelledContextAborts(t *testing.T) {
	invoker := newFakeInvoker(nil)
	svc, _ := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Run(ctx, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, result.Status)
	assert.Empty(t, invoker.calls)
}

func TestRun_ContextCancelledDuringCallAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleDirector {
			cancel()
			return "", appErrors.NewModelError("模型调用失败", context.Canceled)
		}
		return defaultReply(role, n)
	})
	svc, events := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(ctx, "shutdown mid-call")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, result.Status)
	assert.Empty(t, result.Error)

	last := events.last()
	assert.Equal(t, models.StageCompleted, last.State)
	assert.Equal(t, models.RunStatusAborted, last.Status)
}

func TestAbort_NoRunIsNoop(t *testing.T) {
	svc, events := newTestPipeline(newFakeInvoker(nil), &fakeRenderer{}, testWorkflowSource())

	assert.False(t, svc.Abort())
	assert.False(t, svc.Abort())
	assert.Empty(t, events.all())

	// 空闲时的中止不影响下一次运行
	result, err := svc.Run(context.Background(), "after idle abort")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusApproved, result.Status)
}

func TestAbort_TwiceDuringConceptPhase(t *testing.T) {
	var svc *PipelineService
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleNovelist {
			assert.True(t, svc.Abort())
			assert.True(t, svc.Abort())
		}
		return defaultReply(role, n)
	})
	svc, events := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusAborted, result.Status)
	assert.NotEmpty(t, result.Story, "in-flight call completes before the abort is observed")
	assert.Empty(t, invoker.callsFor(roleDirector))
	assert.Empty(t, result.Error)

	final := events.last()
	assert.True(t, final.IsTerminal())
	assert.Equal(t, models.RunStatusAborted, final.Status)
	assert.Len(t, events.find(models.StagePipeline, models.StageCompleted), 1)
}

func TestAbort_ObservedBeforeRender(t *testing.T) {
	var svc *PipelineService
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == rolePrompt {
			svc.Abort()
		}
		return defaultReply(role, n)
	})
	renderer := &fakeRenderer{}
	svc, _ = newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusAborted, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "prompt 1", result.FinalPrompt)
	assert.Zero(t, renderer.calls())
}

func TestAbort_ObservedBeforeReview(t *testing.T) {
	var svc *PipelineService
	invoker := newFakeInvoker(nil)
	renderer := &fakeRenderer{onRender: func(int) { svc.Abort() }}
	svc, _ = newTestPipeline(invoker, renderer, testWorkflowSource())

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusAborted, result.Status)
	assert.Equal(t, pngBytes, result.Image)
	assert.Empty(t, invoker.callsFor(roleReview))
}

func TestAbort_DuringPacingReturnsPromptly(t *testing.T) {
	var svc *PipelineService
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview {
			svc.Abort()
			return `{"status":"RETRY","reason":"blurry"}`, nil
		}
		return defaultReply(role, n)
	})
	logger := utils.NewLogger(io.Discard, utils.ERROR)
	svc = NewPipelineService(invoker, &fakeRenderer{}, testWorkflowSource(), &recordingPublisher{}, PipelineOptions{
		MaxRetries:  3,
		PacingDelay: time.Minute,
		Slot:        comfy.SlotPath{NodeID: "26:24"},
		Metrics:     utils.NewPipelineMetricsWith(utils.NewMetricsCollector(), logger),
		Logger:      logger,
	})

	startTime := time.Now()
	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusAborted, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "blurry", result.LastFeedback)
	assert.Less(t, time.Since(startTime), 5*time.Second)
}

func TestStart_RejectsWhileRunningThenAcceptsAfterTerminal(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleNovelist && n == 0 {
			once.Do(func() { close(entered) })
			<-release
		}
		return defaultReply(role, n)
	})
	svc, events := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	firstID, err := svc.Start("first theme")
	require.NoError(t, err)
	require.NotEmpty(t, firstID)
	<-entered

	_, err = svc.Start("second theme")
	require.Error(t, err)
	assert.True(t, appErrors.IsAlreadyRunningError(err))
	assert.True(t, svc.IsBusy())

	assert.True(t, svc.Abort())
	close(release)
	svc.Wait()

	assert.False(t, svc.IsBusy())
	first := events.last()
	assert.Equal(t, firstID, first.RunID)
	assert.Equal(t, models.RunStatusAborted, first.Status)

	secondID, err := svc.Start("second theme")
	require.NoError(t, err)
	svc.Wait()

	assert.NotEqual(t, firstID, secondID)
	second := events.last()
	assert.Equal(t, secondID, second.RunID)
	assert.Equal(t, models.RunStatusApproved, second.Status)

	novelist := invoker.callsFor(roleNovelist)
	require.Len(t, novelist, 2)
	assert.Equal(t, "Theme: second theme", novelist[1].user)
}

func TestRun_StateClearedBetweenRuns(t *testing.T) {
	invoker := newFakeInvoker(func(role string, n int) (string, error) {
		if role == roleReview && n < 3 {
			return `{"status":"RETRY","reason":"stale feedback"}`, nil
		}
		return defaultReply(role, n)
	})
	svc, _ := newTestPipeline(invoker, &fakeRenderer{}, testWorkflowSource())

	first, err := svc.Run(context.Background(), "first")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusExhausted, first.Status)

	second, err := svc.Run(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusApproved, second.Status)
	assert.NotEqual(t, first.RunID, second.RunID)

	prompts := invoker.callsFor(rolePrompt)
	require.Len(t, prompts, 4)
	assert.NotContains(t, prompts[3].user, "stale feedback")
	assert.NotContains(t, prompts[3].user, "Previous Prompt")
}

func TestRun_FeedsStatusHub(t *testing.T) {
	hub := NewStatusHub()
	logger := utils.NewLogger(io.Discard, utils.ERROR)
	svc := NewPipelineService(newFakeInvoker(nil), &fakeRenderer{}, testWorkflowSource(), hub, PipelineOptions{
		Metrics: utils.NewPipelineMetricsWith(utils.NewMetricsCollector(), logger),
		Logger:  logger,
	})

	result, err := svc.Run(context.Background(), "a lonely lighthouse keeper")
	require.NoError(t, err)

	snapshot := hub.Snapshot()
	assert.Equal(t, result.RunID, snapshot.RunID)
	assert.Equal(t, models.RunStatusApproved, snapshot.Status)
	assert.False(t, snapshot.Busy)
	assert.Equal(t, "a lonely lighthouse keeper", snapshot.Theme)
	assert.Equal(t, result.Story, snapshot.Story)
	assert.Equal(t, result.SceneDescription, snapshot.SceneDescription)
	assert.Equal(t, "prompt 1", snapshot.CurrentPrompt)
	assert.Equal(t, "ok", snapshot.LastFeedback)
	assert.Equal(t, DefaultMaxRetries, snapshot.MaxAttempts)

	image, mime, ok := hub.LatestImage()
	require.True(t, ok)
	assert.Equal(t, pngBytes, image)
	assert.Equal(t, "image/png", mime)
}
