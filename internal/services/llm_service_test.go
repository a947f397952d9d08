package services

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryboardMCP/internal/config"
	appErrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/utils"
)

type stubProvider struct {
	lastReq llm.CompletionRequest
	resp    *llm.CompletionResponse
	err     error
}

func (p *stubProvider) Initialize(map[string]string) error { return nil }
func (p *stubProvider) GetName() string                    { return "stub" }
func (p *stubProvider) GetSupportedModels() []string       { return []string{"stub-model"} }

func (p *stubProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.lastReq = req
	return p.resp, p.err
}

func newTestLLMService(provider llm.Provider) (*LLMService, *utils.MetricsCollector) {
	collector := utils.NewMetricsCollector()
	metrics := utils.NewPipelineMetricsWith(collector, utils.NewLogger(io.Discard, utils.ERROR))
	return NewLLMServiceWithProvider("stub", provider, "stub-model", metrics), collector
}

func TestInvoke_BuildsRequestWithImage(t *testing.T) {
	provider := &stubProvider{resp: &llm.CompletionResponse{Text: "  a story  ", TokensUsed: 12}}
	svc, collector := newTestLLMService(provider)

	text, err := svc.Invoke(context.Background(), "system", "user", []byte("img"))
	require.NoError(t, err)

	assert.Equal(t, "  a story  ", text, "reply is returned verbatim")
	assert.Equal(t, "system", provider.lastReq.SystemPrompt)
	assert.Equal(t, "user", provider.lastReq.Prompt)
	assert.Equal(t, "stub-model", provider.lastReq.Model)
	assert.Equal(t, [][]byte{[]byte("img")}, provider.lastReq.Images)
	assert.Equal(t, int64(1), collector.GetCounterValue("llm_requests_stub"))
	assert.Equal(t, int64(12), collector.GetCounterValue("llm_tokens_total"))
}

func TestInvoke_NoImageSendsNoAttachment(t *testing.T) {
	provider := &stubProvider{resp: &llm.CompletionResponse{Text: "ok"}}
	svc, _ := newTestLLMService(provider)

	_, err := svc.Invoke(context.Background(), "system", "user", nil)
	require.NoError(t, err)
	assert.Nil(t, provider.lastReq.Images)
}

func TestInvoke_ErrorsBecomeModelErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
	}{
		{"provider error", &stubProvider{err: errors.New("connection refused")}},
		{"no provider", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, collector := newTestLLMService(tt.provider)
			_, err := svc.Invoke(context.Background(), "system", "user", nil)
			require.Error(t, err)
			assert.True(t, appErrors.IsModelError(err), err.Error())
			if tt.provider != nil {
				assert.Equal(t, int64(1), collector.GetCounterValue("errors_model_error"))
			}
		})
	}
}

func TestInvoke_BlankReplyIsReturnedAsIs(t *testing.T) {
	provider := &stubProvider{resp: &llm.CompletionResponse{Text: " \n "}}
	svc, collector := newTestLLMService(provider)

	text, err := svc.Invoke(context.Background(), "system", "user", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, " \n ", text)
	assert.Zero(t, collector.GetCounterValue("errors_model_error"))
}

func TestNewLLMService_UnknownProviderIsConfigError(t *testing.T) {
	_, err := NewLLMService(&config.Config{LLMProvider: "does-not-exist"}, nil)
	require.Error(t, err)
	assert.True(t, appErrors.IsConfigError(err))
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

type countingProvider struct {
	stubProvider
	calls int
}

func (p *countingProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.calls++
	return &llm.CompletionResponse{Text: "ok"}, nil
}

func TestInvoke_MinIntervalThrottlesCalls(t *testing.T) {
	provider := &countingProvider{}
	svc, _ := newTestLLMService(provider)
	svc.SetMinInterval(time.Hour)

	_, err := svc.Invoke(context.Background(), "system", "first", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Invoke(ctx, "system", "second", nil)
	require.Error(t, err)
	assert.True(t, appErrors.IsModelError(err))
	assert.Equal(t, 1, provider.calls)

	svc.SetMinInterval(0)
	_, err = svc.Invoke(context.Background(), "system", "third", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}
