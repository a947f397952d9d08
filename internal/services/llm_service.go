// internal/services/llm_service.go
package services

import (
	"context"
	"sync"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/config"
	appErrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"golang.org/x/time/rate"
)

// ModelInvoker 向语言模型发送角色指令和上下文，返回文本回复
type ModelInvoker interface {
	Invoke(ctx context.Context, systemInstruction, userContent string, image []byte) (string, error)
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	defaultModel  string
	limiter       *rate.Limiter // nil 表示不限流
	metrics       *utils.PipelineMetrics
	logger        *utils.Logger
}

// NewLLMService 根据配置创建LLM服务
func NewLLMService(cfg *config.Config, metrics *utils.PipelineMetrics) (*LLMService, error) {
	if cfg == nil {
		return nil, appErrors.NewConfigError("缺少配置", nil)
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.ProviderConfig())
	if err != nil {
		return nil, appErrors.NewConfigError("初始化LLM提供者失败: "+cfg.LLMProvider, err)
	}

	service := NewLLMServiceWithProvider(cfg.LLMProvider, provider, cfg.LLMModel, metrics)
	service.SetMinInterval(cfg.LLMMinInterval)
	return service, nil
}

// NewLLMServiceWithProvider 使用已初始化的提供者创建服务
func NewLLMServiceWithProvider(name string, provider llm.Provider, model string, metrics *utils.PipelineMetrics) *LLMService {
	if metrics == nil {
		metrics = utils.NewPipelineMetrics()
	}
	return &LLMService{
		provider:     provider,
		providerName: name,
		defaultModel: model,
		metrics:      metrics,
		logger:       utils.GetLogger(),
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil
}

// GetProviderName 当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// GetDefaultModel 当前默认模型
func (s *LLMService) GetDefaultModel() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.defaultModel
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := llm.GetProvider(providerName, cfg)
	if err != nil {
		return appErrors.NewConfigError("切换LLM提供者失败: "+providerName, err)
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	if model := cfg["default_model"]; model != "" {
		s.defaultModel = model
	}
	return nil
}

// SetMinInterval 两次模型调用之间的最小间隔，0 表示不限流
func (s *LLMService) SetMinInterval(interval time.Duration) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	if interval <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Every(interval), 1)
}

// Invoke 单次阻塞调用，不重试也不流式返回。image 非空时作为附件随用户消息发送。
// 回复原样返回，空内容由调用方判断
func (s *LLMService) Invoke(ctx context.Context, systemInstruction, userContent string, image []byte) (string, error) {
	s.providerMutex.RLock()
	provider := s.provider
	providerName := s.providerName
	model := s.defaultModel
	limiter := s.limiter
	s.providerMutex.RUnlock()

	if provider == nil {
		return "", appErrors.NewModelError("LLM服务未就绪", nil)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", appErrors.NewModelError("等待模型调用配额失败", err)
		}
	}

	req := llm.CompletionRequest{
		Prompt:       userContent,
		SystemPrompt: systemInstruction,
		Model:        model,
	}
	if len(image) > 0 {
		req.Images = [][]byte{image}
	}

	startTime := time.Now()
	resp, err := provider.CompleteText(ctx, req)
	duration := time.Since(startTime)

	if err != nil {
		s.metrics.RecordError(string(appErrors.ErrorTypeModel), "llm")
		s.logger.Error("LLM request failed", map[string]interface{}{
			"provider": providerName,
			"model":    model,
			"error":    err.Error(),
		})
		return "", appErrors.NewModelError("模型调用失败", err)
	}

	s.metrics.RecordLLMRequest(providerName, model, resp.TokensUsed, duration)

	return resp.Text, nil
}
