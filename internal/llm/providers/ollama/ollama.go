// internal/llm/providers/ollama/ollama.go
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Corphon/StoryboardMCP/internal/llm"
)

func init() {
	llm.Register("ollama", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"gemma3:27b-it-q4_K_M",
				"gemma3:12b",
				"llava:13b",
				"qwen2.5vl:7b",
			},
			baseURL: "http://127.0.0.1:11434",
		}
	})
}

// Provider 通过 Ollama /api/chat 调用本地模型
type Provider struct {
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
}

func (p *Provider) Initialize(config map[string]string) error {
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gemma3:27b-it-q4_K_M"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}
	p.baseURL = strings.TrimSuffix(p.baseURL, "/")

	return nil
}

func (p *Provider) GetName() string {
	return "Ollama"
}

func (p *Provider) GetSupportedModels() []string {
	return p.recommendedModels
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64，不带 data: 前缀
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	userMessage := chatMessage{Role: "user", Content: req.Prompt}
	for _, img := range req.Images {
		userMessage.Images = append(userMessage.Images, base64.StdEncoding.EncodeToString(img))
	}

	messages := []chatMessage{userMessage}
	if req.SystemPrompt != "" {
		// 在前面添加系统提示
		messages = append([]chatMessage{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
		"stream":   false,
	}

	options := map[string]interface{}{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		requestBody["options"] = options
	}
	for k, v := range req.ExtraParams {
		requestBody[k] = v
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4<<10))
		return nil, fmt.Errorf("Ollama API错误(%d): %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, errors.New("Ollama返回错误: " + response.Error)
	}

	return &llm.CompletionResponse{
		Text:         response.Message.Content,
		FinishReason: response.DoneReason,
		TokensUsed:   response.PromptEvalCount + response.EvalCount,
		PromptTokens: response.PromptEvalCount,
		OutputTokens: response.EvalCount,
		ModelName:    response.Model,
		ProviderName: p.GetName(),
	}, nil
}
