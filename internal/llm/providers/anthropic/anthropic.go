// internal/llm/providers/anthropic/anthropic.go
package anthropic

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

// 未指定时的输出上限，messages 接口要求必填
const defaultMaxTokens = 1024

func init() {
	llm.Register("anthropic", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"claude-sonnet-4-5",
				"claude-3-7-sonnet-latest",
				"claude-3-5-haiku-latest",
			},
			baseURL:    "https://api.anthropic.com",
			apiVersion: "2023-06-01",
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	apiVersion        string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("anthropic api密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "claude-sonnet-4-5"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = strings.TrimSuffix(baseURL, "/")
	}

	if apiVersion, exists := config["api_version"]; exists && apiVersion != "" {
		p.apiVersion = apiVersion
	}

	return nil
}

func (p *Provider) GetName() string {
	return "Anthropic Claude"
}

func (p *Provider) GetSupportedModels() []string {
	return p.recommendedModels
}

// buildContent 图片块在前，文本块在后
func buildContent(prompt string, images [][]byte) []map[string]interface{} {
	blocks := make([]map[string]interface{}, 0, len(images)+1)
	for _, img := range images {
		mime := http.DetectContentType(img)
		if !strings.HasPrefix(mime, "image/") {
			mime = "image/png"
		}
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]string{
				"type":       "base64",
				"media_type": mime,
				"data":       base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	return append(blocks, map[string]interface{}{"type": "text", "text": prompt})
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	requestBody := map[string]interface{}{
		"model": model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": buildContent(req.Prompt, req.Images)},
		},
		"max_tokens": maxTokens,
	}
	if req.Temperature > 0 {
		requestBody["temperature"] = req.Temperature
	}
	if req.SystemPrompt != "" {
		requestBody["system"] = req.SystemPrompt
	}
	for k, v := range req.ExtraParams {
		requestBody[k] = v
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", p.apiVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4<<10))
		return nil, fmt.Errorf("anthropic api错误(%d): %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response struct {
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	// 拼接所有文本块
	var textContent strings.Builder
	for _, content := range response.Content {
		if content.Type == "text" {
			textContent.WriteString(content.Text)
		}
	}

	if textContent.Len() == 0 {
		return nil, errors.New("Anthropic未返回文本内容")
	}

	modelName := response.Model
	if modelName == "" {
		modelName = model
	}

	return &llm.CompletionResponse{
		Text:         textContent.String(),
		FinishReason: response.StopReason,
		TokensUsed:   response.Usage.InputTokens + response.Usage.OutputTokens,
		PromptTokens: response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		ModelName:    modelName,
		ProviderName: p.GetName(),
	}, nil
}
