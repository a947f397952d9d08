// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 默认值与源工作流保持一致
const (
	DefaultComfyAddress = "127.0.0.1:8188"
	DefaultWorkflowFile = "image_netayume_lumina_t2i.json"
	DefaultPromptNodeID = "26:24"
	DefaultLLMProvider  = "ollama"
	DefaultLLMModel     = "gemma3:27b-it-q4_K_M"
	DefaultMaxRetries   = 3
	DefaultPacingDelay  = 2 * time.Second
	DefaultStartLimit   = 10 // 每分钟每个IP
)

// Config 存储应用配置
type Config struct {
	// 基础配置
	Port      string
	LogDir    string
	LogLevel  string
	DebugMode bool

	// 图像生成服务
	ComfyAddress string
	WorkflowFile string
	PromptNodeID string
	PromptField  string // 为空时自动选择 value / text

	// LLM相关配置
	LLMProvider string
	LLMModel    string
	LLMBaseURL  string
	LLMAPIKey   string

	LLMMinInterval time.Duration // 两次模型调用的最小间隔，0 不限

	// 流水线
	MaxRetries  int
	PacingDelay time.Duration

	// 控制面
	StartRateLimit int // 0 表示不限流

	TraceStdout bool
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	maxRetries, err := getEnvInt("MAX_RETRIES", DefaultMaxRetries)
	if err != nil {
		return nil, err
	}
	pacing, err := getEnvDuration("PACING_DELAY", DefaultPacingDelay)
	if err != nil {
		return nil, err
	}
	llmInterval, err := getEnvDuration("LLM_MIN_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	startLimit, err := getEnvInt("START_RATE_LIMIT", DefaultStartLimit)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Port:      getEnv("PORT", "8080"),
		LogDir:    getEnv("LOG_DIR", "logs"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		DebugMode: getEnvBool("DEBUG_MODE", false),

		ComfyAddress: getEnv("COMFYUI_ADDRESS", DefaultComfyAddress),
		WorkflowFile: getEnv("WORKFLOW_FILE", DefaultWorkflowFile),
		PromptNodeID: getEnv("PROMPT_NODE_ID", DefaultPromptNodeID),
		PromptField:  getEnv("PROMPT_FIELD", ""),

		LLMProvider: getEnv("LLM_PROVIDER", DefaultLLMProvider),
		LLMModel:    getEnv("LLM_MODEL", DefaultLLMModel),
		LLMBaseURL:  getEnv("LLM_BASE_URL", ""),
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),

		LLMMinInterval: llmInterval,

		MaxRetries:  maxRetries,
		PacingDelay: pacing,

		StartRateLimit: startLimit,
		TraceStdout:    getEnvBool("TRACE_STDOUT", false),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.LLMProvider != "ollama" && config.LLMAPIKey == "" {
		// 只记录警告，不返回错误
		log.Printf("警告: 未设置 LLM_API_KEY，提供者 %s 可能无法调用", config.LLMProvider)
	}

	return config, nil
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES 必须为正整数，当前为 %d", c.MaxRetries)
	}
	if c.PacingDelay < 0 {
		return fmt.Errorf("PACING_DELAY 不能为负数")
	}
	if c.LLMMinInterval < 0 {
		return fmt.Errorf("LLM_MIN_INTERVAL 不能为负数")
	}
	if c.StartRateLimit < 0 {
		return fmt.Errorf("START_RATE_LIMIT 不能为负数")
	}
	if strings.TrimSpace(c.ComfyAddress) == "" {
		return fmt.Errorf("COMFYUI_ADDRESS 不能为空")
	}
	if strings.TrimSpace(c.PromptNodeID) == "" {
		return fmt.Errorf("PROMPT_NODE_ID 不能为空")
	}
	return nil
}

// ProviderConfig 生成传给 LLM 提供者的配置表
func (c *Config) ProviderConfig() map[string]string {
	cfg := map[string]string{
		"default_model": c.LLMModel,
	}
	if c.LLMBaseURL != "" {
		cfg["base_url"] = c.LLMBaseURL
	}
	if c.LLMAPIKey != "" {
		cfg["api_key"] = c.LLMAPIKey
	}
	return cfg
}

// PromptSlot 返回提示词注入点的定位串，供 comfy.ParseSlotPath 解析
func (c *Config) PromptSlot() string {
	if c.PromptField == "" {
		return c.PromptNodeID
	}
	return c.PromptNodeID + "/" + c.PromptField
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	return n, nil
}

// getEnvDuration 同时接受 "1500ms" 这类时长和纯秒数
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	return d, nil
}
