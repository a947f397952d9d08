// internal/review/parser.go
package review

import (
	"encoding/json"
	"strings"

	"github.com/Corphon/StoryboardMCP/internal/models"
)

// StatusPass 唯一表示通过的状态值，大小写敏感
const StatusPass = "PASS"

// 模型常把答案包在代码块里
var fenceReplacer = strings.NewReplacer("```json", "", "```", "")

// reviewPayload 审阅回复的期望格式: {"status": "PASS"|"RETRY", "reason": "..."}
type reviewPayload struct {
	Status *string `json:"status"`
	Reason *string `json:"reason"`
}

// StripFences 移除代码块标记并去掉首尾空白
func StripFences(raw string) string {
	return strings.TrimSpace(fenceReplacer.Replace(raw))
}

// Parse 从审阅模型的自由文本回复中提取结论。
//
// 解析失败或缺少 status 时视为不通过，reason 为完整的原始回复，
// 保证格式不合规时反馈也不会丢失。只有 status 严格等于 "PASS" 才算通过。
func Parse(raw string) models.ReviewVerdict {
	fallback := models.ReviewVerdict{Approved: false, Reason: raw}

	var payload reviewPayload
	if err := json.Unmarshal([]byte(StripFences(raw)), &payload); err != nil {
		return fallback
	}
	if payload.Status == nil {
		return fallback
	}

	reason := raw
	if payload.Reason != nil {
		reason = *payload.Reason
	}

	return models.ReviewVerdict{
		Approved: *payload.Status == StatusPass,
		Reason:   reason,
	}
}
