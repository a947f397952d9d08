// internal/comfy/workflow.go
package comfy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
)

// Workflow ComfyUI API 格式的任务图: 节点ID -> 节点定义
type Workflow map[string]interface{}

// SlotPath 提示词注入点
type SlotPath struct {
	NodeID string
	Field  string // 为空时优先 inputs.value，其次 inputs.text
}

// String 返回可被 ParseSlotPath 解析回来的形式
func (s SlotPath) String() string {
	if s.Field == "" {
		return s.NodeID
	}
	return s.NodeID + "/" + s.Field
}

// ParseSlotPath 解析 "26:24" 或 "26:24/text"
func ParseSlotPath(raw string) (SlotPath, error) {
	nodeID, field, _ := strings.Cut(strings.TrimSpace(raw), "/")
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return SlotPath{}, apperrors.NewConfigError(fmt.Sprintf("无效的注入点 %q", raw), nil)
	}
	return SlotPath{NodeID: nodeID, Field: strings.TrimSpace(field)}, nil
}

// WorkflowSource 每次运行开始时提供工作流模板
type WorkflowSource interface {
	Load() (Workflow, error)
}

// FileWorkflowSource 从磁盘读取工作流模板
type FileWorkflowSource struct {
	Path string
}

// Load 实现 WorkflowSource
func (s FileWorkflowSource) Load() (Workflow, error) {
	return LoadWorkflow(s.Path)
}

// StaticWorkflowSource 直接返回内存中的模板（每次返回副本）
type StaticWorkflowSource struct {
	Workflow Workflow
}

// Load 实现 WorkflowSource
func (s StaticWorkflowSource) Load() (Workflow, error) {
	if s.Workflow == nil {
		return nil, apperrors.NewConfigError("未提供工作流模板", nil)
	}
	return s.Workflow.Clone()
}

// LoadWorkflow 读取并解析工作流 JSON 文件
func LoadWorkflow(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("读取工作流文件 %s 失败", path), err)
	}

	wf, err := decodeWorkflow(data)
	if err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("解析工作流文件 %s 失败", path), err)
	}
	if len(wf) == 0 {
		return nil, apperrors.NewConfigError(fmt.Sprintf("工作流文件 %s 为空", path), nil)
	}
	return wf, nil
}

// Clone 深拷贝，注入提示词时不能修改调用方的模板
func (w Workflow) Clone() (Workflow, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, apperrors.NewConfigError("复制工作流模板失败", err)
	}
	out, err := decodeWorkflow(data)
	if err != nil {
		return nil, apperrors.NewConfigError("复制工作流模板失败", err)
	}
	return out, nil
}

// decodeWorkflow 数字保留为 json.Number，种子等大整数原样提交
func decodeWorkflow(data []byte) (Workflow, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var wf Workflow
	if err := decoder.Decode(&wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// InjectPrompt 返回在注入点写入提示词后的模板副本
func InjectPrompt(w Workflow, slot SlotPath, promptText string) (Workflow, error) {
	out, err := w.Clone()
	if err != nil {
		return nil, err
	}

	node, ok := out[slot.NodeID].(map[string]interface{})
	if !ok {
		return nil, apperrors.NewConfigError(fmt.Sprintf("工作流中不存在节点 %s", slot.NodeID), nil)
	}
	inputs, ok := node["inputs"].(map[string]interface{})
	if !ok {
		return nil, apperrors.NewConfigError(fmt.Sprintf("节点 %s 没有 inputs", slot.NodeID), nil)
	}

	field, err := resolveField(inputs, slot)
	if err != nil {
		return nil, err
	}
	inputs[field] = promptText
	return out, nil
}

func resolveField(inputs map[string]interface{}, slot SlotPath) (string, error) {
	if slot.Field != "" {
		if _, ok := inputs[slot.Field]; !ok {
			return "", apperrors.NewConfigError(fmt.Sprintf("节点 %s 的 inputs 中不存在字段 %s", slot.NodeID, slot.Field), nil)
		}
		return slot.Field, nil
	}
	for _, candidate := range []string{"value", "text"} {
		if _, ok := inputs[candidate]; ok {
			return candidate, nil
		}
	}
	return "", apperrors.NewConfigError(fmt.Sprintf("节点 %s 的 inputs 中既没有 value 也没有 text", slot.NodeID), nil)
}
