// internal/models/event.go
package models

import "time"

// Stage 流水线阶段
type Stage string

const (
	StagePipeline Stage = "pipeline"
	StageStory    Stage = "story"
	StageScene    Stage = "scene"
	StagePrompt   Stage = "prompt"
	StageRender   Stage = "render"
	StageReview   Stage = "review"
)

// Stages 按执行顺序排列的阶段，供展示层布局
var Stages = []Stage{StageStory, StageScene, StagePrompt, StageRender, StageReview}

// StageState 单个阶段的状态变化
type StageState string

const (
	StageStarted   StageState = "started"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
	StageRetry     StageState = "retry"
	StageApproved  StageState = "approved"
)

// ArtifactKind 事件附带产物的类型
type ArtifactKind string

const (
	ArtifactText  ArtifactKind = "text"
	ArtifactImage ArtifactKind = "image"
)

// Artifact 事件附带的文本或图片
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	Text     string       `json:"text,omitempty"`
	Image    []byte       `json:"image,omitempty"` // JSON 中为 base64
	MimeType string       `json:"mime_type,omitempty"`
}

// TextArtifact 构造文本产物
func TextArtifact(text string) *Artifact {
	return &Artifact{Kind: ArtifactText, Text: text}
}

// ImageArtifact 构造图片产物
func ImageArtifact(image []byte, mimeType string) *Artifact {
	return &Artifact{Kind: ArtifactImage, Image: image, MimeType: mimeType}
}

// StatusEvent 控制器发往展示层的单向通知，不需要确认
type StatusEvent struct {
	RunID       string     `json:"run_id"`
	Stage       Stage      `json:"stage"`
	State       StageState `json:"state"`
	Status      RunStatus  `json:"status"`
	Attempt     int        `json:"attempt"` // 从1开始，概念阶段为0
	MaxAttempts int        `json:"max_attempts"`
	Message     string     `json:"message"`
	Artifact    *Artifact  `json:"artifact,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// IsTerminal 该事件是否为本次运行的最后一条
func (e StatusEvent) IsTerminal() bool {
	return e.Stage == StagePipeline && e.Status.IsTerminal()
}
