// internal/models/pipeline.go
package models

import "time"

// RunStatus 流水线运行状态
type RunStatus string

const (
	RunStatusIdle                 RunStatus = "idle"
	RunStatusConceptInProgress    RunStatus = "concept_in_progress"
	RunStatusProductionInProgress RunStatus = "production_in_progress"
	RunStatusApproved             RunStatus = "approved"
	RunStatusExhausted            RunStatus = "exhausted"
	RunStatusAborted              RunStatus = "aborted"
	RunStatusFailed               RunStatus = "failed"
)

// IsTerminal 终态之后控制器可以接受新的启动
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusApproved, RunStatusExhausted, RunStatusAborted, RunStatusFailed:
		return true
	}
	return false
}

// PipelineRun 一次用户请求的完整工作单元，仅由流水线控制器持有
type PipelineRun struct {
	ID               string
	Theme            string
	Story            string
	SceneDescription string
	Attempt          int // 从0开始，小于 MaxRetries
	MaxRetries       int
	CurrentPrompt    string
	LastFeedback     string
	RenderedImage    []byte
	Status           RunStatus
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Result 生成终态快照；图片字节会被复制
func (r *PipelineRun) Result(attempts int, errMsg string) *RunResult {
	var image []byte
	if len(r.RenderedImage) > 0 {
		image = append([]byte(nil), r.RenderedImage...)
	}
	return &RunResult{
		RunID:            r.ID,
		Theme:            r.Theme,
		Status:           r.Status,
		Story:            r.Story,
		SceneDescription: r.SceneDescription,
		FinalPrompt:      r.CurrentPrompt,
		LastFeedback:     r.LastFeedback,
		Image:            image,
		Attempts:         attempts,
		Error:            errMsg,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

// RunResult 运行结束后返回给调用方的结果
type RunResult struct {
	RunID            string    `json:"run_id"`
	Theme            string    `json:"theme"`
	Status           RunStatus `json:"status"`
	Story            string    `json:"story,omitempty"`
	SceneDescription string    `json:"scene_description,omitempty"`
	FinalPrompt      string    `json:"final_prompt,omitempty"`
	LastFeedback     string    `json:"last_feedback,omitempty"`
	Image            []byte    `json:"-"`
	Attempts         int       `json:"attempts"` // 实际执行的生产循环次数
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// ReviewVerdict 由审阅回复解析得到的结构化结论
type ReviewVerdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}
