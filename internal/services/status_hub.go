// internal/services/status_hub.go
package services

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/models"
)

const subscriberBuffer = 64

// EventPublisher 控制器只依赖发布能力
type EventPublisher interface {
	Publish(event models.StatusEvent)
}

// PipelineSnapshot 由事件累积出的最近状态，展示层只读这一份
type PipelineSnapshot struct {
	RunID            string                              `json:"run_id,omitempty"`
	Theme            string                              `json:"theme,omitempty"`
	Status           models.RunStatus                    `json:"status"`
	Busy             bool                                `json:"busy"`
	Attempt          int                                 `json:"attempt"`
	MaxAttempts      int                                 `json:"max_attempts"`
	Story            string                              `json:"story,omitempty"`
	SceneDescription string                              `json:"scene_description,omitempty"`
	CurrentPrompt    string                              `json:"current_prompt,omitempty"`
	LastFeedback     string                              `json:"last_feedback,omitempty"`
	Message          string                              `json:"message,omitempty"`
	HasImage         bool                                `json:"has_image"`
	Stages           map[models.Stage]models.StatusEvent `json:"stages"`
	UpdatedAt        time.Time                           `json:"updated_at"`
}

// StatusHub 将 StatusEvent 扇出给所有订阅者，并维护最近状态快照
type StatusHub struct {
	mutex       sync.RWMutex
	subscribers map[chan models.StatusEvent]bool
	snapshot    PipelineSnapshot
	image       []byte
	imageMime   string
	dropped     atomic.Int64
}

// NewStatusHub 创建事件中心
func NewStatusHub() *StatusHub {
	return &StatusHub{
		subscribers: make(map[chan models.StatusEvent]bool),
		snapshot: PipelineSnapshot{
			Status: models.RunStatusIdle,
			Stages: make(map[models.Stage]models.StatusEvent),
		},
	}
}

// Publish 记录事件并通知所有订阅者
func (h *StatusHub) Publish(event models.StatusEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.apply(event)

	for subscriber := range h.subscribers {
		// 非阻塞发送，如果通道已满则跳过
		select {
		case subscriber <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// apply 根据事件更新快照，调用方持有写锁
func (h *StatusHub) apply(event models.StatusEvent) {
	if event.RunID != "" && event.RunID != h.snapshot.RunID {
		h.snapshot = PipelineSnapshot{
			RunID:  event.RunID,
			Stages: make(map[models.Stage]models.StatusEvent),
		}
		h.image = nil
		h.imageMime = ""
	}

	s := &h.snapshot
	s.Status = event.Status
	s.Busy = event.Status != models.RunStatusIdle && !event.Status.IsTerminal()
	s.MaxAttempts = event.MaxAttempts
	if event.Attempt > 0 {
		s.Attempt = event.Attempt
	}
	s.Message = event.Message
	s.UpdatedAt = event.Timestamp

	stored := event
	if event.Artifact != nil && event.Artifact.Kind == models.ArtifactImage {
		// 图片单独保存，快照里不重复携带字节
		h.image = append([]byte(nil), event.Artifact.Image...)
		h.imageMime = event.Artifact.MimeType
		stored.Artifact = &models.Artifact{Kind: models.ArtifactImage, MimeType: event.Artifact.MimeType}
	}
	s.Stages[event.Stage] = stored
	s.HasImage = len(h.image) > 0

	if event.Artifact == nil || event.Artifact.Kind != models.ArtifactText {
		return
	}
	text := event.Artifact.Text
	switch {
	case event.Stage == models.StagePipeline && event.State == models.StageStarted:
		s.Theme = text
	case event.Stage == models.StageStory && event.State == models.StageCompleted:
		s.Story = text
	case event.Stage == models.StageScene && event.State == models.StageCompleted:
		s.SceneDescription = text
	case event.Stage == models.StagePrompt && event.State == models.StageCompleted:
		s.CurrentPrompt = text
	case event.Stage == models.StageReview:
		s.LastFeedback = text
	case event.Stage == models.StagePipeline && event.Status == models.RunStatusExhausted:
		s.LastFeedback = text
	}
}

// Subscribe 订阅事件流，返回的函数用于取消订阅
func (h *StatusHub) Subscribe() (<-chan models.StatusEvent, func()) {
	subscriber := make(chan models.StatusEvent, subscriberBuffer)

	h.mutex.Lock()
	h.subscribers[subscriber] = true
	h.mutex.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mutex.Lock()
			defer h.mutex.Unlock()
			delete(h.subscribers, subscriber)
			close(subscriber)
		})
	}
	return subscriber, unsubscribe
}

// SubscriberCount 当前订阅者数量
func (h *StatusHub) SubscriberCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// Dropped 因订阅者缓冲区已满而丢弃的事件数
func (h *StatusHub) Dropped() int64 {
	return h.dropped.Load()
}

// Snapshot 返回快照副本
func (h *StatusHub) Snapshot() PipelineSnapshot {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	snapshot := h.snapshot
	snapshot.Stages = make(map[models.Stage]models.StatusEvent, len(h.snapshot.Stages))
	for stage, event := range h.snapshot.Stages {
		snapshot.Stages[stage] = event
	}
	return snapshot
}

// LatestImage 最近一次渲染得到的图片
func (h *StatusHub) LatestImage() ([]byte, string, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(h.image) == 0 {
		return nil, "", false
	}
	return append([]byte(nil), h.image...), h.imageMime, true
}
