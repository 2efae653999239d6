// internal/services/events.go
package services

import "time"

// 推送给会话订阅者的事件类型
const (
	EventGenerationStarted    = "generation_started"
	EventGenerationCompleted  = "generation_completed"
	EventGenerationSuperseded = "generation_superseded"
	EventGenerationCancelled  = "generation_cancelled"
	EventSessionReset         = "session_reset"
	EventViewSelected         = "view_selected"
)

// StudioEvent 会话状态变化事件
type StudioEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventSink 事件接收者，Publish 不能阻塞
type EventSink interface {
	Publish(event StudioEvent)
}

// noopSink 丢弃所有事件
type noopSink struct{}

func (noopSink) Publish(StudioEvent) {}

// EventRecorder 在内存中记录事件，供控制台和测试读取
type EventRecorder struct {
	events chan StudioEvent
}

// NewEventRecorder 最多缓冲 size 个事件，满时丢弃新事件
func NewEventRecorder(size int) *EventRecorder {
	if size <= 0 {
		size = 32
	}
	return &EventRecorder{events: make(chan StudioEvent, size)}
}

// Publish 实现 EventSink
func (r *EventRecorder) Publish(event StudioEvent) {
	select {
	case r.events <- event:
	default:
	}
}

// Events 返回事件通道
func (r *EventRecorder) Events() <-chan StudioEvent {
	return r.events
}

// Drain 取出所有已缓冲的事件
func (r *EventRecorder) Drain() []StudioEvent {
	var out []StudioEvent
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
