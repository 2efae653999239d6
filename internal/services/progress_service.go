// internal/services/progress_service.go
package services

import (
	"sync"
	"time"
)

// 任务状态
const (
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSuperseded = "superseded"
	StatusCancelled  = "cancelled"
)

// ProgressUpdate 进度更新
type ProgressUpdate struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"` // 0-100
	Message  string `json:"message"`
	Status   string `json:"status"`
}

// IsFinal 是否为最终状态
func (u ProgressUpdate) IsFinal() bool {
	return u.Status != StatusRunning
}

// ProgressTracker 生成任务进度跟踪器
type ProgressTracker struct {
	TaskID      string
	Progress    int
	Message     string
	Status      string
	StartTime   time.Time
	UpdateTime  time.Time
	Subscribers map[chan ProgressUpdate]bool
	Done        chan struct{}
	mutex       sync.Mutex
}

// ProgressService 进度服务
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 创建跟踪器，已存在时直接返回
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      taskID,
		Message:     "Queued",
		Status:      StatusRunning,
		StartTime:   now,
		UpdateTime:  now,
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}

	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// Count 跟踪中的任务数
func (s *ProgressService) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.trackers)
}

// snapshot 根据当前状态生成更新，调用方需持有 t.mutex
func (t *ProgressTracker) snapshot() ProgressUpdate {
	return ProgressUpdate{
		TaskID:   t.TaskID,
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}
}

// notify 非阻塞地通知所有订阅者，调用方需持有 t.mutex
func (t *ProgressTracker) notify() {
	update := t.snapshot()
	for subscriber := range t.Subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

// State 当前进度
func (t *ProgressTracker) State() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshot()
}

// UpdateProgress 更新进度，进度不会倒退
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != StatusRunning {
		return
	}
	if progress > t.Progress {
		t.Progress = min(progress, 99)
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()
	t.notify()
}

// finish 设置最终状态，只生效一次
func (t *ProgressTracker) finish(status, message string, progress int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != StatusRunning {
		return
	}
	t.Status = status
	t.Message = message
	if progress >= 0 {
		t.Progress = progress
	}
	t.UpdateTime = time.Now()
	t.notify()
	close(t.Done)
}

// Complete 标记任务完成
func (t *ProgressTracker) Complete(message string) {
	if message == "" {
		message = "Generation complete"
	}
	t.finish(StatusCompleted, message, 100)
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(errorMsg string) {
	t.finish(StatusFailed, "Generation failed: "+errorMsg, -1)
}

// Supersede 标记任务被新的提交取代
func (t *ProgressTracker) Supersede() {
	t.finish(StatusSuperseded, "Replaced by a newer submission", -1)
}

// Cancel 标记任务被用户取消
func (t *ProgressTracker) Cancel(reason string) {
	if reason == "" {
		reason = "Cancelled"
	}
	t.finish(StatusCancelled, reason, -1)
}

// Subscribe 订阅进度更新，通道中先写入当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	t.Subscribers[subscriber] = true
	subscriber <- t.snapshot()

	return subscriber
}

// Unsubscribe 取消订阅并关闭通道
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.Subscribers[subscriber]; !ok {
		return
	}
	delete(t.Subscribers, subscriber)
	close(subscriber)
}

// CleanupCompletedTasks 清理超过 maxAge 的已结束任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isFinished := tracker.Status != StatusRunning
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isFinished && isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
