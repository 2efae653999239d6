// internal/services/generation_controller.go
package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/CharacterStudio/internal/config"
	apperrors "github.com/Corphon/CharacterStudio/internal/errors"
	"github.com/Corphon/CharacterStudio/internal/models"
	"github.com/Corphon/CharacterStudio/internal/utils"
	"github.com/google/uuid"
)

// GenerationTask 一次生成请求
type GenerationTask struct {
	ID          string                `json:"id"`
	Description string                `json:"description"`
	Character   *models.CharacterData `json:"character"`
	SubmittedAt time.Time             `json:"submitted_at"`
	Delay       time.Duration         `json:"-"`

	mu     sync.Mutex
	status string
	result *models.GenerationResult
	done   chan struct{}
	cancel context.CancelFunc
}

// Done 任务结束后关闭
func (t *GenerationTask) Done() <-chan struct{} {
	return t.done
}

// Status 返回任务状态
func (t *GenerationTask) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result 仅在任务完成时有值
func (t *GenerationTask) Result() *models.GenerationResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// finish 记录最终状态，只生效一次
func (t *GenerationTask) finish(status string, result *models.GenerationResult) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return false
	}
	t.status = status
	t.result = result
	close(t.done)
	return true
}

// GenerationOptions 生成控制器配置
type GenerationOptions struct {
	SessionID string
	Delay     time.Duration
	// 任务完成时读取 Images，为 nil 时使用当前配置
	Images   func() config.ViewImages
	Progress *ProgressService
	Events   EventSink
	Metrics  *utils.StudioMetrics
}

// GenerationController 持有会话的当前结果和至多一个进行中的任务
type GenerationController struct {
	sessionID string
	delay     time.Duration
	images    func() config.ViewImages
	progress  *ProgressService
	events    EventSink
	metrics   *utils.StudioMetrics
	logger    *utils.Logger

	mu         sync.Mutex
	generation uint64
	pending    *GenerationTask
	result     *models.GenerationResult
	character  *models.CharacterData
}

// NewGenerationController 创建处于输入模式的控制器
func NewGenerationController(opts GenerationOptions) *GenerationController {
	c := &GenerationController{
		sessionID: opts.SessionID,
		delay:     opts.Delay,
		images:    opts.Images,
		progress:  opts.Progress,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    utils.GetLogger(),
	}
	if c.delay < 0 {
		c.delay = 0
	}
	if c.images == nil {
		c.images = func() config.ViewImages { return config.GetCurrentConfig().Images }
	}
	if c.progress == nil {
		c.progress = NewProgressService()
	}
	if c.events == nil {
		c.events = noopSink{}
	}
	if c.metrics == nil {
		c.metrics = utils.NewStudioMetrics()
	}
	return c
}

// Submit 提交描述并安排生成。ctx 限定的是生成本身的生命周期，
// 而不是本次调用。进行中的任务会被取代
func (c *GenerationController) Submit(ctx context.Context, description string, character *models.CharacterData) (*GenerationTask, error) {
	trimmed := strings.TrimSpace(description)
	if trimmed == "" {
		return nil, apperrors.NewValidationError("description must not be empty", nil)
	}
	if character == nil {
		character = models.DefaultCharacter()
	} else {
		character = character.Clone()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &GenerationTask{
		ID:          uuid.New().String(),
		Description: trimmed,
		Character:   character,
		SubmittedAt: time.Now(),
		Delay:       c.delay,
		status:      StatusRunning,
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	tracker := c.progress.CreateTracker(task.ID)

	c.mu.Lock()
	previous := c.detachLocked()
	c.pending = task
	gen := c.generation
	c.mu.Unlock()

	if previous != nil {
		c.stop(previous, StatusSuperseded)
	}

	c.metrics.RecordGenerationSubmitted()
	tracker.UpdateProgress(0, "Generating character views")
	c.publish(EventGenerationStarted, task.ID, map[string]interface{}{
		"description": trimmed,
		"delay_ms":    c.delay.Milliseconds(),
	})
	c.logger.Info("Generation submitted", map[string]interface{}{
		"session_id": c.sessionID,
		"task_id":    task.ID,
	})

	go c.run(taskCtx, task, gen)
	return task, nil
}

// Cancel 取消进行中的任务，不影响当前结果
func (c *GenerationController) Cancel() bool {
	c.mu.Lock()
	task := c.detachLocked()
	c.mu.Unlock()

	if task == nil {
		return false
	}
	c.stop(task, StatusCancelled)
	return true
}

// Reset 取消任务并清空结果
func (c *GenerationController) Reset() {
	c.mu.Lock()
	task := c.detachLocked()
	c.result = nil
	c.character = nil
	c.mu.Unlock()

	if task != nil {
		c.stop(task, StatusCancelled)
	}
}

// Mode 有结果时为 ModeResults
func (c *GenerationController) Mode() models.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return models.ModeResults
	}
	return models.ModeInput
}

// Result 返回当前结果的副本
func (c *GenerationController) Result() *models.GenerationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	result := *c.result
	return &result
}

// Character 返回当前结果对应角色数据的副本
func (c *GenerationController) Character() *models.CharacterData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.character.Clone()
}

// Pending 返回进行中的任务
func (c *GenerationController) Pending() *GenerationTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// detachLocked 清空任务槽并递增计数器，调用方需持有 c.mu
func (c *GenerationController) detachLocked() *GenerationTask {
	c.generation++
	task := c.pending
	c.pending = nil
	return task
}

// stop 以指定状态结束任务并停止计时器
func (c *GenerationController) stop(task *GenerationTask, status string) {
	if !task.finish(status, nil) {
		return
	}
	task.cancel()
	c.metrics.RecordGenerationCancelled()

	tracker := c.progress.CreateTracker(task.ID)
	eventType := EventGenerationCancelled
	if status == StatusSuperseded {
		tracker.Supersede()
		eventType = EventGenerationSuperseded
	} else {
		tracker.Cancel("Cancelled")
	}
	c.publish(eventType, task.ID, nil)
}

func (c *GenerationController) run(ctx context.Context, task *GenerationTask, gen uint64) {
	timer := time.NewTimer(c.delay)
	defer timer.Stop()

	var tick <-chan time.Time
	if step := c.delay / 4; step > 0 {
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		tick = ticker.C
	}

	tracker := c.progress.CreateTracker(task.ID)
	for {
		select {
		case <-ctx.Done():
			c.abandon(task)
			return
		case <-tick:
			elapsed := time.Since(task.SubmittedAt)
			tracker.UpdateProgress(int(elapsed*100/c.delay), "")
		case <-timer.C:
			c.complete(task, gen)
			return
		}
	}
}

// complete 写入结果，任务已被取代时忽略
func (c *GenerationController) complete(task *GenerationTask, gen uint64) {
	images := c.images()
	result := &models.GenerationResult{
		Front:       images.Front,
		Side:        images.Side,
		Back:        images.Back,
		Description: task.Description,
		GeneratedAt: time.Now(),
	}

	c.mu.Lock()
	if c.generation != gen || c.pending != task {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.result = result
	c.character = task.Character
	c.mu.Unlock()

	// 任务已离开任务槽，不会被其他地方结束
	latency := time.Since(task.SubmittedAt)
	c.metrics.RecordGenerationCompleted(latency)
	c.progress.CreateTracker(task.ID).Complete("")
	c.publish(EventGenerationCompleted, task.ID, result)
	c.logger.Info("Generation completed", map[string]interface{}{
		"session_id": c.sessionID,
		"task_id":    task.ID,
		"latency_ms": latency.Milliseconds(),
	})

	task.finish(StatusCompleted, result)
	task.cancel()
}

// abandon 处理延迟结束前父 context 已取消的情况
func (c *GenerationController) abandon(task *GenerationTask) {
	c.mu.Lock()
	if c.pending == task {
		c.detachLocked()
	}
	c.mu.Unlock()

	c.stop(task, StatusCancelled)
}

func (c *GenerationController) publish(eventType, taskID string, data interface{}) {
	c.events.Publish(StudioEvent{
		Type:      eventType,
		SessionID: c.sessionID,
		TaskID:    taskID,
		Data:      data,
		Timestamp: time.Now(),
	})
}
